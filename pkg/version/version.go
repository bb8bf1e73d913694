package version

import (
	"github.com/carlmjohnson/versioninfo"
)

const Release = "0.1.0"

type GitInfo struct {
	Commit string `json:"commit"`
	Dirty  bool   `json:"dirty"`
}

type Info struct {
	Release string  `json:"release"`
	Git     GitInfo `json:"git"`
}

// Get reports the release and the build's embedded VCS revision.
func Get() Info {
	return Info{
		Release: Release,
		Git: GitInfo{
			Commit: versioninfo.Revision,
			Dirty:  versioninfo.DirtyBuild,
		},
	}
}
