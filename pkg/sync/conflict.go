package sync

import (
	"fmt"
	"sort"
)

// Resolution is the decision taken for one conflicting path.
type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionUseBackup  Resolution = "use-backup"
	ResolutionKeepLocal  Resolution = "keep-local"
	ResolutionSkip       Resolution = "skip"
)

// Conflict is one target path that exists both locally and in the
// backup with differing content. Created during the diff phase and
// resolved in full before any file is written.
type Conflict struct {
	ArchivePath    string     `json:"archivePath"`
	LocalPath      string     `json:"localPath"`
	LocalChecksum  string     `json:"localChecksum"`
	BackupChecksum string     `json:"backupChecksum"`
	Resolution     Resolution `json:"resolution"`
}

// Policy decides every conflict of a restore run in one stroke. The
// interactive ask-the-user flow lives in the GUI: by the time a restore
// is submitted the policy is already a batch decision.
type Policy string

const (
	PolicyUseBackup Policy = "use-backup"
	PolicyKeepLocal Policy = "keep-local"
	PolicySkip      Policy = "skip"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyUseBackup, PolicyKeepLocal, PolicySkip:
		return Policy(s), nil
	case "":
		return PolicyUseBackup, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// ApplyPolicy resolves every unresolved conflict according to the
// policy. Conflicts already carrying a resolution (a per-path user
// decision) are left alone.
func ApplyPolicy(conflicts []Conflict, policy Policy) {
	for i := range conflicts {
		if conflicts[i].Resolution != ResolutionUnresolved && conflicts[i].Resolution != "" {
			continue
		}
		switch policy {
		case PolicyKeepLocal:
			conflicts[i].Resolution = ResolutionKeepLocal
		case PolicySkip:
			conflicts[i].Resolution = ResolutionSkip
		default:
			conflicts[i].Resolution = ResolutionUseBackup
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].ArchivePath < conflicts[j].ArchivePath
	})
}
