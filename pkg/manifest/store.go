package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/shirou/gopsutil/v4/host"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/archive"
	"github.com/ruppdi75/lumi-sync/pkg/cloud"
)

// SchemaVersion is the manifest schema this build writes. Readers
// accept any manifest whose major version is not newer than ours.
const SchemaVersion = "1.0.0"

// HostInfo records where a backup was taken. Informational only;
// restore never refuses a manifest because of it.
type HostInfo struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	PlatformVer   string `json:"platformVersion"`
	KernelVersion string `json:"kernelVersion"`
	Arch          string `json:"arch"`
	Desktop       string `json:"desktop"`
}

// Manifest is the sidecar metadata object for one backup.
type Manifest struct {
	BackupID        string              `json:"backupId"`
	SchemaVersion   string              `json:"schemaVersion"`
	CreatedAt       time.Time           `json:"createdAt"`
	Categories      []lumisync.Category `json:"categories"`
	Entries         []archive.Entry     `json:"entries"`
	TotalSize       int64               `json:"totalSize"`
	ArchiveChecksum string              `json:"archiveChecksum"`
	Host            HostInfo            `json:"host"`

	// Warnings carries non-fatal capture failures, e.g. a category
	// whose profile could not be located.
	Warnings []string `json:"warnings,omitempty"`
}

// CollectHostInfo probes the local machine for the manifest host block.
func CollectHostInfo() HostInfo {
	h := HostInfo{Desktop: os.Getenv("XDG_CURRENT_DESKTOP")}
	info, err := host.Info()
	if err != nil {
		return h
	}
	h.Hostname = info.Hostname
	h.OS = info.OS
	h.Platform = info.Platform
	h.PlatformVer = info.PlatformVersion
	h.KernelVersion = info.KernelVersion
	h.Arch = info.KernelArch
	return h
}

// Encode writes the manifest as indented JSON.
func (m *Manifest) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// Decode parses and validates a manifest. Missing required fields or a
// schema major version newer than ours fail with ErrManifestCorrupt.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", lumisync.ErrManifestCorrupt, err)
	}
	if m.BackupID == "" || m.SchemaVersion == "" || m.ArchiveChecksum == "" {
		return nil, fmt.Errorf("%w: missing required fields", lumisync.ErrManifestCorrupt)
	}
	ver, err := semver.NewVersion(m.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: bad schema version %q", lumisync.ErrManifestCorrupt, m.SchemaVersion)
	}
	supported := semver.MustParse(SchemaVersion)
	if ver.Major() > supported.Major() {
		return nil, fmt.Errorf("%w: schema %s newer than supported %s", lumisync.ErrManifestCorrupt, m.SchemaVersion, SchemaVersion)
	}
	return &m, nil
}

// Remote object naming. One flat remote folder holds all backups, each
// as an archive plus a manifest sidecar.
func ArchiveObject(backupID string) string { return backupID + ".tar.gz" }
func ManifestObject(backupID string) string { return backupID + ".manifest.json" }

// Store reads and writes manifests through a cloud transport.
type Store struct {
	transport cloud.Transport
	folder    cloud.Folder
}

func NewStore(transport cloud.Transport, folder cloud.Folder) *Store {
	return &Store{transport: transport, folder: folder}
}

// Put uploads a manifest sidecar. Callers upload the archive first so
// a manifest never points at an object that failed to transfer.
func (s *Store) Put(ctx context.Context, m *Manifest) error {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return err
	}
	_, err := s.transport.Upload(ctx, s.folder, ManifestObject(m.BackupID), &buf, int64(buf.Len()), nil)
	return err
}

// Fetch downloads and validates one manifest.
func (s *Store) Fetch(ctx context.Context, backupID string) (*Manifest, error) {
	var buf bytes.Buffer
	if err := s.transport.Download(ctx, s.folder, ManifestObject(backupID), &buf, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", lumisync.ErrBackupNotFound, backupID)
	}
	m, err := Decode(&buf)
	if err != nil {
		return nil, err
	}
	if m.BackupID != backupID {
		return nil, fmt.Errorf("%w: manifest id %q does not match %q", lumisync.ErrManifestCorrupt, m.BackupID, backupID)
	}
	return m, nil
}

// ListAvailable enumerates every backup that has both an archive and a
// readable manifest, newest first. Manifests that fail to decode are
// skipped rather than failing the whole listing.
func (s *Store) ListAvailable(ctx context.Context) ([]*Manifest, error) {
	objects, err := s.transport.List(ctx, s.folder)
	if err != nil {
		return nil, err
	}
	archives := map[string]bool{}
	for _, o := range objects {
		if id, ok := backupIDFromArchive(o.Name); ok {
			archives[id] = true
		}
	}

	manifests := []*Manifest{}
	for _, o := range objects {
		id, ok := backupIDFromManifest(o.Name)
		if !ok || !archives[id] {
			continue
		}
		m, err := s.Fetch(ctx, id)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Delete removes a backup's archive and manifest. The archive goes
// first so a failed delete never strands an unlisted archive.
func (s *Store) Delete(ctx context.Context, backupID string) error {
	objects, err := s.transport.List(ctx, s.folder)
	if err != nil {
		return err
	}
	var archiveID, manifestID string
	for _, o := range objects {
		switch o.Name {
		case ArchiveObject(backupID):
			archiveID = o.RemoteID
		case ManifestObject(backupID):
			manifestID = o.RemoteID
		}
	}
	if archiveID == "" && manifestID == "" {
		return fmt.Errorf("%w: %s", lumisync.ErrBackupNotFound, backupID)
	}
	if archiveID != "" {
		if err := s.transport.Delete(ctx, s.folder, archiveID); err != nil {
			return err
		}
	}
	if manifestID != "" {
		if err := s.transport.Delete(ctx, s.folder, manifestID); err != nil {
			return err
		}
	}
	return nil
}

// DownloadArchive streams a backup archive into w.
func (s *Store) DownloadArchive(ctx context.Context, backupID string, w io.Writer, sink cloud.ProgressSink) error {
	return s.transport.Download(ctx, s.folder, ArchiveObject(backupID), w, sink)
}

// UploadArchive streams a backup archive from r.
func (s *Store) UploadArchive(ctx context.Context, backupID string, r io.Reader, size int64, sink cloud.ProgressSink) (string, error) {
	return s.transport.Upload(ctx, s.folder, ArchiveObject(backupID), r, size, sink)
}

func backupIDFromArchive(name string) (string, bool) {
	const suffix = ".tar.gz"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}

func backupIDFromManifest(name string) (string, bool) {
	const suffix = ".manifest.json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}
