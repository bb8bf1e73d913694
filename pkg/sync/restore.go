package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/archive"
	"github.com/ruppdi75/lumi-sync/pkg/cloud"
	"github.com/ruppdi75/lumi-sync/pkg/manifest"
	"github.com/ruppdi75/lumi-sync/pkg/profile"
	"github.com/ruppdi75/lumi-sync/pkg/settings"
)

// Report is the terminal result of a restore run. It always carries
// whatever succeeded before a failure or cancellation.
type Report struct {
	BackupID        string               `json:"backupId"`
	Applied         []string             `json:"applied"`
	KeptLocal       []string             `json:"keptLocal"`
	Skipped         []string             `json:"skipped"`
	Unchanged       []string             `json:"unchanged"`
	Conflicts       []Conflict           `json:"conflicts"`
	SettingsResults []settings.KeyResult `json:"settingsResults"`
	Warnings        []string             `json:"warnings"`
	RecoveryDir     string               `json:"recoveryDir"`
}

// plannedFile is one archive entry resolved to its local destination.
type plannedFile struct {
	entry  archive.Entry
	staged string
	target string
}

// RestoreOrchestrator drives one full restore run:
// Fetching -> Verifying -> Diffing -> ResolvingConflicts -> Applying.
// Nothing local is mutated until verification passes, and every file
// overwritten during Applying is preserved to the recovery directory
// first.
type RestoreOrchestrator struct {
	config  *lumisync.ServerConfig
	locator *profile.Locator
	snap    *settings.Snapshotter
	codec   *archive.Codec
	store   *manifest.Store
	log     logrus.FieldLogger
}

func NewRestoreOrchestrator(
	config *lumisync.ServerConfig,
	locator *profile.Locator,
	snap *settings.Snapshotter,
	codec *archive.Codec,
	store *manifest.Store,
	log logrus.FieldLogger,
) *RestoreOrchestrator {
	return &RestoreOrchestrator{
		config:  config,
		locator: locator,
		snap:    snap,
		codec:   codec,
		store:   store,
		log:     log,
	}
}

func (t *RestoreOrchestrator) Run(ctx context.Context, job lumisync.Job, backupID string, policy Policy) (*Report, error) {
	report := &Report{BackupID: backupID}
	stage := filepath.Join(t.config.TmpDir, "restore-"+job.ID)
	if err := os.MkdirAll(stage, 0700); err != nil {
		return report, err
	}
	defer os.RemoveAll(stage)

	// Fetching
	l := job.Logger.Step(lumisync.PhaseFetching)
	l.Progress(5).Logf("Fetching backup %s", backupID)
	m, err := t.store.Fetch(ctx, backupID)
	if err != nil {
		return report, err
	}
	archivePath := filepath.Join(stage, manifest.ArchiveObject(backupID))
	err = cloud.WithRetry(ctx, t.log, "download", func() error {
		f, err := os.Create(archivePath)
		if err != nil {
			return err
		}
		defer f.Close()
		return t.store.DownloadArchive(ctx, backupID, f, func(done, total int64) {
			if total > 0 {
				l.Progress(5 + int(done*20/total))
			}
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return report, err
	}

	// Verifying. The archive is checked in full against the manifest
	// before anything local is touched.
	v := job.Logger.Step(lumisync.PhaseVerifying)
	v.Progress(30).Log("Verifying archive integrity")
	sum, err := archive.FileChecksum(archivePath)
	if err != nil {
		return report, err
	}
	if sum != m.ArchiveChecksum {
		return report, fmt.Errorf("%w: archive checksum mismatch", lumisync.ErrArchiveCorrupt)
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return report, err
	}
	mismatches, err := t.codec.Verify(f, m.Entries)
	f.Close()
	if err != nil {
		return report, err
	}
	if len(mismatches) > 0 {
		v.Errf("%d entries failed verification", len(mismatches))
		return report, fmt.Errorf("%w: %d entries failed verification", lumisync.ErrArchiveCorrupt, len(mismatches))
	}
	v.Log("Archive verified")

	extractRoot := filepath.Join(stage, "extracted")
	f, err = os.Open(archivePath)
	if err != nil {
		return report, err
	}
	_, err = t.codec.Extract(ctx, f, extractRoot)
	f.Close()
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return report, err
	}

	// Diffing
	d := job.Logger.Step(lumisync.PhaseDiffing)
	d.Progress(45).Log("Comparing backup against local state")
	plan, settingsFiles := t.planEntries(m.Entries, extractRoot, backupID, report)
	for i, p := range plan {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d.Items(i, len(plan)).Current(p.entry.Path)
		if _, err := os.Stat(p.target); err != nil {
			continue // no local counterpart, applied unconditionally
		}
		localSum, err := archive.FileChecksum(p.target)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("cannot read local %s: %v", p.target, err))
			continue
		}
		if localSum == p.entry.Checksum {
			continue
		}
		report.Conflicts = append(report.Conflicts, Conflict{
			ArchivePath:    p.entry.Path,
			LocalPath:      p.target,
			LocalChecksum:  localSum,
			BackupChecksum: p.entry.Checksum,
			Resolution:     ResolutionUnresolved,
		})
	}
	d.Logf("%d conflicts found", len(report.Conflicts))

	// ResolvingConflicts. Every conflict is decided here; Applying
	// never suspends waiting on a decision.
	r := job.Logger.Step(lumisync.PhaseResolvingConflicts)
	ApplyPolicy(report.Conflicts, policy)
	r.Progress(55).Logf("Resolved %d conflicts with policy %s", len(report.Conflicts), policy)

	resolution := map[string]Resolution{}
	for _, c := range report.Conflicts {
		resolution[c.ArchivePath] = c.Resolution
	}

	// Applying
	a := job.Logger.Step(lumisync.PhaseApplying)
	a.Progress(60).Log("Applying backup")
	report.RecoveryDir = filepath.Join(t.config.DataDir, "recovery", backupID)

	// preserve the current settings before any of them change
	if len(settingsFiles) > 0 {
		if current, err := t.snap.Capture(ctx); err == nil {
			if err := writeJSON(filepath.Join(report.RecoveryDir, "settings-pre-restore.json"), current); err != nil {
				return report, err
			}
		} else if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	for i, p := range plan {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		a.Items(i, len(plan)).Current(p.entry.Path)
		if len(plan) > 0 {
			a.Progress(60 + i*35/len(plan))
		}

		switch resolution[p.entry.Path] {
		case ResolutionKeepLocal:
			report.KeptLocal = append(report.KeptLocal, p.entry.Path)
			continue
		case ResolutionSkip:
			report.Skipped = append(report.Skipped, p.entry.Path)
			continue
		}

		if info, err := os.Stat(p.target); err == nil {
			localSum, sumErr := archive.FileChecksum(p.target)
			if sumErr == nil && localSum == p.entry.Checksum {
				report.Unchanged = append(report.Unchanged, p.entry.Path)
				continue
			}
			preserved := filepath.Join(report.RecoveryDir, filepath.FromSlash(p.entry.Path))
			if err := copyFile(p.target, preserved, info.Mode().Perm()); err != nil {
				return report, fmt.Errorf("preserving %s: %w", p.target, err)
			}
		}
		if err := applyFile(p.staged, p.target); err != nil {
			return report, fmt.Errorf("applying %s: %w", p.entry.Path, err)
		}
		report.Applied = append(report.Applied, p.entry.Path)
	}

	for _, sf := range settingsFiles {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		tree, err := readTree(sf)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("unreadable settings file in backup: %v", err))
			continue
		}
		a.Current(tree.Domain).Logf("Applying %d settings keys", len(tree.Keys))
		results, err := t.snap.Apply(ctx, tree)
		report.SettingsResults = append(report.SettingsResults, results...)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Warnings = append(report.Warnings, fmt.Sprintf("settings apply: %v", err))
		}
	}

	a.Progress(100).Logf("Restore complete: %d applied, %d kept local, %d skipped",
		len(report.Applied), len(report.KeptLocal), len(report.Skipped))
	return report, nil
}

// planEntries maps archive entries to local destinations. Settings
// snapshots are returned separately: they apply through gsettings, not
// the filesystem. Entries for applications that cannot be located on
// this machine become warnings.
func (t *RestoreOrchestrator) planEntries(entries []archive.Entry, extractRoot, backupID string, report *Report) ([]plannedFile, []string) {
	plan := []plannedFile{}
	settingsFiles := []string{}
	located := map[string]*profile.Location{}
	missing := map[string]bool{}

	sorted := append([]archive.Entry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, e := range sorted {
		staged := filepath.Join(extractRoot, filepath.FromSlash(e.Path))
		parts := strings.Split(e.Path, "/")
		category := lumisync.Category(parts[0])

		switch category {
		case lumisync.CategoryDesktop, lumisync.CategorySystemSettings:
			if path.Base(e.Path) == settingsFileName {
				settingsFiles = append(settingsFiles, staged)
				continue
			}
			report.Warnings = append(report.Warnings, fmt.Sprintf("unexpected entry %s", e.Path))

		case lumisync.CategoryFiles:
			// Files/<app>/profile/<rest>
			if len(parts) < 4 || parts[2] != profileSegment {
				report.Warnings = append(report.Warnings, fmt.Sprintf("unexpected entry %s", e.Path))
				continue
			}
			app := parts[1]
			loc, ok := located[app]
			if !ok && !missing[app] {
				locs, err := t.locator.Locate(app)
				if err != nil {
					missing[app] = true
					report.Warnings = append(report.Warnings, fmt.Sprintf("no local %s profile, skipping its files", app))
				} else {
					loc = &locs[0]
					located[app] = loc
				}
			}
			if loc == nil {
				continue
			}
			rest := filepath.FromSlash(path.Join(parts[3:]...))
			plan = append(plan, plannedFile{entry: e, staged: staged, target: filepath.Join(loc.Path, rest)})

		case lumisync.CategorySystemTools:
			// informational artifacts land under the data dir, never
			// fed back into the package manager automatically
			target := filepath.Join(t.config.DataDir, "restored", backupID, filepath.FromSlash(path.Join(parts[1:]...)))
			plan = append(plan, plannedFile{entry: e, staged: staged, target: target})

		default:
			report.Warnings = append(report.Warnings, fmt.Sprintf("unknown category in entry %s", e.Path))
		}
	}
	return plan, settingsFiles
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func applyFile(staged, target string) error {
	info, err := os.Stat(staged)
	if err != nil {
		return err
	}
	return copyFile(staged, target, info.Mode().Perm())
}

func readTree(path string) (settings.Tree, error) {
	var tree settings.Tree
	data, err := os.ReadFile(path)
	if err != nil {
		return tree, err
	}
	if err := json.Unmarshal(data, &tree); err != nil {
		return tree, err
	}
	return tree, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
