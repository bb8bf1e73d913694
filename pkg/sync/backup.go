package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/archive"
	"github.com/ruppdi75/lumi-sync/pkg/cloud"
	"github.com/ruppdi75/lumi-sync/pkg/manifest"
	"github.com/ruppdi75/lumi-sync/pkg/profile"
	"github.com/ruppdi75/lumi-sync/pkg/settings"
)

// Archive layout. Every file lives under its category prefix; the
// fixed "profile" segment under Files keeps archive paths independent
// of the salted profile directory names Mozilla generates per machine.
const (
	settingsFileName = "settings.json"
	profileSegment   = "profile"
	packagesFileName = "packages.txt"
)

// Settings key prefixes per category. Appearance and shell state are
// Desktop; window management and input are SystemSettings.
var (
	desktopSettingsPrefixes = []string{
		"org.gnome.desktop.interface.",
		"org.gnome.desktop.background.",
		"org.gnome.shell.extensions.",
		"org.gnome.shell.favorite-apps",
	}
	systemSettingsPrefixes = []string{
		"org.gnome.desktop.wm.",
		"org.gnome.desktop.input-sources.",
	}
)

// PackageLister captures the manually installed package set. Injected
// so tests never shell out.
type PackageLister func(ctx context.Context) ([]byte, error)

func aptManualPackages(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "apt-mark", "showmanual").Output()
}

// BackupOrchestrator drives one full backup run:
// Locating -> Capturing -> Archiving -> Uploading -> Finalizing.
type BackupOrchestrator struct {
	config   *lumisync.ServerConfig
	locator  *profile.Locator
	snap     *settings.Snapshotter
	codec    *archive.Codec
	store    *manifest.Store
	packages PackageLister
	log      logrus.FieldLogger
}

func NewBackupOrchestrator(
	config *lumisync.ServerConfig,
	locator *profile.Locator,
	snap *settings.Snapshotter,
	codec *archive.Codec,
	store *manifest.Store,
	log logrus.FieldLogger,
) *BackupOrchestrator {
	return &BackupOrchestrator{
		config:   config,
		locator:  locator,
		snap:     snap,
		codec:    codec,
		store:    store,
		packages: aptManualPackages,
		log:      log,
	}
}

// SetPackageLister replaces the package capture command, for tests.
func (t *BackupOrchestrator) SetPackageLister(fn PackageLister) {
	t.packages = fn
}

// Run executes a backup of the selected categories. Category-level
// detection failures are absorbed as warnings; the run only aborts on
// archive or transport failure. The manifest is written last, after
// the archive upload is confirmed.
func (t *BackupOrchestrator) Run(ctx context.Context, job lumisync.Job, categories []lumisync.Category) (*manifest.Manifest, error) {
	if len(categories) == 0 {
		categories = lumisync.AllCategories
	}
	for _, c := range categories {
		if !lumisync.ValidCategory(c) {
			return nil, fmt.Errorf("unknown category %q", c)
		}
	}

	backupID := newBackupID()
	stage := filepath.Join(t.config.TmpDir, "backup-"+job.ID)
	if err := os.MkdirAll(stage, 0700); err != nil {
		return nil, err
	}
	defer os.RemoveAll(stage)

	warnings := []string{}
	inputs := []archive.Input{}

	// Locating
	if hasCategory(categories, lumisync.CategoryFiles) {
		l := job.Logger.Step(lumisync.PhaseLocating)
		l.Progress(5).Log("Locating application profiles")
		apps := profile.SupportedApps()
		for i, app := range apps {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			l.Items(i, len(apps)).Current(app)
			locs, err := t.locator.Locate(app)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("no %s profile found, skipping", app))
				l.Logf("No %s profile found", app)
				continue
			}
			loc := locs[0]
			l.Logf("Found %s profile via %s (%s)", app, loc.Mechanism, loc.ProfileName)
			inputs = append(inputs, archive.Input{
				SourcePath:  loc.Path,
				ArchivePath: path.Join(string(lumisync.CategoryFiles), app, profileSegment),
			})
		}
	}

	// Capturing
	if hasCategory(categories, lumisync.CategoryDesktop) || hasCategory(categories, lumisync.CategorySystemSettings) {
		l := job.Logger.Step(lumisync.PhaseCapturing)
		l.Progress(20).Log("Capturing desktop settings")
		tree, err := t.snap.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			warnings = append(warnings, fmt.Sprintf("settings capture failed: %v", err))
			l.Errf("Settings capture failed: %v", err)
		} else {
			if hasCategory(categories, lumisync.CategoryDesktop) {
				desktop := filterTree(tree, desktopSettingsPrefixes)
				desktop.Extensions = tree.Extensions
				p, err := t.stageJSON(stage, string(lumisync.CategoryDesktop), desktop)
				if err != nil {
					return nil, err
				}
				inputs = append(inputs, p)
				l.Logf("Captured %d desktop keys", len(desktop.Keys))
			}
			if hasCategory(categories, lumisync.CategorySystemSettings) {
				system := filterTree(tree, systemSettingsPrefixes)
				system.Keybindings = tree.Keybindings
				p, err := t.stageJSON(stage, string(lumisync.CategorySystemSettings), system)
				if err != nil {
					return nil, err
				}
				inputs = append(inputs, p)
				l.Logf("Captured %d system keys, %d keybindings", len(system.Keys), len(system.Keybindings))
			}
		}
	}

	if hasCategory(categories, lumisync.CategorySystemTools) {
		l := job.Logger.Step(lumisync.PhaseCapturing)
		out, err := t.packages(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			warnings = append(warnings, fmt.Sprintf("package list capture failed: %v", err))
			l.Errf("Package list capture failed: %v", err)
		} else {
			dir := filepath.Join(stage, string(lumisync.CategorySystemTools))
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, err
			}
			target := filepath.Join(dir, packagesFileName)
			if err := os.WriteFile(target, out, 0600); err != nil {
				return nil, err
			}
			inputs = append(inputs, archive.Input{
				SourcePath:  target,
				ArchivePath: path.Join(string(lumisync.CategorySystemTools), packagesFileName),
			})
			l.Logf("Captured %d manually installed packages", len(strings.Fields(string(out))))
		}
	}

	if len(inputs) == 0 {
		return nil, fmt.Errorf("nothing to back up: %s", strings.Join(warnings, "; "))
	}

	// Archiving
	l := job.Logger.Step(lumisync.PhaseArchiving)
	l.Progress(40).Log("Building archive")
	archivePath := filepath.Join(stage, manifest.ArchiveObject(backupID))
	entries, archiveSum, err := t.buildArchive(ctx, archivePath, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.Errf("Archive build failed: %v", err)
		return nil, fmt.Errorf("%w: %v", lumisync.ErrIntegrityFailure, err)
	}
	var totalSize int64
	for _, e := range entries {
		totalSize += e.Size
	}
	l.Logf("Archive built: %d files, %d bytes", len(entries), totalSize)

	// Uploading. Each retry attempt reopens the staged archive so a
	// partially consumed stream is never resumed mid-file.
	u := job.Logger.Step(lumisync.PhaseUploading)
	u.Progress(60).Log("Uploading archive")
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, err
	}
	err = cloud.WithRetry(ctx, t.log, "upload", func() error {
		f, err := os.Open(archivePath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = t.store.UploadArchive(ctx, backupID, f, info.Size(), func(done, total int64) {
			if total > 0 {
				u.Progress(60 + int(done*30/total))
			}
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		u.Errf("Upload failed: %v", err)
		return nil, err
	}
	u.Progress(90).Log("Upload confirmed")

	// Finalizing. The manifest only goes up once the archive is
	// confirmed remote, so a listing never shows a backup whose
	// archive is missing or incomplete.
	f := job.Logger.Step(lumisync.PhaseFinalizing)
	m := &manifest.Manifest{
		BackupID:        backupID,
		SchemaVersion:   manifest.SchemaVersion,
		CreatedAt:       time.Now().UTC(),
		Categories:      categories,
		Entries:         entries,
		TotalSize:       totalSize,
		ArchiveChecksum: archiveSum,
		Host:            manifest.CollectHostInfo(),
		Warnings:        warnings,
	}
	if err := cloud.WithRetry(ctx, t.log, "manifest", func() error {
		return t.store.Put(ctx, m)
	}); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.Errf("Manifest write failed: %v", err)
		return nil, err
	}
	f.Progress(100).Logf("Backup %s complete", backupID)
	return m, nil
}

func (t *BackupOrchestrator) buildArchive(ctx context.Context, target string, inputs []archive.Input) ([]archive.Entry, string, error) {
	f, err := os.Create(target)
	if err != nil {
		return nil, "", err
	}
	hash := sha256.New()
	entries, err := t.codec.Build(ctx, io.MultiWriter(f, hash), inputs)
	if err != nil {
		f.Close()
		os.Remove(target)
		return nil, "", err
	}
	if err := f.Close(); err != nil {
		return nil, "", err
	}
	return entries, hex.EncodeToString(hash.Sum(nil)), nil
}

func (t *BackupOrchestrator) stageJSON(stage, category string, tree settings.Tree) (archive.Input, error) {
	dir := filepath.Join(stage, category)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return archive.Input{}, err
	}
	target := filepath.Join(dir, settingsFileName)
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return archive.Input{}, err
	}
	if err := os.WriteFile(target, data, 0600); err != nil {
		return archive.Input{}, err
	}
	return archive.Input{
		SourcePath:  target,
		ArchivePath: path.Join(category, settingsFileName),
	}, nil
}

// filterTree keeps the keys matching any of the prefixes. Keybindings
// and extensions are assigned by the caller.
func filterTree(tree settings.Tree, prefixes []string) settings.Tree {
	out := settings.Tree{Domain: tree.Domain, Keys: map[string]settings.Value{}}
	for key, value := range tree.Keys {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				out.Keys[key] = value
				break
			}
		}
	}
	return out
}

func hasCategory(categories []lumisync.Category, c lumisync.Category) bool {
	for _, have := range categories {
		if have == c {
			return true
		}
	}
	return false
}

// newBackupID derives a sortable timestamp-prefixed ID. The uuid tail
// keeps two backups within the same second distinct.
func newBackupID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}
