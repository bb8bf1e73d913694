package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/manifest"
)

func runBackup(t *testing.T, env *testEnv, categories []lumisync.Category) *manifest.Manifest {
	t.Helper()
	job := newTestJob("backup-job", lumisync.StartBackup{}, env.log)
	m, err := env.backup.Run(context.Background(), job, categories)
	require.NoError(t, err)
	return m
}

func TestRestoreUseBackupOverwritesConflicts(t *testing.T) {
	env := newTestEnv(t)
	m := runBackup(t, env, nil)

	// diverge from the backup: modify one file, delete another
	mustWriteFile(t, env.profilePath("prefs.js"), "user_pref modified")
	require.NoError(t, os.Remove(env.profilePath("places.sqlite")))

	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	report, err := env.restore.Run(context.Background(), job, m.BackupID, PolicyUseBackup)
	require.NoError(t, err)

	got, err := os.ReadFile(env.profilePath("prefs.js"))
	require.NoError(t, err)
	assert.Equal(t, "user_pref original", string(got))

	got, err = os.ReadFile(env.profilePath("places.sqlite"))
	require.NoError(t, err)
	assert.Equal(t, "bookmarks", string(got))

	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "Files/firefox/profile/prefs.js", report.Conflicts[0].ArchivePath)
	assert.Equal(t, ResolutionUseBackup, report.Conflicts[0].Resolution)
	assert.Contains(t, report.Applied, "Files/firefox/profile/prefs.js")
	assert.Contains(t, report.Applied, "Files/firefox/profile/places.sqlite")

	// the overwritten original is preserved for rollback
	preserved, err := os.ReadFile(filepath.Join(report.RecoveryDir, "Files", "firefox", "profile", "prefs.js"))
	require.NoError(t, err)
	assert.Equal(t, "user_pref modified", string(preserved))

	// settings state before the restore is preserved too
	_, err = os.Stat(filepath.Join(report.RecoveryDir, "settings-pre-restore.json"))
	assert.NoError(t, err)

	assert.NotEmpty(t, report.SettingsResults)
	for _, r := range report.SettingsResults {
		assert.True(t, r.Applied, "settings key %s should apply", r.Key)
	}
}

func TestRestoreKeepLocalPreservesModifiedFiles(t *testing.T) {
	env := newTestEnv(t)
	m := runBackup(t, env, []lumisync.Category{lumisync.CategoryFiles})

	mustWriteFile(t, env.profilePath("prefs.js"), "user_pref modified")

	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	report, err := env.restore.Run(context.Background(), job, m.BackupID, PolicyKeepLocal)
	require.NoError(t, err)

	got, err := os.ReadFile(env.profilePath("prefs.js"))
	require.NoError(t, err)
	assert.Equal(t, "user_pref modified", string(got))

	assert.Contains(t, report.KeptLocal, "Files/firefox/profile/prefs.js")
	assert.Contains(t, report.Unchanged, "Files/firefox/profile/places.sqlite")
	assert.Empty(t, report.Applied)
}

func TestRestoreSkipPolicy(t *testing.T) {
	env := newTestEnv(t)
	m := runBackup(t, env, []lumisync.Category{lumisync.CategoryFiles})

	mustWriteFile(t, env.profilePath("prefs.js"), "user_pref modified")

	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	report, err := env.restore.Run(context.Background(), job, m.BackupID, PolicySkip)
	require.NoError(t, err)

	assert.Contains(t, report.Skipped, "Files/firefox/profile/prefs.js")
	got, err := os.ReadFile(env.profilePath("prefs.js"))
	require.NoError(t, err)
	assert.Equal(t, "user_pref modified", string(got))
}

func TestRestoreAbortsOnCorruptArchiveBeforeMutation(t *testing.T) {
	env := newTestEnv(t)
	m := runBackup(t, env, []lumisync.Category{lumisync.CategoryFiles})

	mustWriteFile(t, env.profilePath("prefs.js"), "user_pref modified")

	// corrupt the remote archive object in place
	remote := filepath.Join(env.folder.ID, manifest.ArchiveObject(m.BackupID))
	require.NoError(t, os.WriteFile(remote, []byte("garbage"), 0644))

	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	_, err := env.restore.Run(context.Background(), job, m.BackupID, PolicyUseBackup)
	require.ErrorIs(t, err, lumisync.ErrArchiveCorrupt)

	// nothing local was touched
	got, readErr := os.ReadFile(env.profilePath("prefs.js"))
	require.NoError(t, readErr)
	assert.Equal(t, "user_pref modified", string(got))
}

// cancelOnceExists reports cancellation as soon as the marker path
// exists, landing a cancel request at a precise point mid-run.
type cancelOnceExists struct {
	context.Context
	marker string
}

func (c *cancelOnceExists) Err() error {
	if _, err := os.Stat(c.marker); err == nil {
		return context.Canceled
	}
	return c.Context.Err()
}

func TestRestoreCancelledMidApplyLeavesRecoverableState(t *testing.T) {
	env := newTestEnv(t)
	m := runBackup(t, env, []lumisync.Category{lumisync.CategoryFiles})

	// diverge both files so both must be preserved before overwrite;
	// places.sqlite sorts first and is applied first
	mustWriteFile(t, env.profilePath("places.sqlite"), "bookmarks modified")
	mustWriteFile(t, env.profilePath("prefs.js"), "user_pref modified")

	recoveryDir := filepath.Join(env.config.DataDir, "recovery", m.BackupID)
	ctx := &cancelOnceExists{
		Context: context.Background(),
		marker:  filepath.Join(recoveryDir, "Files", "firefox", "profile", "places.sqlite"),
	}

	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	report, err := env.restore.Run(ctx, job, m.BackupID, PolicyUseBackup)
	require.ErrorIs(t, err, context.Canceled)

	// the first file was overwritten before the cancel landed
	got, readErr := os.ReadFile(env.profilePath("places.sqlite"))
	require.NoError(t, readErr)
	assert.Equal(t, "bookmarks", string(got))
	assert.Contains(t, report.Applied, "Files/firefox/profile/places.sqlite")

	// its original survives under the recovery dir, so the pre-restore
	// state is fully recoverable
	assert.Equal(t, recoveryDir, report.RecoveryDir)
	preserved, readErr := os.ReadFile(ctx.marker)
	require.NoError(t, readErr)
	assert.Equal(t, "bookmarks modified", string(preserved))

	// the rest of the plan was never touched
	got, readErr = os.ReadFile(env.profilePath("prefs.js"))
	require.NoError(t, readErr)
	assert.Equal(t, "user_pref modified", string(got))
	assert.NotContains(t, report.Applied, "Files/firefox/profile/prefs.js")
}

func TestRestoreUnknownBackup(t *testing.T) {
	env := newTestEnv(t)
	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	_, err := env.restore.Run(context.Background(), job, "20990101-000000-ffffffff", PolicyUseBackup)
	require.ErrorIs(t, err, lumisync.ErrBackupNotFound)
}

func TestRestoreMissingLocalProfileBecomesWarning(t *testing.T) {
	env := newTestEnv(t)
	m := runBackup(t, env, []lumisync.Category{lumisync.CategoryFiles})

	// remove the local profile entirely; its files cannot be placed
	require.NoError(t, os.RemoveAll(filepath.Join(env.config.HomeDir, "snap")))

	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	report, err := env.restore.Run(context.Background(), job, m.BackupID, PolicyUseBackup)
	require.NoError(t, err)

	assert.Empty(t, report.Applied)
	assert.NotEmpty(t, report.Warnings)
}

func TestRestoreSystemToolsLandsUnderDataDir(t *testing.T) {
	env := newTestEnv(t)
	m := runBackup(t, env, []lumisync.Category{lumisync.CategorySystemTools})

	job := newTestJob("restore-job", lumisync.StartRestore{}, env.log)
	report, err := env.restore.Run(context.Background(), job, m.BackupID, PolicyUseBackup)
	require.NoError(t, err)

	assert.Contains(t, report.Applied, "SystemTools/packages.txt")
	got, err := os.ReadFile(filepath.Join(env.config.DataDir, "restored", m.BackupID, "packages.txt"))
	require.NoError(t, err)
	assert.Equal(t, "vim\ngit\n", string(got))
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{
		"":           PolicyUseBackup,
		"use-backup": PolicyUseBackup,
		"keep-local": PolicyKeepLocal,
		"skip":       PolicySkip,
	}
	for raw, want := range cases {
		got, err := ParsePolicy(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("clobber")
	require.Error(t, err)
}
