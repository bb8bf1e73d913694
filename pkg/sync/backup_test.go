package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/archive"
	"github.com/ruppdi75/lumi-sync/pkg/cloud"
	"github.com/ruppdi75/lumi-sync/pkg/manifest"
	"github.com/ruppdi75/lumi-sync/pkg/profile"
	"github.com/ruppdi75/lumi-sync/pkg/settings"
)

// fakeRunner serves canned gsettings responses keyed by the joined
// argument list. Set commands succeed when present with empty output.
type fakeRunner struct {
	responses map[string]string
	calls     []string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	f.calls = append(f.calls, key)
	out, ok := f.responses[key]
	if !ok {
		return "", fmt.Errorf("no such key")
	}
	return out, nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type testEnv struct {
	config    *lumisync.ServerConfig
	runner    *fakeRunner
	transport cloud.Transport
	folder    cloud.Folder
	store     *manifest.Store
	backup    *BackupOrchestrator
	restore   *RestoreOrchestrator
	log       logrus.FieldLogger
}

var testSettingsKeys = []string{
	"org.gnome.desktop.interface.gtk-theme",
	"org.gnome.desktop.wm.preferences.focus-mode",
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := testLogger()

	home := t.TempDir()
	config := &lumisync.ServerConfig{
		HomeDir: home,
		DataDir: t.TempDir(),
		TmpDir:  t.TempDir(),
	}

	// a snap firefox profile with a couple of files
	base := filepath.Join(home, "snap", "firefox", "common", ".mozilla", "firefox")
	mustWriteFile(t, filepath.Join(base, "profiles.ini"), "[Profile0]\nName=default\nIsRelative=1\nPath=abcd.default\nDefault=1\n")
	mustWriteFile(t, filepath.Join(base, "abcd.default", "prefs.js"), "user_pref original")
	mustWriteFile(t, filepath.Join(base, "abcd.default", "places.sqlite"), "bookmarks")

	responses := map[string]string{"gsettings list-schemas": "ok"}
	responses["gsettings get org.gnome.desktop.interface gtk-theme"] = "'Dark'"
	responses["gsettings get org.gnome.desktop.wm.preferences focus-mode"] = "'click'"
	responses["gsettings set org.gnome.desktop.interface gtk-theme 'Dark'"] = ""
	responses["gsettings set org.gnome.desktop.wm.preferences focus-mode 'click'"] = ""
	runner := &fakeRunner{responses: responses}
	snap := settings.NewSnapshotterWithRunner(runner.run, testSettingsKeys, log)

	transport, err := cloud.NewLocalDirTransport(t.TempDir())
	require.NoError(t, err)
	folder, err := transport.EnsureFolder(context.Background(), "LumiSync")
	require.NoError(t, err)
	store := manifest.NewStore(transport, folder)

	locator := profile.NewLocator(home, log)
	codec := archive.NewCodec()

	backup := NewBackupOrchestrator(config, locator, snap, codec, store, log)
	backup.SetPackageLister(func(ctx context.Context) ([]byte, error) {
		return []byte("vim\ngit\n"), nil
	})
	restore := NewRestoreOrchestrator(config, locator, snap, codec, store, log)

	return &testEnv{
		config:    config,
		runner:    runner,
		transport: transport,
		folder:    folder,
		store:     store,
		backup:    backup,
		restore:   restore,
		log:       log,
	}
}

func newTestJob(id string, a lumisync.Action, log logrus.FieldLogger) lumisync.Job {
	j := lumisync.Job{ID: id, A: a}
	j.Logger = lumisync.NewActionLogger(j, nil, log)
	return j
}

func (e *testEnv) profilePath(parts ...string) string {
	base := filepath.Join(e.config.HomeDir, "snap", "firefox", "common", ".mozilla", "firefox", "abcd.default")
	return filepath.Join(append([]string{base}, parts...)...)
}

func mustWriteFile(t *testing.T, path string, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestBackupDesktopCategory(t *testing.T) {
	env := newTestEnv(t)
	job := newTestJob("job-1", lumisync.StartBackup{}, env.log)

	m, err := env.backup.Run(context.Background(), job, []lumisync.Category{lumisync.CategoryDesktop})
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, []lumisync.Category{lumisync.CategoryDesktop}, m.Categories)
	assert.Equal(t, manifest.SchemaVersion, m.SchemaVersion)
	assert.NotEmpty(t, m.ArchiveChecksum)

	var found bool
	for _, e := range m.Entries {
		if e.Path == "Desktop/settings.json" {
			found = true
		}
	}
	assert.True(t, found, "manifest must contain the settings file entry")

	listed, err := env.store.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, m.BackupID, listed[0].BackupID)
}

func TestBackupAllCategories(t *testing.T) {
	env := newTestEnv(t)
	job := newTestJob("job-1", lumisync.StartBackup{}, env.log)

	m, err := env.backup.Run(context.Background(), job, nil)
	require.NoError(t, err)

	paths := map[string]bool{}
	for _, e := range m.Entries {
		paths[e.Path] = true
	}
	assert.True(t, paths["Desktop/settings.json"])
	assert.True(t, paths["SystemSettings/settings.json"])
	assert.True(t, paths["SystemTools/packages.txt"])
	assert.True(t, paths["Files/firefox/profile/prefs.js"])
	assert.True(t, paths["Files/firefox/profile/places.sqlite"])
}

func TestBackupAbsorbsMissingProfiles(t *testing.T) {
	env := newTestEnv(t)
	// wipe the firefox profile: Files category must go partial, not fail
	require.NoError(t, os.RemoveAll(filepath.Join(env.config.HomeDir, "snap")))

	job := newTestJob("job-1", lumisync.StartBackup{}, env.log)
	m, err := env.backup.Run(context.Background(), job, []lumisync.Category{lumisync.CategoryFiles, lumisync.CategoryDesktop})
	require.NoError(t, err)
	assert.NotEmpty(t, m.Warnings)

	for _, e := range m.Entries {
		assert.NotContains(t, e.Path, "Files/", "no profile files should be archived")
	}
}

func TestBackupRejectsUnknownCategory(t *testing.T) {
	env := newTestEnv(t)
	job := newTestJob("job-1", lumisync.StartBackup{}, env.log)
	_, err := env.backup.Run(context.Background(), job, []lumisync.Category{"Wallpaper"})
	require.Error(t, err)
}

// failingUploadTransport delegates everything except Upload, which
// always fails with a non-retryable error.
type failingUploadTransport struct {
	cloud.Transport
}

func (f *failingUploadTransport) Upload(ctx context.Context, folder cloud.Folder, name string, r io.Reader, size int64, sink cloud.ProgressSink) (string, error) {
	return "", errors.New("link down")
}

func TestNoManifestAfterFailedUpload(t *testing.T) {
	env := newTestEnv(t)
	store := manifest.NewStore(&failingUploadTransport{Transport: env.transport}, env.folder)
	locator := profile.NewLocator(env.config.HomeDir, env.log)
	snap := settings.NewSnapshotterWithRunner(env.runner.run, testSettingsKeys, env.log)
	backup := NewBackupOrchestrator(env.config, locator, snap, archive.NewCodec(), store, env.log)

	job := newTestJob("job-1", lumisync.StartBackup{}, env.log)
	_, err := backup.Run(context.Background(), job, []lumisync.Category{lumisync.CategoryDesktop})
	require.Error(t, err)

	// the remote folder must hold no manifest pointing at the failed
	// archive
	objects, err := env.transport.List(context.Background(), env.folder)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestBackupHonoursCancellation(t *testing.T) {
	env := newTestEnv(t)
	job := newTestJob("job-1", lumisync.StartBackup{}, env.log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.backup.Run(ctx, job, []lumisync.Category{lumisync.CategoryFiles})
	require.ErrorIs(t, err, context.Canceled)

	objects, err := env.transport.List(context.Background(), env.folder)
	require.NoError(t, err)
	assert.Empty(t, objects, "cancelled run must not leave remote objects")
}
