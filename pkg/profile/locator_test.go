package profile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func mustWriteFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

// writeMozillaProfile lays down a profiles.ini plus a valid profile dir
// under the given base.
func writeMozillaProfile(t *testing.T, base, profileDir string) {
	t.Helper()
	mustWriteFile(t, filepath.Join(base, "profiles.ini"), `[Profile0]
Name=default
IsRelative=1
Path=`+profileDir+`
Default=1
`)
	mustWriteFile(t, filepath.Join(base, profileDir, "prefs.js"), "user_pref ok")
}

func TestSnapProfileWinsOverAPT(t *testing.T) {
	home := t.TempDir()
	writeMozillaProfile(t, filepath.Join(home, ".mozilla", "firefox"), "abcd.default")
	writeMozillaProfile(t, filepath.Join(home, "snap", "firefox", "common", ".mozilla", "firefox"), "wxyz.default")

	locs, err := NewLocator(home, testLogger()).Locate("firefox")
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(locs))
	}
	if locs[0].Mechanism != MechanismSnap {
		t.Fatalf("expected snap profile to be authoritative, got %s", locs[0].Mechanism)
	}
	if locs[0].Shadowed {
		t.Fatal("authoritative location must not be shadowed")
	}
	if locs[1].Mechanism != MechanismAPT || !locs[1].Shadowed {
		t.Fatalf("expected shadowed apt location, got %s shadowed=%t", locs[1].Mechanism, locs[1].Shadowed)
	}
}

func TestLocateFailsWhenNoCandidateValidates(t *testing.T) {
	home := t.TempDir()
	// base dir exists but holds no valid profile (no prefs.js)
	mustWriteFile(t, filepath.Join(home, ".mozilla", "firefox", "profiles.ini"), "[Profile0]\nPath=gone\n")

	_, err := NewLocator(home, testLogger()).Locate("firefox")
	if !errors.Is(err, lumisync.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestLocateUnknownApplication(t *testing.T) {
	_, err := NewLocator(t.TempDir(), testLogger()).Locate("netscape")
	if !errors.Is(err, lumisync.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestLocateMechanism(t *testing.T) {
	home := t.TempDir()
	writeMozillaProfile(t, filepath.Join(home, ".thunderbird"), "abcd.default")

	locator := NewLocator(home, testLogger())

	loc, err := locator.LocateMechanism("thunderbird", MechanismAPT)
	if err != nil {
		t.Fatalf("LocateMechanism failed: %v", err)
	}
	if loc.ProfileName != "default" {
		t.Fatalf("unexpected profile name %q", loc.ProfileName)
	}

	_, err = locator.LocateMechanism("thunderbird", MechanismSnap)
	if !errors.Is(err, lumisync.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound for snap, got %v", err)
	}
}

func TestProfilesIniPrefersDefaultProfile(t *testing.T) {
	home := t.TempDir()
	base := filepath.Join(home, ".mozilla", "firefox")
	mustWriteFile(t, filepath.Join(base, "profiles.ini"), `[Profile0]
Name=older
IsRelative=1
Path=older.profile

[Profile1]
Name=current
IsRelative=1
Path=current.profile
Default=1
`)
	mustWriteFile(t, filepath.Join(base, "older.profile", "prefs.js"), "ok")
	mustWriteFile(t, filepath.Join(base, "current.profile", "prefs.js"), "ok")

	loc, err := NewLocator(home, testLogger()).LocateMechanism("firefox", MechanismAPT)
	if err != nil {
		t.Fatalf("LocateMechanism failed: %v", err)
	}
	if loc.ProfileName != "current" {
		t.Fatalf("expected Default profile to win, got %q", loc.ProfileName)
	}
}

func TestScanFallbackWithoutProfilesIni(t *testing.T) {
	home := t.TempDir()
	base := filepath.Join(home, ".mozilla", "firefox")
	mustWriteFile(t, filepath.Join(base, "abcd.default-release", "prefs.js"), "ok")
	mustWriteFile(t, filepath.Join(base, "ignored.dir", "prefs.js"), "ok")

	loc, err := NewLocator(home, testLogger()).LocateMechanism("firefox", MechanismAPT)
	if err != nil {
		t.Fatalf("LocateMechanism failed: %v", err)
	}
	if filepath.Base(loc.Path) != "abcd.default-release" {
		t.Fatalf("fallback picked wrong directory: %s", loc.Path)
	}
}

func TestLocationSizeAccounting(t *testing.T) {
	home := t.TempDir()
	base := filepath.Join(home, ".mozilla", "firefox")
	writeMozillaProfile(t, base, "abcd.default")
	mustWriteFile(t, filepath.Join(base, "abcd.default", "places.sqlite"), "0123456789")

	loc, err := NewLocator(home, testLogger()).LocateMechanism("firefox", MechanismAPT)
	if err != nil {
		t.Fatalf("LocateMechanism failed: %v", err)
	}
	if loc.SizeBytes < 10 {
		t.Fatalf("expected size to include profile files, got %d", loc.SizeBytes)
	}
}
