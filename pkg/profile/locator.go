package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
)

// Mechanism is the packaging system an application was installed
// through. It determines where the application keeps its profile.
type Mechanism string

const (
	MechanismAPT     Mechanism = "apt"
	MechanismSnap    Mechanism = "snap"
	MechanismFlatpak Mechanism = "flatpak"
)

// precedence resolves which mechanism is authoritative when several
// hold a valid profile for the same application. Lower is better.
var precedence = map[Mechanism]int{
	MechanismSnap:    0,
	MechanismFlatpak: 1,
	MechanismAPT:     2,
}

// Location is one discovered application profile.
type Location struct {
	App          string    `json:"app"`
	Mechanism    Mechanism `json:"mechanism"`
	Path         string    `json:"path"`
	ProfileName  string    `json:"profileName"`
	SizeBytes    int64     `json:"sizeBytes"`
	DiscoveredAt time.Time `json:"discoveredAt"`

	// Shadowed marks a valid profile that lost to a higher-precedence
	// mechanism. Reported for diagnostics, never backed up.
	Shadowed bool `json:"shadowed"`
}

type appSpec struct {
	// roots are candidate profile base directories relative to the
	// user home, one per mechanism.
	roots map[Mechanism]string
	// mozilla applications manage profiles through profiles.ini and
	// are validated by the presence of prefs.js.
	mozilla bool
}

// Supported applications and their candidate roots per install
// mechanism. Paths are relative to the user home.
var appSpecs = map[string]appSpec{
	"firefox": {
		roots: map[Mechanism]string{
			MechanismSnap:    "snap/firefox/common/.mozilla/firefox",
			MechanismFlatpak: ".var/app/org.mozilla.firefox/.mozilla/firefox",
			MechanismAPT:     ".mozilla/firefox",
		},
		mozilla: true,
	},
	"thunderbird": {
		roots: map[Mechanism]string{
			MechanismSnap:    "snap/thunderbird/common/.thunderbird",
			MechanismFlatpak: ".var/app/org.mozilla.Thunderbird/.thunderbird",
			MechanismAPT:     ".thunderbird",
		},
		mozilla: true,
	},
}

// SupportedApps lists the known application IDs in stable order.
func SupportedApps() []string {
	apps := make([]string, 0, len(appSpecs))
	for app := range appSpecs {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// Locator discovers on-disk application profiles across install
// mechanisms.
type Locator struct {
	home string
	log  logrus.FieldLogger
}

func NewLocator(home string, log logrus.FieldLogger) *Locator {
	return &Locator{home: home, log: log}
}

// Locate returns every valid profile location for an application. The
// highest-precedence mechanism wins; locations from other mechanisms
// are returned with Shadowed set. Fails with ErrProfileNotFound when
// no candidate validates.
func (t *Locator) Locate(app string) ([]Location, error) {
	spec, ok := appSpecs[app]
	if !ok {
		return nil, fmt.Errorf("%w: unknown application %q", lumisync.ErrProfileNotFound, app)
	}

	found := []Location{}
	for mech := range spec.roots {
		loc, err := t.probe(app, spec, mech)
		if err != nil {
			t.log.WithFields(logrus.Fields{"app": app, "mechanism": mech}).Debug(err.Error())
			continue
		}
		found = append(found, loc)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", lumisync.ErrProfileNotFound, app)
	}

	sort.Slice(found, func(i, j int) bool {
		return precedence[found[i].Mechanism] < precedence[found[j].Mechanism]
	})
	for i := range found[1:] {
		found[i+1].Shadowed = true
		t.log.WithFields(logrus.Fields{
			"app":       app,
			"mechanism": found[i+1].Mechanism,
		}).Info("profile shadowed by higher-precedence install")
	}
	return found, nil
}

// LocateMechanism returns the profile for one specific mechanism, or
// ErrProfileNotFound if that mechanism has no valid candidate.
func (t *Locator) LocateMechanism(app string, mech Mechanism) (Location, error) {
	spec, ok := appSpecs[app]
	if !ok {
		return Location{}, fmt.Errorf("%w: unknown application %q", lumisync.ErrProfileNotFound, app)
	}
	loc, err := t.probe(app, spec, mech)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s (%s)", lumisync.ErrProfileNotFound, app, mech)
	}
	return loc, nil
}

// LocateAll probes every supported application and returns the
// locations it could find, keyed by application ID. Applications with
// no valid profile are simply absent from the result.
func (t *Locator) LocateAll() map[string][]Location {
	all := map[string][]Location{}
	for _, app := range SupportedApps() {
		locs, err := t.Locate(app)
		if err != nil {
			continue
		}
		all[app] = locs
	}
	return all
}

func (t *Locator) probe(app string, spec appSpec, mech Mechanism) (Location, error) {
	root, ok := spec.roots[mech]
	if !ok {
		return Location{}, fmt.Errorf("no candidate root for %s", mech)
	}
	base := filepath.Join(t.home, filepath.FromSlash(root))
	info, err := os.Stat(base)
	if err != nil || !info.IsDir() {
		return Location{}, fmt.Errorf("candidate root missing: %s", base)
	}

	var profilePath, profileName string
	if spec.mozilla {
		profilePath, profileName, err = findMozillaProfile(base)
		if err != nil {
			return Location{}, err
		}
	} else {
		profilePath, profileName = base, "default"
	}

	return Location{
		App:          app,
		Mechanism:    mech,
		Path:         profilePath,
		ProfileName:  profileName,
		SizeBytes:    dirSize(profilePath),
		DiscoveredAt: time.Now().UTC(),
	}, nil
}

// findMozillaProfile resolves the active profile under a Mozilla base
// directory. profiles.ini is authoritative; when it is absent or
// unparseable we fall back to scanning for *.default* directories.
// A candidate is only valid if it carries a prefs.js marker.
func findMozillaProfile(base string) (string, string, error) {
	iniPath := filepath.Join(base, "profiles.ini")
	cfg, err := ini.Load(iniPath)
	if err != nil {
		return scanDefaultMozillaProfile(base)
	}

	type candidate struct {
		path      string
		name      string
		isDefault bool
	}
	candidates := []candidate{}
	for _, section := range cfg.Sections() {
		if !strings.HasPrefix(section.Name(), "Profile") {
			continue
		}
		rel := section.Key("Path").String()
		if rel == "" {
			continue
		}
		p := rel
		if section.Key("IsRelative").MustBool(true) {
			p = filepath.Join(base, rel)
		}
		candidates = append(candidates, candidate{
			path:      p,
			name:      section.Key("Name").MustString("default"),
			isDefault: section.Key("Default").MustBool(false),
		})
	}

	// prefer the profile marked Default, then the first valid one
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].isDefault && !candidates[j].isDefault
	})
	for _, c := range candidates {
		if validMozillaProfile(c.path) {
			return c.path, c.name, nil
		}
	}
	return scanDefaultMozillaProfile(base)
}

func scanDefaultMozillaProfile(base string) (string, string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", "", err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".default") ||
			strings.HasSuffix(n, ".default-release") ||
			strings.HasSuffix(n, ".default-esr") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		p := filepath.Join(base, n)
		if validMozillaProfile(p) {
			return p, "default", nil
		}
	}
	return "", "", fmt.Errorf("no valid profile under %s", base)
}

func validMozillaProfile(path string) bool {
	info, err := os.Stat(filepath.Join(path, "prefs.js"))
	return err == nil && info.Mode().IsRegular()
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
