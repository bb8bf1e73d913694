package settings

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValueKind tags the native type of one settings value so restoration
// is exact, not stringified.
type ValueKind string

const (
	KindString     ValueKind = "string"
	KindInt        ValueKind = "int"
	KindDouble     ValueKind = "double"
	KindBool       ValueKind = "bool"
	KindStringList ValueKind = "list"
	// KindRaw carries a GVariant literal we do not model (tuples,
	// typed arrays). The literal round-trips untouched.
	KindRaw ValueKind = "raw"
)

// Value is a tagged union over the serialized value types gsettings
// produces.
type Value struct {
	Kind ValueKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Int  int64     `json:"int,omitempty"`
	Real float64   `json:"real,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	List []string  `json:"list,omitempty"`
	Raw  string    `json:"raw,omitempty"`
}

// Keybinding is one custom media-keys shortcut.
type Keybinding struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Binding string `json:"binding"`
}

// Tree is the captured state of one settings domain: a mapping from
// dotted schema path to typed value, plus the keybinding and extension
// extras the desktop keeps outside plain keys.
type Tree struct {
	Domain      string           `json:"domain"`
	Keys        map[string]Value `json:"keys"`
	Keybindings []Keybinding     `json:"keybindings,omitempty"`
	Extensions  []string         `json:"extensions,omitempty"`
}

// KeyResult is the per-key outcome of an Apply. Apply never aborts on
// the first failure; callers get one result per attempted key.
type KeyResult struct {
	Key     string `json:"key"`
	Applied bool   `json:"applied"`
	Err     string `json:"err,omitempty"`
}

// Runner executes a settings tool and returns its stdout. Injected so
// tests never touch the host desktop.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("%s: %s", name, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

const (
	gnomeDomain       = "gnome"
	keybindingsSchema = "org.gnome.settings-daemon.plugins.media-keys"
	keybindingSchema  = "org.gnome.settings-daemon.plugins.media-keys.custom-keybinding"
	extensionsKey     = "org.gnome.shell.enabled-extensions"
)

// The desktop keys worth carrying between machines: appearance,
// wallpaper, dock, favourites, window management and input sources.
var gnomeKeys = []string{
	"org.gnome.desktop.interface.gtk-theme",
	"org.gnome.desktop.interface.icon-theme",
	"org.gnome.desktop.interface.cursor-theme",
	"org.gnome.desktop.interface.font-name",
	"org.gnome.desktop.interface.document-font-name",
	"org.gnome.desktop.interface.monospace-font-name",
	"org.gnome.desktop.interface.color-scheme",
	"org.gnome.desktop.background.picture-uri",
	"org.gnome.desktop.background.picture-uri-dark",
	"org.gnome.desktop.background.primary-color",
	"org.gnome.desktop.background.secondary-color",
	"org.gnome.shell.extensions.dash-to-dock.dock-position",
	"org.gnome.shell.extensions.dash-to-dock.dock-fixed",
	"org.gnome.shell.extensions.dash-to-dock.dash-max-icon-size",
	"org.gnome.shell.extensions.dash-to-dock.show-apps-at-top",
	"org.gnome.shell.favorite-apps",
	"org.gnome.desktop.wm.preferences.button-layout",
	"org.gnome.desktop.wm.preferences.focus-mode",
	"org.gnome.desktop.wm.preferences.theme",
	"org.gnome.desktop.input-sources.sources",
	"org.gnome.desktop.input-sources.xkb-options",
}

// Snapshotter captures and restores the GNOME settings tree through
// gsettings.
type Snapshotter struct {
	run  Runner
	keys []string
	log  logrus.FieldLogger
}

func NewSnapshotter(log logrus.FieldLogger) *Snapshotter {
	return &Snapshotter{run: execRunner, keys: gnomeKeys, log: log}
}

// NewSnapshotterWithRunner is used by tests to substitute the command
// runner and the key list.
func NewSnapshotterWithRunner(run Runner, keys []string, log logrus.FieldLogger) *Snapshotter {
	return &Snapshotter{run: run, keys: keys, log: log}
}

// Available reports whether the settings tool exists on this system.
func (t *Snapshotter) Available(ctx context.Context) bool {
	_, err := t.run(ctx, "gsettings", "list-schemas")
	return err == nil
}

// Capture reads the full key set and serializes every leaf value with
// its native type tag preserved. Unreadable keys (schema not present
// on this system) are skipped, not fatal.
func (t *Snapshotter) Capture(ctx context.Context) (Tree, error) {
	tree := Tree{Domain: gnomeDomain, Keys: map[string]Value{}}

	if !t.Available(ctx) {
		return tree, fmt.Errorf("gsettings unavailable, cannot capture desktop settings")
	}

	for _, key := range t.keys {
		if err := ctx.Err(); err != nil {
			return tree, err
		}
		raw, err := t.getKey(ctx, key)
		if err != nil {
			t.log.WithField("key", key).Debugf("skipping unreadable key: %v", err)
			continue
		}
		tree.Keys[key] = ParseValue(raw)
	}

	tree.Keybindings = t.captureKeybindings(ctx)
	tree.Extensions = t.captureExtensions(ctx)

	return tree, nil
}

// Apply writes every key of the tree back, one at a time. A single key
// failure is recorded and skipped; the returned list holds one outcome
// per key. The cancel signal is polled between keys.
func (t *Snapshotter) Apply(ctx context.Context, tree Tree) ([]KeyResult, error) {
	keys := make([]string, 0, len(tree.Keys))
	for key := range tree.Keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make([]KeyResult, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := KeyResult{Key: key}
		if err := t.setKey(ctx, key, tree.Keys[key].Format()); err != nil {
			res.Err = err.Error()
			t.log.WithField("key", key).Warnf("failed to apply setting: %v", err)
		} else {
			res.Applied = true
		}
		results = append(results, res)
	}

	if len(tree.Keybindings) > 0 {
		results = append(results, t.applyKeybindings(ctx, tree.Keybindings)...)
	}
	if len(tree.Extensions) > 0 {
		// extension installation is out of scope; record them so the
		// user knows what the source system had enabled
		t.log.Infof("backup lists %d enabled shell extensions, install them manually", len(tree.Extensions))
	}

	return results, nil
}

func (t *Snapshotter) getKey(ctx context.Context, dotted string) (string, error) {
	schema, key, err := splitKey(dotted)
	if err != nil {
		return "", err
	}
	return t.run(ctx, "gsettings", "get", schema, key)
}

func (t *Snapshotter) setKey(ctx context.Context, dotted string, value string) error {
	schema, key, err := splitKey(dotted)
	if err != nil {
		return err
	}
	_, err = t.run(ctx, "gsettings", "set", schema, key, value)
	return err
}

func (t *Snapshotter) captureKeybindings(ctx context.Context) []Keybinding {
	raw, err := t.run(ctx, "gsettings", "get", keybindingsSchema, "custom-keybindings")
	if err != nil {
		return nil
	}
	paths := ParseValue(raw)
	if paths.Kind != KindStringList {
		return nil
	}

	bindings := []Keybinding{}
	for _, p := range paths.List {
		get := func(field string) string {
			out, err := t.run(ctx, "gsettings", "get", keybindingSchema+":"+p, field)
			if err != nil {
				return ""
			}
			v := ParseValue(out)
			if v.Kind == KindString {
				return v.Str
			}
			return ""
		}
		kb := Keybinding{Name: get("name"), Command: get("command"), Binding: get("binding")}
		if kb.Name != "" && kb.Command != "" && kb.Binding != "" {
			bindings = append(bindings, kb)
		}
	}
	return bindings
}

func (t *Snapshotter) captureExtensions(ctx context.Context) []string {
	raw, err := t.getKey(ctx, extensionsKey)
	if err != nil {
		return nil
	}
	v := ParseValue(raw)
	if v.Kind != KindStringList {
		return nil
	}
	return v.List
}

func (t *Snapshotter) applyKeybindings(ctx context.Context, bindings []Keybinding) []KeyResult {
	results := []KeyResult{}
	paths := make([]string, 0, len(bindings))
	for i, kb := range bindings {
		if err := ctx.Err(); err != nil {
			return results
		}
		p := fmt.Sprintf("/org/gnome/settings-daemon/plugins/media-keys/custom-keybindings/custom%d/", i)
		paths = append(paths, p)

		res := KeyResult{Key: keybindingSchema + ":" + p}
		schema := keybindingSchema + ":" + p
		errs := []string{}
		for field, value := range map[string]string{
			"name":    kb.Name,
			"command": kb.Command,
			"binding": kb.Binding,
		} {
			if _, err := t.run(ctx, "gsettings", "set", schema, field, Value{Kind: KindString, Str: value}.Format()); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", field, err))
			}
		}
		if len(errs) > 0 {
			res.Err = strings.Join(errs, "; ")
		} else {
			res.Applied = true
		}
		results = append(results, res)
	}

	listValue := Value{Kind: KindStringList, List: paths}
	res := KeyResult{Key: keybindingsSchema + ".custom-keybindings"}
	if _, err := t.run(ctx, "gsettings", "set", keybindingsSchema, "custom-keybindings", listValue.Format()); err != nil {
		res.Err = err.Error()
	} else {
		res.Applied = true
	}
	return append(results, res)
}

func splitKey(dotted string) (string, string, error) {
	i := strings.LastIndex(dotted, ".")
	if i <= 0 || i == len(dotted)-1 {
		return "", "", fmt.Errorf("invalid settings key %q", dotted)
	}
	return dotted[:i], dotted[i+1:], nil
}

// ParseValue converts a GVariant text literal as printed by
// `gsettings get` into a tagged Value. Literals that do not match a
// modeled kind are carried through as raw text.
func ParseValue(raw string) Value {
	s := strings.TrimSpace(raw)
	switch {
	case s == "true":
		return Value{Kind: KindBool, Bool: true}
	case s == "false":
		return Value{Kind: KindBool, Bool: false}
	case strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2:
		return Value{Kind: KindString, Str: s[1 : len(s)-1]}
	case s == "@as []":
		return Value{Kind: KindStringList, List: []string{}}
	case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
		if list, ok := parseStringList(s[1 : len(s)-1]); ok {
			return Value{Kind: KindStringList, List: list}
		}
		return Value{Kind: KindRaw, Raw: s}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Value{Kind: KindInt, Int: i}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Value{Kind: KindDouble, Real: f}
	}
	return Value{Kind: KindRaw, Raw: s}
}

// Format renders a Value back into the GVariant text form `gsettings
// set` expects. Parse and Format round-trip for every modeled kind.
func (v Value) Format() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return "'" + v.Str + "'"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindDouble:
		return strconv.FormatFloat(v.Real, 'f', -1, 64)
	case KindStringList:
		if len(v.List) == 0 {
			return "@as []"
		}
		quoted := make([]string, len(v.List))
		for i, item := range v.List {
			quoted[i] = "'" + item + "'"
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	default:
		return v.Raw
	}
}

func parseStringList(inner string) ([]string, bool) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return []string{}, true
	}
	items := []string{}
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "'") || !strings.HasSuffix(part, "'") || len(part) < 2 {
			return nil, false
		}
		items = append(items, part[1:len(part)-1])
	}
	return items, true
}
