// Package capability holds the allow-list of host functions widget scripts
// may reference. Anything not listed is rejected, and identifiers touching
// filesystem, process, reflection or network surfaces are rejected even
// when listed.
package capability

import (
	"sort"
	"strings"
)

// Version identifies the default allow-list. Bump it whenever an entry is
// added or removed.
const Version = "2026.10"

// Entry is one host function callable from scripts.
type Entry struct {
	Name  string `json:"name"`
	Doc   string `json:"doc"`
	Since string `json:"since"`
}

// deniedRoots are path segments that disqualify an identifier wherever they
// appear in it, so "json.os.getenv" is as dead as "os.getenv".
var deniedRoots = map[string]struct{}{
	"os": {}, "exec": {}, "syscall": {}, "process": {}, "subprocess": {}, "signal": {}, "env": {}, "getenv": {},
	"fs": {}, "io": {}, "ioutil": {}, "file": {}, "open": {}, "filepath": {}, "path": {}, "embed": {},
	"reflect": {}, "unsafe": {}, "plugin": {}, "runtime": {}, "debug": {}, "getattr": {}, "setattr": {}, "eval": {}, "compile": {}, "load": {}, "import": {}, "__import__": {},
	"net": {}, "http": {}, "url": {}, "socket": {}, "dial": {}, "rpc": {}, "smtp": {}, "dns": {},
}

// Filter is an immutable allow-list.
type Filter struct {
	version string
	allow   map[string]Entry
}

// NewFilter builds a filter from explicit entries. Entries whose names hit
// a denied root are silently unusable: IsExposed rejects them.
func NewFilter(version string, entries ...Entry) *Filter {
	f := &Filter{version: version, allow: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		name := normalize(e.Name)
		if name == "" {
			continue
		}
		e.Name = name
		f.allow[name] = e
	}
	return f
}

// Default returns the built-in allow-list.
func Default() *Filter { return NewFilter(Version, defaultEntries...) }

// IsExposed reports whether identifier may be referenced from a script.
func (f *Filter) IsExposed(identifier string) bool {
	if f == nil {
		return false
	}
	id := normalize(identifier)
	if id == "" || Denied(id) {
		return false
	}
	_, ok := f.allow[id]
	return ok
}

// Denied reports whether identifier touches a forbidden host surface,
// independent of any allow-list.
func Denied(identifier string) bool {
	id := normalize(identifier)
	for _, seg := range strings.FieldsFunc(id, func(r rune) bool { return r == '.' || r == '/' || r == ':' }) {
		if _, bad := deniedRoots[seg]; bad {
			return true
		}
	}
	return false
}

// Without returns a copy with the named entries removed. Config uses it to
// narrow the surface; there is no way to widen it at runtime.
func (f *Filter) Without(names ...string) *Filter {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[normalize(n)] = struct{}{}
	}
	out := &Filter{version: f.version, allow: make(map[string]Entry, len(f.allow))}
	for k, e := range f.allow {
		if _, ok := drop[k]; !ok {
			out.allow[k] = e
		}
	}
	return out
}

func (f *Filter) Version() string { return f.version }

// Entries lists exposed entries sorted by name.
func (f *Filter) Entries() []Entry {
	out := make([]Entry, 0, len(f.allow))
	for _, e := range f.allow {
		if !Denied(e.Name) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
