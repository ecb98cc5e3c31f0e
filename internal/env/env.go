package env

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Overlay is a set of variables layered on top of a base environment.
// A variable is set to a value or explicitly unset (nil). Unset variables
// are removed from the base too; they are never written as empty strings.
type Overlay map[string]*string

// From builds an overlay that sets every entry of m.
func From(m map[string]string) Overlay {
	o := make(Overlay, len(m))
	for k, v := range m {
		o.Set(k, v)
	}
	return o
}

// Set stores k=v. Empty keys are ignored.
func (o Overlay) Set(k, v string) {
	if k == "" {
		return
	}
	o[k] = &v
}

// Unset marks k for removal from the merged environment.
func (o Overlay) Unset(k string) {
	if k == "" {
		return
	}
	o[k] = nil
}

// SetPtr stores k=*v, or unsets k when v is nil, so decoded JSON nulls
// remove the variable.
func (o Overlay) SetPtr(k string, v *string) {
	if v == nil {
		o.Unset(k)
		return
	}
	o.Set(k, *v)
}

// Forward copies the named variables from the process environment when present.
func (o Overlay) Forward(keys ...string) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			o.Set(k, v)
		}
	}
}

// Names returns the names of the variables that carry a value, sorted.
func (o Overlay) Names() []string {
	names := make([]string, 0, len(o))
	for k, v := range o {
		if v != nil {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Unsets returns the explicitly unset names, sorted.
func (o Overlay) Unsets() []string {
	var names []string
	for k, v := range o {
		if v == nil {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Pairs returns "K=V" entries for the set variables, sorted by key.
func (o Overlay) Pairs() []string {
	out := make([]string, 0, len(o))
	for _, k := range o.Names() {
		out = append(out, k+"="+*o[k])
	}
	return out
}

// Env is the base environment overlays are merged onto. It is safe for
// concurrent use.
type Env struct {
	mu   sync.RWMutex
	base map[string]string
}

// New returns an Env based on the current process environment.
func New() *Env {
	e := &Env{}
	e.FromOS()
	return e
}

// FromOS replaces the base with the current process environment.
func (e *Env) FromOS() {
	e.replace(parse(os.Environ()))
}

// FromPairs replaces the base with the given "K=V" entries.
func (e *Env) FromPairs(kvs []string) {
	e.replace(parse(kvs))
}

func (e *Env) replace(m map[string]string) {
	e.mu.Lock()
	e.base = m
	e.mu.Unlock()
}

// Merge composes the final environment: the base with the overlay applied
// last. Unset variables are dropped. Output is sorted by key.
func (e *Env) Merge(o Overlay) []string {
	e.mu.RLock()
	m := make(map[string]string, len(e.base)+len(o))
	for k, v := range e.base {
		m[k] = v
	}
	e.mu.RUnlock()

	for k, v := range o {
		switch {
		case k == "":
		case v == nil:
			delete(m, k)
		default:
			m[k] = *v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
