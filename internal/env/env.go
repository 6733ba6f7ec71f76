package env

import (
	"os"
	"path/filepath"
	"strings"
)

// Env composes the extra environment handed to the kernel. Later entries
// override earlier ones but keep their first position.
type Env struct {
	keys []string
	vars map[string]string
}

func New() *Env {
	return &Env{vars: make(map[string]string)}
}

// Set sets K=V. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if _, ok := e.vars[k]; !ok {
		e.keys = append(e.keys, k)
	}
	e.vars[k] = v
}

// Unset removes a variable.
func (e *Env) Unset(k string) {
	if _, ok := e.vars[k]; !ok {
		return
	}
	delete(e.vars, k)
	for i, key := range e.keys {
		if key == k {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			break
		}
	}
}

// Add applies "K=V" pairs; malformed entries are skipped.
func (e *Env) Add(pairs ...string) {
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
}

// LoadFile applies a .env file.
func (e *Env) LoadFile(path string) error {
	pairs, err := ParseFile(path)
	if err != nil {
		return err
	}
	e.Add(pairs...)
	return nil
}

// List returns the variables as "K=V" in insertion order with ${VAR}
// references expanded from the composed set, then the OS environment.
// Unknown references are left as written.
func (e *Env) List() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.expand(e.vars[k]))
	}
	return out
}

func (e *Env) lookup(name string) (string, bool) {
	if v, ok := e.vars[name]; ok {
		return v, true
	}
	return os.LookupEnv(name)
}

// expand replaces ${VAR} once; values substituted in are not expanded again.
func (e *Env) expand(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := e.lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// ParseFile parses a simple .env file into "KEY=VALUE" entries in file order.
// Blank lines, comments and lines without '=' are skipped.
func ParseFile(path string) ([]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		out = append(out, k+"="+strings.TrimSpace(v))
	}
	return out, nil
}
