// Package owconfig loads the supervisor's YAML configuration document and
// implements the key-path-with-alternatives lookup operator: each path
// segment is either a literal or a list of alternatives, expanded to the
// cartesian product of candidate colon-delimited paths and tried in
// declared order, first hit wins. Grounded in the source's
// ecollections.py (resolve_keys / traverse_dict_and_list), generalized
// per spec §9 into an explicit Go operator instead of implicit tuple
// unpacking.
package owconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Segment is one element of a key path passed to Get. A plain string is a
// literal segment; a []string is a list of alternatives tried in order.
type Segment any

// Config holds the parsed document as a nested map/slice tree, the same
// shape goccy/go-yaml produces for `map[string]any` decoding.
type Config struct {
	root map[string]any
}

// Load reads and parses a YAML document from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a YAML document already read into memory.
func Parse(raw []byte) (*Config, error) {
	var root map[string]any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	if root == nil {
		root = map[string]any{}
	}
	return &Config{root: root}, nil
}

// resolveKeys expands a segment list into every candidate colon-delimited
// path string, in declared order — the cartesian product over any
// alternative segments, mirroring ecollections.resolve_keys.
func resolveKeys(segs []Segment) []string {
	paths := []string{""}
	for i, seg := range segs {
		var alts []string
		switch v := seg.(type) {
		case string:
			alts = []string{v}
		case []string:
			alts = v
		default:
			alts = []string{}
		}
		if len(alts) == 0 {
			continue
		}
		next := make([]string, 0, len(paths)*len(alts))
		for _, p := range paths {
			for _, a := range alts {
				if i == 0 || p == "" {
					next = append(next, p+a)
				} else {
					next = append(next, p+":"+a)
				}
			}
		}
		paths = next
	}
	return paths
}

// traverse walks a colon-delimited path through nested maps and slices.
// List segments are matched either by integer index or, when the segment
// names a string and the current node is a slice of maps, by scanning for
// a map entry with key "name" (or "id") equal to the segment — mirroring
// the SaltStack-derived traverse_dict_and_list dual lookup.
func traverse(data any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	parts := strings.Split(path, ":")
	cur := data
	for _, part := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if idx, err := strconv.Atoi(part); err == nil {
				if idx < 0 || idx >= len(node) {
					return nil, false
				}
				cur = node[idx]
				continue
			}
			found := false
			for _, item := range node {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if name, ok := m["name"].(string); ok && name == part {
					cur = item
					found = true
					break
				}
				if id, ok := m["id"].(string); ok && id == part {
					cur = item
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

// Get tries every path candidate from segs in order, returning the first
// hit, or def if none matched.
func (c *Config) Get(def any, segs ...Segment) any {
	for _, p := range resolveKeys(segs) {
		if v, ok := traverse(c.root, p); ok {
			return v
		}
	}
	return def
}

// GetString is Get with a string default; a missing or non-string value
// yields def (no conversion from numbers or booleans).
func (c *Config) GetString(def string, segs ...Segment) string {
	v := c.Get(def, segs...)
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return def
	default:
		return def
	}
}

// GetDuration reads a float/int value interpreted as seconds.
func (c *Config) GetDuration(def time.Duration, segs ...Segment) time.Duration {
	v := c.Get(nil, segs...)
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	case uint64:
		return time.Duration(n) * time.Second
	default:
		return def
	}
}

// GetInt reads an integer-like value.
func (c *Config) GetInt(def int, segs ...Segment) int {
	v := c.Get(nil, segs...)
	switch n := v.(type) {
	case int:
		return n
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// GetBool reads a boolean-like value, also accepting the "on"/"off"
// strings a YAML loader without bool-coercion would leave untouched.
func (c *Config) GetBool(def bool, segs ...Segment) bool {
	v := c.Get(nil, segs...)
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(b) {
		case "on", "true", "yes":
			return true
		case "off", "false", "no":
			return false
		}
	}
	return def
}

// Map returns the raw map found at the resolved path, or nil.
func (c *Config) Map(segs ...Segment) map[string]any {
	v := c.Get(nil, segs...)
	m, _ := v.(map[string]any)
	return m
}

// Keys returns the keys of the map found at the resolved path, in Go's
// unspecified map iteration order (neither sorted nor in document order).
func (c *Config) Keys(segs ...Segment) []string {
	m := c.Map(segs...)
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Root exposes the raw parsed document, for callers (e.g. device.Config)
// that need to hand the whole tree to Get with their own prefix.
func (c *Config) Root() map[string]any { return c.root }
