package nexus

import (
	"encoding/json"
	"time"
)

// Resource is a graph resource as returned by the API: the JSON-LD payload
// plus the underscore-prefixed metadata fields.
type Resource map[string]any

// ID returns the resource @id.
func (r Resource) ID() string {
	s, _ := r["@id"].(string)
	return s
}

// Self returns the resource's API address.
func (r Resource) Self() string {
	s, _ := r["_self"].(string)
	return s
}

// Rev returns the resource revision, 0 when absent.
func (r Resource) Rev() int {
	switch v := r["_rev"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Deprecated reports whether the resource is deprecated.
func (r Resource) Deprecated() bool {
	b, _ := r["_deprecated"].(bool)
	return b
}

// CreatedAt returns the creation time, zero when absent.
func (r Resource) CreatedAt() time.Time {
	s, _ := r["_createdAt"].(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Types returns the @type values whether encoded as a string or a list.
func (r Resource) Types() []string {
	return Strings(r["@type"])
}

// HasType reports whether the resource carries type t.
func (r Resource) HasType(t string) bool {
	for _, x := range r.Types() {
		if x == t {
			return true
		}
	}
	return false
}

// Text returns a string field.
func (r Resource) Text(key string) string {
	s, _ := r[key].(string)
	return s
}

// Payload returns a copy without the underscore metadata fields, suitable
// for an update body.
func (r Resource) Payload() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

// Strings normalises a JSON-LD value that may be a string or a list.
func Strings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Objects normalises a JSON-LD value that may be an object or a list.
func Objects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, x := range t {
			if m, ok := x.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case []map[string]any:
		return t
	}
	return nil
}
