package planner

import "strings"

// Category is a named group of expert ids from the runtime configuration.
type Category struct {
	Name    string   `json:"name" yaml:"name"`
	Experts []string `json:"experts" yaml:"experts"`
}

// Registry is the ordered list of every known expert id. It is assembled
// once per planning pass and passed to Allocate explicitly.
type Registry struct {
	ids []string
}

// NewRegistry concatenates the expert ids of each category in declaration
// order. Ids repeated across categories are kept.
func NewRegistry(categories []Category) *Registry {
	var n int
	for _, c := range categories {
		n += len(c.Experts)
	}
	ids := make([]string, 0, n)
	for _, c := range categories {
		ids = append(ids, c.Experts...)
	}
	return &Registry{ids: ids}
}

// IDs returns a copy of the registry contents.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Len reports the number of entries, duplicates included.
func (r *Registry) Len() int { return len(r.ids) }

// Expand resolves pattern against the registry.
func (r *Registry) Expand(pattern string) []string {
	return ExpandPattern(pattern, r.ids)
}

// ExpandPattern returns the ids selected by pattern, in registry order. A
// trailing '*' selects every id that starts with the text before it; any
// other pattern selects only an identical id. The result is never nil.
func ExpandPattern(pattern string, ids []string) []string {
	out := []string{}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		for _, id := range ids {
			if strings.HasPrefix(id, prefix) {
				out = append(out, id)
			}
		}
		return out
	}
	for _, id := range ids {
		if id == pattern {
			return append(out, id)
		}
	}
	return out
}
