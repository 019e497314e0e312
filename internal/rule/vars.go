package rule

import (
	"fmt"
	"sort"
)

// Binding maps variable names to one concrete value each. A rule is
// instantiated once per binding.
type Binding map[string]string

// Combinations expands the values of the named variables into the
// full cross product of bindings, one per instantiation. Names are
// processed in sorted order so the result is deterministic. A name
// with no values is an error.
func Combinations(vars map[string][]string, names []string) ([]Binding, error) {
	if len(names) == 0 {
		return []Binding{{}}, nil
	}

	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	for _, name := range sorted {
		if len(vars[name]) == 0 {
			return nil, fmt.Errorf("variable %q has no values", name)
		}
	}

	out := []Binding{{}}
	for _, name := range sorted {
		next := make([]Binding, 0, len(out)*len(vars[name]))
		for _, b := range out {
			for _, val := range vars[name] {
				nb := make(Binding, len(b)+1)
				for k, v := range b {
					nb[k] = v
				}
				nb[name] = val
				next = append(next, nb)
			}
		}
		out = next
	}
	return out, nil
}
