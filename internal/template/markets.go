package template

import (
	"fmt"

	"dario.cat/mergo"
)

// Markets holds the variable sets of every configured market
type Markets map[string]Variables

// Resolve merges the named markets in order; later markets override earlier
// ones on the same variable.
func (m Markets) Resolve(names ...string) (Variables, error) {
	out := Variables{}
	for _, name := range names {
		vars, ok := m[name]
		if !ok {
			return nil, fmt.Errorf("market %q is not defined", name)
		}
		if err := mergo.Merge(&out, vars, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge market %q: %w", name, err)
		}
	}
	return out, nil
}
