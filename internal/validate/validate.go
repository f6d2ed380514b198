// Package validate runs per-item rules on the build path before a deployable
// package is written.
package validate

import (
	"fmt"
	"sort"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// Result is the outcome of one rule on one item. Fix, when set, returns the
// repaired copy of the item it is given, or nil to drop the item.
type Result struct {
	Passed    bool
	FailedMsg string
	Fix       func(item metadata.Item) metadata.Item
}

// Validator checks an item bound for target
type Validator interface {
	Validate(def *metadata.TypeDefinition, item metadata.Item, target metadata.TenantContext) (map[string]Result, error)
}

// Fix actions understood by rules
const (
	FixNone   = ""
	FixRemove = "remove"
	// FixUnset is used as "unset:<field>"
	FixUnset = "unset:"
)

// Rule is an expression evaluated against an item. The expression must
// return true when the item is acceptable.
type Rule struct {
	Name       string   `mapstructure:"name"`
	Types      []string `mapstructure:"types"`
	Expression string   `mapstructure:"expression"`
	Message    string   `mapstructure:"message"`
	Fix        string   `mapstructure:"fix"`
}

type compiledRule struct {
	Rule
	program *exprvm.Program
	types   map[string]bool
}

// ExprValidator evaluates rules with github.com/expr-lang/expr
type ExprValidator struct {
	rules []compiledRule
}

// NewExprValidator compiles rules
func NewExprValidator(rules []Rule) (*ExprValidator, error) {
	v := &ExprValidator{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))

	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("validation rule has no name")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("validation rule %q is declared twice", r.Name)
		}
		seen[r.Name] = true

		if r.Fix != FixNone && r.Fix != FixRemove && !strings.HasPrefix(r.Fix, FixUnset) {
			return nil, fmt.Errorf("validation rule %q has unknown fix %q", r.Name, r.Fix)
		}

		program, err := exprlang.Compile(r.Expression,
			exprlang.Env(map[string]any{}),
			exprlang.AllowUndefinedVariables(),
			exprlang.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("validation rule %q: %w", r.Name, err)
		}

		types := make(map[string]bool, len(r.Types))
		for _, t := range r.Types {
			types[t] = true
		}
		v.rules = append(v.rules, compiledRule{Rule: r, program: program, types: types})
	}
	return v, nil
}

// Rules returns the names of the configured rules, sorted
func (v *ExprValidator) Rules() []string {
	names := make([]string, 0, len(v.rules))
	for _, r := range v.rules {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

// Validate implements Validator. Rules scoped to other types are skipped.
func (v *ExprValidator) Validate(def *metadata.TypeDefinition, item metadata.Item, target metadata.TenantContext) (map[string]Result, error) {
	env := map[string]any{
		"item":   map[string]any(item),
		"type":   def.TypeName,
		"key":    item.String(def.KeyField),
		"name":   item.String(def.NameField),
		"tenant": map[string]any{"name": target.Name, "id": target.ID, "parent": target.Parent},
	}

	results := make(map[string]Result)
	for _, r := range v.rules {
		if len(r.types) > 0 && !r.types[def.TypeName] {
			continue
		}
		out, err := exprlang.Run(r.program, env)
		if err != nil {
			return nil, fmt.Errorf("validation rule %q on %s %q: %w", r.Name, def.TypeName, item.String(def.KeyField), err)
		}
		passed, _ := out.(bool)
		res := Result{Passed: passed}
		if !passed {
			res.FailedMsg = r.Message
			if res.FailedMsg == "" {
				res.FailedMsg = "expression " + r.Expression + " is false"
			}
			res.Fix = fixFor(r.Fix)
		}
		results[r.Name] = res
	}
	return results, nil
}

func fixFor(fix string) func(metadata.Item) metadata.Item {
	switch {
	case fix == FixRemove:
		return func(metadata.Item) metadata.Item { return nil }
	case strings.HasPrefix(fix, FixUnset):
		field := strings.TrimPrefix(fix, FixUnset)
		return func(item metadata.Item) metadata.Item {
			fixed := item.Clone()
			delete(fixed, field)
			return fixed
		}
	default:
		return nil
	}
}

// Verdict is the combined decision for one item
type Verdict int

const (
	// Keep deploys the (possibly fixed) item
	Keep Verdict = iota
	// Drop removes the item because a fix returned nil
	Drop
	// Reject skips the item because a rule failed without a fix
	Reject
)

// Apply runs v on item and folds the results into a verdict. Failed rules
// with a fix are applied in rule-name order; the returned item is the
// fixed item for Keep, and the error names the failing rule for Reject.
func Apply(v Validator, def *metadata.TypeDefinition, item metadata.Item, target metadata.TenantContext) (metadata.Item, Verdict, string, error) {
	if v == nil {
		return item, Keep, "", nil
	}
	results, err := v.Validate(def, item, target)
	if err != nil {
		return nil, Reject, "", err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res := results[name]
		if res.Passed {
			continue
		}
		if res.Fix == nil {
			return nil, Reject, name, &metadata.ValidationError{
				TypeName: def.TypeName,
				Key:      item.String(def.KeyField),
				Rule:     name,
				Message:  res.FailedMsg,
			}
		}
	}

	current := item
	for _, name := range names {
		res := results[name]
		if res.Passed {
			continue
		}
		fixed := res.Fix(current)
		if fixed == nil {
			return nil, Drop, name, nil
		}
		current = fixed
	}
	return current, Keep, "", nil
}
