package template

import (
	"regexp"
	"sort"
	"strings"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// placeholderPattern matches {{name}} with optional inner spaces
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Placeholder formats a variable reference
func Placeholder(name string) string {
	return "{{" + name + "}}"
}

// Variables maps a variable name to its concrete value for one market
type Variables map[string]string

// reverse builds a replacer from concrete values to placeholders. Longer
// values win over their substrings; equal values map to the smallest name.
func (v Variables) reverse() *strings.Replacer {
	byValue := make(map[string]string, len(v))
	for name, value := range v {
		if value == "" {
			continue
		}
		if prev, ok := byValue[value]; !ok || name < prev {
			byValue[value] = name
		}
	}

	values := make([]string, 0, len(byValue))
	for value := range byValue {
		values = append(values, value)
	}
	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})

	pairs := make([]string, 0, 2*len(values))
	for _, value := range values {
		pairs = append(pairs, value, Placeholder(byValue[value]))
	}
	return strings.NewReplacer(pairs...)
}

// templatizeValue replaces concrete values inside strings, recursing into
// nested objects and lists. Other scalars are returned unchanged.
func templatizeValue(r *strings.Replacer, v any) any {
	switch t := v.(type) {
	case string:
		return r.Replace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = templatizeValue(r, vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = templatizeValue(r, vv)
		}
		return out
	default:
		return v
	}
}

// concretizeValue replaces placeholders with values. The first missing
// variable is reported through missing.
func concretizeValue(vars Variables, v any, missing *string) any {
	switch t := v.(type) {
	case string:
		return placeholderPattern.ReplaceAllStringFunc(t, func(m string) string {
			name := placeholderPattern.FindStringSubmatch(m)[1]
			value, ok := vars[name]
			if !ok {
				if *missing == "" {
					*missing = name
				}
				return m
			}
			return value
		})
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = concretizeValue(vars, vv, missing)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = concretizeValue(vars, vv, missing)
		}
		return out
	default:
		return v
	}
}

// substitutedFields are the templateable fields plus portable references
func substitutedFields(def *metadata.TypeDefinition) []string {
	fields := def.TemplateableFields()
	for _, ref := range def.References {
		fields = append(fields, ref.PortableField())
	}
	return fields
}

// Templatize replaces concrete values with placeholders in the templateable
// fields of item. Fields not flagged templateable pass through unchanged.
func Templatize(def *metadata.TypeDefinition, item metadata.Item, vars Variables) metadata.Item {
	out := item.Clone()
	r := vars.reverse()
	for _, field := range substitutedFields(def) {
		if v, ok := out[field]; ok {
			out[field] = templatizeValue(r, v)
		}
	}
	return out
}

// Concretize replaces placeholders with values in the templateable fields of
// item. A placeholder without a value fails the item.
func Concretize(def *metadata.TypeDefinition, item metadata.Item, vars Variables) (metadata.Item, error) {
	out := item.Clone()
	var missing string
	for _, field := range substitutedFields(def) {
		if v, ok := out[field]; ok {
			out[field] = concretizeValue(vars, v, &missing)
		}
	}
	if missing != "" {
		return nil, &metadata.MissingTemplateVariableError{
			TypeName:    def.TypeName,
			Key:         item.String(def.KeyField),
			Placeholder: missing,
		}
	}
	return out, nil
}
