// Package transform implements the TransformationEngine of spec.md §4.7:
// path-based parameter mappings with named pure transform functions,
// reverse-transform derivation, and go-playground/validator-backed
// validation rules.
package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TransformFunc is a pure named function registered by name, per spec.md
// §4.7 ("toUpperCase, parseJSON, arrayToString").
type TransformFunc func(any) (any, error)

// Validation describes a single typed validation rule for a mapping.
type Validation struct {
	Pattern  string  // string pattern (Go regexp syntax); a string value must be non-empty and match it
	Min, Max float64 // number bounds
	IsArray  bool
	Allowed  []string // enum allowed-values
}

// Mapping is one {sourcePath, targetPath, transform?, validation?,
// required?, default?} rule.
type Mapping struct {
	SourcePath string
	TargetPath string
	Transform  string
	Validation *Validation
	Required   bool
	Default    any
}

// Engine owns the registered named transforms and applies mapping sets.
type Engine struct {
	transforms map[string]TransformFunc
	validate   *validator.Validate
}

// New constructs an Engine pre-registered with the standard named
// transforms.
func New() *Engine {
	e := &Engine{
		transforms: make(map[string]TransformFunc),
		validate:   validator.New(),
	}
	e.Register("toUpperCase", func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("transform: toUpperCase expects a string")
		}
		return strings.ToUpper(s), nil
	})
	e.Register("toLowerCase", func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("transform: toLowerCase expects a string")
		}
		return strings.ToLower(s), nil
	})
	e.Register("parseJSON", func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("transform: parseJSON expects a string")
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("transform: parseJSON: %w", err)
		}
		return out, nil
	})
	e.Register("arrayToString", func(v any) (any, error) {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("transform: arrayToString expects an array")
		}
		parts := make([]string, 0, len(arr))
		for _, item := range arr {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, ","), nil
	})
	return e
}

// Register adds or replaces a named transform.
func (e *Engine) Register(name string, fn TransformFunc) {
	e.transforms[name] = fn
}

// Apply runs every mapping against source, producing target. Missing
// required fields are an error; typed validations run after any transform.
func (e *Engine) Apply(mappings []Mapping, source map[string]any) (map[string]any, error) {
	target := make(map[string]any)
	for _, m := range mappings {
		val, found := getPath(source, m.SourcePath)
		if !found {
			if m.Required {
				return nil, fmt.Errorf("transform: required mapping %s -> %s not resolved", m.SourcePath, m.TargetPath)
			}
			if m.Default == nil {
				continue
			}
			val = m.Default
		}

		if m.Transform != "" {
			fn, ok := e.transforms[m.Transform]
			if !ok {
				return nil, fmt.Errorf("transform: unknown named transform %q", m.Transform)
			}
			transformed, err := fn(val)
			if err != nil {
				return nil, err
			}
			val = transformed
		}

		if m.Validation != nil {
			if err := e.validateValue(val, m.Validation); err != nil {
				return nil, fmt.Errorf("transform: %s: %w", m.TargetPath, err)
			}
		}

		setPath(target, m.TargetPath, val)
	}
	return target, nil
}

// Reverse derives the inverse mapping set by swapping source and target
// paths, per spec.md §4.7.
func Reverse(mappings []Mapping) []Mapping {
	out := make([]Mapping, len(mappings))
	for i, m := range mappings {
		out[i] = Mapping{
			SourcePath: m.TargetPath,
			TargetPath: m.SourcePath,
			Validation: m.Validation,
			Required:   m.Required,
			Default:    m.Default,
		}
	}
	return out
}

func (e *Engine) validateValue(val any, v *Validation) error {
	if s, ok := val.(string); ok {
		if v.Pattern != "" {
			if err := e.validate.Var(s, "required"); err != nil {
				return err
			}
			matched, err := regexp.MatchString(v.Pattern, s)
			if err != nil {
				return fmt.Errorf("invalid pattern %q: %w", v.Pattern, err)
			}
			if !matched {
				return fmt.Errorf("value %q does not match pattern %q", s, v.Pattern)
			}
		}
		if len(v.Allowed) > 0 {
			allowed := false
			for _, a := range v.Allowed {
				if a == s {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Errorf("value %q not in allowed set %v", s, v.Allowed)
			}
		}
	}
	if n, ok := numberOf(val); ok {
		if v.Min != 0 && n < v.Min {
			return fmt.Errorf("value %v below minimum %v", n, v.Min)
		}
		if v.Max != 0 && n > v.Max {
			return fmt.Errorf("value %v above maximum %v", n, v.Max)
		}
	}
	if v.IsArray {
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("expected array, got %T", val)
		}
	}
	return nil
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// getPath resolves a dotted path from a nested map.
func getPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes val into a nested map at a dotted path, creating
// intermediate maps as needed.
func setPath(m map[string]any, path string, val any) {
	parts := strings.Split(path, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = val
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}
