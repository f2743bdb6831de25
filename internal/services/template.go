package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Interpolate replaces {{name}} placeholders in s with values from vars.
// Dotted names walk nested maps ({{customer.email}}). Unknown names render
// as the empty string.
func Interpolate(s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(vars, name)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// InterpolateValue interpolates every string inside v, descending into maps
// and slices. A string made of exactly one placeholder is replaced by the
// raw variable value so numbers and objects keep their type.
func InterpolateValue(v any, vars map[string]any) any {
	switch x := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatchIndex(x); m != nil && m[0] == 0 && m[1] == len(x) {
			if raw, ok := lookup(vars, x[m[2]:m[3]]); ok {
				return raw
			}
			return ""
		}
		return Interpolate(x, vars)
	case map[string]any:
		return InterpolateConfig(x, vars)
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = Interpolate(s, vars)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = InterpolateValue(e, vars)
		}
		return out
	default:
		return v
	}
}

// InterpolateConfig returns a copy of cfg with every value interpolated.
func InterpolateConfig(cfg map[string]any, vars map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = InterpolateValue(v, vars)
	}
	return out
}

func lookup(vars map[string]any, path string) (any, bool) {
	if v, ok := vars[path]; ok {
		return v, true
	}
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}
