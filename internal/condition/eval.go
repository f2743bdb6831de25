package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errUnrecognized = errors.New("no recognized comparison operator")

func (l *literal) eval(map[string]any) (any, error) { return l.value, nil }

func (v *varRef) eval(vars map[string]any) (any, error) {
	return lookup(vars, v.path), nil
}

func (n *not) eval(vars map[string]any) (any, error) {
	b, err := truth(n.inner, vars)
	if err != nil {
		return nil, err
	}
	return !b, nil
}

func (c *compare) eval(vars map[string]any) (any, error) {
	l, err := c.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := c.right.eval(vars)
	if err != nil {
		return nil, err
	}

	switch c.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	cmp, err := order(l, r)
	if err != nil {
		return nil, err
	}
	switch c.op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("unknown operator %q", c.op)
}

// truth evaluates n and requires a boolean outcome. A lone operand only
// counts when it resolves to true/false (or the strings "true"/"false").
func truth(n node, vars map[string]any) (bool, error) {
	v, err := n.eval(vars)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.TrimSpace(b) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, errUnrecognized
}

func lookup(vars map[string]any, path string) any {
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := number(l); ok {
		if rf, ok := number(r); ok {
			return lf == rf
		}
	}
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok {
			return lb == rb
		}
	}
	return fmt.Sprint(l) == fmt.Sprint(r)
}

func order(l, r any) (int, error) {
	if l == nil || r == nil {
		return 0, fmt.Errorf("cannot order null")
	}
	if lf, ok := number(l); ok {
		if rf, ok := number(r); ok {
			switch {
			case lf < rf:
				return -1, nil
			case lf > rf:
				return 1, nil
			}
			return 0, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return strings.Compare(ls, rs), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", l, r)
}

// number converts numeric values and numeric strings to float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
