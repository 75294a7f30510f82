package permission

import (
	"fmt"
	"strings"

	"wattguard.io/internal/auth"
)

// Condition operators.
const (
	OpEq     = "eq"
	OpNe     = "ne"
	OpIn     = "in"
	OpExists = "exists"
	OpGt     = "gt"
	OpLt     = "lt"
)

const maxConditionDepth = 16

// Subject is what a condition can reference besides the resource.
type Subject struct {
	PrincipalID string
	TenantID    string
}

// ValidateCondition rejects malformed predicates before they are stored.
func ValidateCondition(c *auth.Condition) error {
	return validateCondition(c, 0)
}

func validateCondition(c *auth.Condition, depth int) error {
	if c == nil {
		return nil
	}
	if depth > maxConditionDepth {
		return fmt.Errorf("%w: condition nested too deeply", auth.ErrInvalidInput)
	}
	set := 0
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.Field != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: condition must set exactly one of all, any, not, field", auth.ErrInvalidInput)
	}
	switch {
	case c.Field != "":
		switch c.Op {
		case OpEq, OpNe, OpExists, OpGt, OpLt:
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("%w: op in needs a list value", auth.ErrInvalidInput)
			}
		default:
			return fmt.Errorf("%w: unknown op %q", auth.ErrInvalidInput, c.Op)
		}
	case c.Not != nil:
		return validateCondition(c.Not, depth+1)
	default:
		for i := range c.All {
			if err := validateCondition(&c.All[i], depth+1); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := validateCondition(&c.Any[i], depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateCondition reports whether res satisfies c for subject. A nil condition holds.
// Malformed nodes, unknown operators and unresolvable fields evaluate to false.
func EvaluateCondition(c *auth.Condition, subject Subject, res *auth.Resource) bool {
	if c == nil {
		return true
	}
	return evaluate(c, subject, res, 0)
}

func evaluate(c *auth.Condition, subject Subject, res *auth.Resource, depth int) bool {
	if depth > maxConditionDepth {
		return false
	}
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !evaluate(&c.All[i], subject, res, depth+1) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if evaluate(&c.Any[i], subject, res, depth+1) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !evaluate(c.Not, subject, res, depth+1)
	case c.Field != "":
		return compare(c, subject, res)
	}
	return false
}

func compare(c *auth.Condition, subject Subject, res *auth.Resource) bool {
	actual, found := resolveField(c.Field, res)
	if c.Op == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return found == want
	}
	if !found {
		return false
	}
	expected, ok := resolveValue(c.Value, subject)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return equal(actual, expected)
	case OpNe:
		return !equal(actual, expected)
	case OpIn:
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if v, ok := resolveValue(item, subject); ok && equal(actual, v) {
				return true
			}
		}
		return false
	case OpGt, OpLt:
		cmp, ok := order(actual, expected)
		if !ok {
			return false
		}
		if c.Op == OpGt {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func resolveField(path string, res *auth.Resource) (any, bool) {
	if res == nil {
		return nil, false
	}
	switch path {
	case "id":
		return res.ID, true
	case "type":
		return res.Type, true
	case "tenant_id":
		return res.TenantID, true
	case "owner_id":
		return res.OwnerID, res.OwnerID != ""
	case "group_id":
		return res.GroupID, res.GroupID != ""
	}
	rest, ok := strings.CutPrefix(path, "attributes.")
	if !ok {
		return nil, false
	}
	var cur any = res.Attributes
	for _, part := range strings.Split(rest, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func resolveValue(v any, subject Subject) (any, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return v, true
	}
	switch s {
	case "$principal.id":
		return subject.PrincipalID, subject.PrincipalID != ""
	case "$principal.tenant_id":
		return subject.TenantID, subject.TenantID != ""
	}
	return nil, false
}

func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func order(a, b any) (int, bool) {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
