package ldap

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PredicateKind identifies the shape of a predicate node.
type PredicateKind int

// Predicate kinds.
const (
	PredicateComparison PredicateKind = iota
	PredicateAnd
	PredicateOr
	PredicateNot
)

func (k PredicateKind) String() string {
	switch k {
	case PredicateComparison:
		return "comparison"
	case PredicateAnd:
		return "and"
	case PredicateOr:
		return "or"
	case PredicateNot:
		return "not"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operator is a comparison operator in a predicate leaf.
type Operator int

const (
	OpExact       Operator = iota // equal to the operand
	OpIExact                      // equal ignoring case
	OpContains                    // substring match
	OpIContains                   // substring match ignoring case
	OpStartsWith                  // prefix match
	OpIStartsWith                 // prefix match ignoring case
	OpEndsWith                    // suffix match
	OpIEndsWith                   // suffix match ignoring case
	OpGt                          // strictly greater than the operand
	OpGte                         // greater than or equal
	OpLt                          // strictly less than the operand
	OpLte                         // less than or equal
	OpIn                          // equal to one of a list of operands
	OpIsNull                      // attribute absent (true) or present (false)
	OpPresent                     // attribute has at least one value
)

// operatorSpec describes how an operator renders and how it is evaluated on
// the client. Template receives the attribute name and the escaped operand.
// Filters have no strict ordering match, so gt and lt exclude equality
// explicitly. Match receives every value of the attribute.
type operatorSpec struct {
	name     string
	template string
	match    func(values []any, operand any) (bool, error)
}

var operatorTable = map[Operator]operatorSpec{
	OpExact:       {name: "exact", template: "(%s=%s)", match: anyValue(orderedMatch(func(c int) bool { return c == 0 }))},
	OpIExact:      {name: "iexact", template: "(%s=%s)", match: anyValue(stringMatch(func(v, o string) bool { return v == o }, true))},
	OpContains:    {name: "contains", template: "(%s=*%s*)", match: anyValue(stringMatch(strings.Contains, false))},
	OpIContains:   {name: "icontains", template: "(%s=*%s*)", match: anyValue(stringMatch(strings.Contains, true))},
	OpStartsWith:  {name: "startswith", template: "(%s=%s*)", match: anyValue(stringMatch(strings.HasPrefix, false))},
	OpIStartsWith: {name: "istartswith", template: "(%s=%s*)", match: anyValue(stringMatch(strings.HasPrefix, true))},
	OpEndsWith:    {name: "endswith", template: "(%s=*%s)", match: anyValue(stringMatch(strings.HasSuffix, false))},
	OpIEndsWith:   {name: "iendswith", template: "(%s=*%s)", match: anyValue(stringMatch(strings.HasSuffix, true))},
	OpGt:          {name: "gt", template: "(&(%[1]s>=%[2]s)(!(%[1]s=%[2]s)))", match: anyValue(orderedMatch(func(c int) bool { return c > 0 }))},
	OpGte:         {name: "gte", template: "(%s>=%s)", match: anyValue(orderedMatch(func(c int) bool { return c >= 0 }))},
	OpLt:          {name: "lt", template: "(&(%[1]s<=%[2]s)(!(%[1]s=%[2]s)))", match: anyValue(orderedMatch(func(c int) bool { return c < 0 }))},
	OpLte:         {name: "lte", template: "(%s<=%s)", match: anyValue(orderedMatch(func(c int) bool { return c <= 0 }))},
	OpIn:          {name: "in", match: matchIn},
	OpIsNull:      {name: "isnull", match: matchIsNull},
	OpPresent:     {name: "present", match: func(values []any, _ any) (bool, error) { return len(values) > 0, nil }},
}

// String returns the lookup name of the operator.
func (o Operator) String() string {
	if spec, ok := operatorTable[o]; ok {
		return spec.name
	}
	return fmt.Sprintf("operator(%d)", int(o))
}

// ParseOperator resolves an operator by its lookup name, case-insensitively.
func ParseOperator(name string) (Operator, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for op, spec := range operatorTable {
		if spec.name == lower {
			return op, nil
		}
	}
	return 0, newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "unknown operator %q", name)
}

// OperatorNames lists every supported lookup name.
func OperatorNames() []string {
	names := make([]string, 0, len(operatorTable))
	for op := OpExact; op <= OpPresent; op++ {
		names = append(names, operatorTable[op].name)
	}
	return names
}

// OperatorRenderer lets an attribute take over rendering of individual
// operators. Returning ok == false falls back to the default table.
type OperatorRenderer interface {
	RenderOperator(op Operator, attr string, value any) (clause string, ok bool)
}

// OperatorRendererFunc adapts a function to OperatorRenderer.
type OperatorRendererFunc func(op Operator, attr string, value any) (string, bool)

// RenderOperator calls f.
func (f OperatorRendererFunc) RenderOperator(op Operator, attr string, value any) (string, bool) {
	return f(op, attr, value)
}

// Predicate is a node of a boolean predicate tree.
type Predicate struct {
	Kind      PredicateKind
	Children  []*Predicate
	Attribute string
	Operator  Operator
	Value     any
}

// And joins children with a logical AND.
func And(children ...*Predicate) *Predicate {
	return &Predicate{Kind: PredicateAnd, Children: children}
}

// Or joins children with a logical OR.
func Or(children ...*Predicate) *Predicate {
	return &Predicate{Kind: PredicateOr, Children: children}
}

// Not negates a child. Several children are negated as a group: NOT (a AND b).
func Not(children ...*Predicate) *Predicate {
	return &Predicate{Kind: PredicateNot, Children: children}
}

// Compare builds a comparison leaf.
func Compare(attribute string, op Operator, value any) *Predicate {
	return &Predicate{Kind: PredicateComparison, Attribute: attribute, Operator: op, Value: value}
}

// Eq is shorthand for an exact comparison.
func Eq(attribute string, value any) *Predicate {
	return Compare(attribute, OpExact, value)
}

// In is shorthand for a membership comparison.
func In(attribute string, values ...any) *Predicate {
	return Compare(attribute, OpIn, values)
}

// IsNull matches entries where attribute is absent (true) or present (false).
func IsNull(attribute string, null bool) *Predicate {
	return Compare(attribute, OpIsNull, null)
}

// Validate checks the structural invariants of the tree.
func (p *Predicate) Validate() error {
	if p == nil {
		return newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "nil predicate node")
	}
	switch p.Kind {
	case PredicateComparison:
		if len(p.Children) > 0 {
			return newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "comparison on %q has children", p.Attribute)
		}
		if p.Attribute == "" {
			return newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "comparison without attribute")
		}
		if _, ok := operatorTable[p.Operator]; !ok {
			return newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "unknown operator %s on %q", p.Operator, p.Attribute)
		}
	case PredicateAnd, PredicateOr, PredicateNot:
		if len(p.Children) == 0 {
			return newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "%s node without children", p.Kind)
		}
		for _, child := range p.Children {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	default:
		return newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "unknown node %s", p.Kind)
	}
	return nil
}

// Attributes returns every attribute referenced by the tree, in order of first use.
func (p *Predicate) Attributes() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(*Predicate)
	walk = func(n *Predicate) {
		if n == nil {
			return
		}
		if n.Kind == PredicateComparison {
			key := strings.ToLower(n.Attribute)
			if !seen[key] {
				seen[key] = true
				out = append(out, n.Attribute)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(p)
	return out
}

// Match evaluates the tree against one decoded row on the client. The scope
// maps field or attribute names to decoded values. A multi-valued attribute
// matches when any of its values does; an absent attribute matches nothing
// but isnull.
func (p *Predicate) Match(scope map[string]any) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	return p.match(scope)
}

func (p *Predicate) match(scope map[string]any) (bool, error) {
	switch p.Kind {
	case PredicateAnd, PredicateNot:
		for _, child := range p.Children {
			ok, err := child.match(scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return p.Kind == PredicateNot, nil
			}
		}
		return p.Kind == PredicateAnd, nil
	case PredicateOr:
		for _, child := range p.Children {
			ok, err := child.match(scope)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}

	spec := operatorTable[p.Operator]
	if spec.template != "" {
		if p.Value == nil {
			return false, newQueryError("match", ErrorCategoryUnsupportedPredicate, "nil operand for %q", p.Attribute)
		}
		if _, isList := sliceValues(p.Value); isList {
			return false, newQueryError("match", ErrorCategoryUnsupportedPredicate, "operator %s on %q expects a scalar", p.Operator, p.Attribute)
		}
	}
	v, _ := Field(p.Attribute).Evaluate(scope)
	ok, err := spec.match(attributeValues(v), p.Value)
	if err != nil {
		return false, newQueryError("match", ErrorCategoryUnsupportedPredicate, "%s on %q: %v", p.Operator, p.Attribute, err)
	}
	return ok, nil
}

// attributeValues flattens a decoded column into its non-nil values.
func attributeValues(v any) []any {
	items, ok := sliceValues(v)
	if !ok {
		if v == nil {
			return nil
		}
		return []any{v}
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

type valueMatch func(value, operand any) bool

func anyValue(m valueMatch) func([]any, any) (bool, error) {
	return func(values []any, operand any) (bool, error) {
		for _, v := range values {
			if m(v, operand) {
				return true, nil
			}
		}
		return false, nil
	}
}

func stringMatch(fn func(value, operand string) bool, fold bool) valueMatch {
	return func(value, operand any) bool {
		v, _ := scalarString(value)
		o, _ := scalarString(operand)
		if fold {
			v, o = strings.ToLower(v), strings.ToLower(o)
		}
		return fn(v, o)
	}
}

func orderedMatch(want func(int) bool) valueMatch {
	return func(value, operand any) bool {
		return want(compareValues(value, operand))
	}
}

func matchIn(values []any, operand any) (bool, error) {
	operands, ok := sliceValues(operand)
	if !ok {
		return false, fmt.Errorf("expects a list, got %T", operand)
	}
	for _, v := range values {
		for _, o := range operands {
			if compareValues(v, o) == 0 {
				return true, nil
			}
		}
	}
	return false, nil
}

func matchIsNull(values []any, operand any) (bool, error) {
	null, ok := operand.(bool)
	if !ok {
		return false, fmt.Errorf("expects a boolean, got %T", operand)
	}
	return (len(values) == 0) == null, nil
}

// compareValues orders two decoded values. Numbers compare numerically, a
// string against a number is parsed first, times compare chronologically and
// everything else compares by string form.
func compareValues(a, b any) int {
	x, xNum := numberValue(a)
	y, yNum := numberValue(b)
	if xNum != yNum {
		if !xNum {
			x, xNum = parseNumber(a)
		} else {
			y, yNum = parseNumber(b)
		}
	}
	if xNum && yNum {
		return cmp.Compare(x, y)
	}
	if xt, ok := a.(time.Time); ok {
		if yt, ok := b.(time.Time); ok {
			return xt.Compare(yt)
		}
	}
	xs, _ := scalarString(a)
	ys, _ := scalarString(b)
	return strings.Compare(xs, ys)
}

func numberValue(v any) (float64, bool) {
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
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func parseNumber(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}
