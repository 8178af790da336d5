package ldap

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Annotation is a computed column evaluated on the client after decoding.
type Annotation struct {
	Alias string
	Expr  Expression
}

// Expression computes a value from the decoded columns of one row. The scope
// maps field names to decoded values.
type Expression interface {
	Evaluate(scope map[string]any) (any, error)
	// Fields lists the model fields the expression reads.
	Fields() []string
}

// Field reads a decoded column.
type Field string

// Evaluate looks the field up by exact name first, then case-insensitively.
func (f Field) Evaluate(scope map[string]any) (any, error) {
	if v, ok := scope[string(f)]; ok {
		return v, nil
	}
	for k, v := range scope {
		if strings.EqualFold(k, string(f)) {
			return v, nil
		}
	}
	return nil, nil
}

// Fields returns the field itself.
func (f Field) Fields() []string { return []string{string(f)} }

// Value is a constant.
type Value struct{ V any }

// Evaluate returns the constant.
func (v Value) Evaluate(map[string]any) (any, error) { return v.V, nil }
func (Value) Fields() []string                        { return nil }

type stringFunc struct {
	name string
	arg  Expression
	fn   func(string) string
}

func (s stringFunc) Evaluate(scope map[string]any) (any, error) {
	v, err := s.arg.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	str, ok := scalarString(v)
	if !ok {
		return nil, nil
	}
	return s.fn(str), nil
}

func (s stringFunc) Fields() []string { return s.arg.Fields() }

func (s stringFunc) String() string { return fmt.Sprintf("%s(%v)", s.name, s.arg) }

// Lower lowercases a value; nil stays nil.
func Lower(e Expression) Expression { return stringFunc{"Lower", e, strings.ToLower} }

// Upper uppercases a value; nil stays nil.
func Upper(e Expression) Expression { return stringFunc{"Upper", e, strings.ToUpper} }

// Trim strips leading and trailing whitespace.
func Trim(e Expression) Expression { return stringFunc{"Trim", e, strings.TrimSpace} }

// LTrim strips leading whitespace.
func LTrim(e Expression) Expression {
	return stringFunc{"LTrim", e, func(s string) string { return strings.TrimLeft(s, " \t\r\n") }}
}

// RTrim strips trailing whitespace.
func RTrim(e Expression) Expression {
	return stringFunc{"RTrim", e, func(s string) string { return strings.TrimRight(s, " \t\r\n") }}
}

type lengthExpr struct{ arg Expression }

// Length counts the characters of a value; nil stays nil.
func Length(e Expression) Expression { return lengthExpr{e} }

func (l lengthExpr) Evaluate(scope map[string]any) (any, error) {
	v, err := l.arg.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	s, ok := scalarString(v)
	if !ok {
		return nil, nil
	}
	return utf8.RuneCountInString(s), nil
}

func (l lengthExpr) Fields() []string { return l.arg.Fields() }

type concatExpr struct{ parts []Expression }

// Concat joins the string forms of its parts; nil parts are empty.
func Concat(parts ...Expression) Expression { return concatExpr{parts} }

func (c concatExpr) Evaluate(scope map[string]any) (any, error) {
	var b strings.Builder
	for _, p := range c.parts {
		v, err := p.Evaluate(scope)
		if err != nil {
			return nil, err
		}
		if s, ok := scalarString(v); ok {
			b.WriteString(s)
		}
	}
	return b.String(), nil
}

func (c concatExpr) Fields() []string { return unionFields(c.parts) }

type coalesceExpr struct{ parts []Expression }

// Coalesce returns the first non-nil value.
func Coalesce(parts ...Expression) Expression { return coalesceExpr{parts} }

func (c coalesceExpr) Evaluate(scope map[string]any) (any, error) {
	for _, p := range c.parts {
		v, err := p.Evaluate(scope)
		if err != nil {
			return nil, err
		}
		if !isEmptyValue(v) {
			return v, nil
		}
	}
	return nil, nil
}

func (c coalesceExpr) Fields() []string { return unionFields(c.parts) }

type replaceExpr struct{ arg, old, new Expression }

// Replace substitutes every occurrence of old with new.
func Replace(e, old, new Expression) Expression { return replaceExpr{e, old, new} }

func (r replaceExpr) Evaluate(scope map[string]any) (any, error) {
	v, err := r.arg.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	s, ok := scalarString(v)
	if !ok {
		return nil, nil
	}
	oldV, err := r.old.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	newV, err := r.new.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	o, _ := scalarString(oldV)
	n, _ := scalarString(newV)
	return strings.ReplaceAll(s, o, n), nil
}

func (r replaceExpr) Fields() []string { return unionFields([]Expression{r.arg, r.old, r.new}) }

type repeatExpr struct {
	arg   Expression
	count int
}

// Repeat repeats the string form of e count times.
func Repeat(e Expression, count int) Expression { return repeatExpr{e, count} }

func (r repeatExpr) Evaluate(scope map[string]any) (any, error) {
	if r.count < 0 {
		return nil, newQueryError("annotate", ErrorCategoryValidation, "negative repeat count %d", r.count)
	}
	v, err := r.arg.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	s, _ := scalarString(v)
	return strings.Repeat(s, r.count), nil
}

func (r repeatExpr) Fields() []string { return r.arg.Fields() }

type substrExpr struct {
	arg    Expression
	pos    int
	length int
}

// Substr returns length characters starting at the one-based pos. A
// non-positive length takes the rest of the string.
func Substr(e Expression, pos, length int) Expression { return substrExpr{e, pos, length} }

func (s substrExpr) Evaluate(scope map[string]any) (any, error) {
	if s.pos < 1 {
		return nil, newQueryError("annotate", ErrorCategoryValidation, "substring position must be >= 1, got %d", s.pos)
	}
	v, err := s.arg.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	str, ok := scalarString(v)
	if !ok {
		return nil, nil
	}
	runes := []rune(str)
	start := min(s.pos-1, len(runes))
	end := len(runes)
	if s.length > 0 {
		end = min(start+s.length, len(runes))
	}
	return string(runes[start:end]), nil
}

func (s substrExpr) Fields() []string { return s.arg.Fields() }

type absExpr struct{ arg Expression }

// Abs returns the absolute value of a number; nil stays nil.
func Abs(e Expression) Expression { return absExpr{e} }

func (a absExpr) Evaluate(scope map[string]any) (any, error) {
	v, err := a.arg.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	n, ok, err := scalarNumber(v)
	if err != nil || !ok {
		return nil, err
	}
	switch t := n.(type) {
	case int64:
		if t < 0 {
			return -t, nil
		}
		return t, nil
	default:
		return math.Abs(t.(float64)), nil
	}
}

func (a absExpr) Fields() []string { return a.arg.Fields() }

type roundExpr struct {
	arg       Expression
	precision int
}

// Round rounds a number to precision decimal places, half to even. Integers
// stay integers; a negative precision rounds to tens, hundreds and so on.
func Round(e Expression, precision int) Expression { return roundExpr{e, precision} }

func (r roundExpr) Evaluate(scope map[string]any) (any, error) {
	v, err := r.arg.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	n, ok, err := scalarNumber(v)
	if err != nil || !ok {
		return nil, err
	}
	switch t := n.(type) {
	case int64:
		if r.precision >= 0 {
			return t, nil
		}
		return int64(roundToEven(float64(t), r.precision)), nil
	default:
		return roundToEven(t.(float64), r.precision), nil
	}
}

func roundToEven(x float64, precision int) float64 {
	if precision < 0 {
		factor := math.Pow10(-precision)
		return math.RoundToEven(x/factor) * factor
	}
	scale := math.Pow10(precision)
	return math.RoundToEven(x*scale) / scale
}

func (r roundExpr) Fields() []string { return r.arg.Fields() }

// WhenClause pairs a condition with the result used when it matches.
type WhenClause struct {
	Condition *Predicate
	Result    Expression
}

// When builds a Case branch.
func When(condition *Predicate, result Expression) WhenClause {
	return WhenClause{Condition: condition, Result: result}
}

type caseExpr struct {
	whens []WhenClause
	def   Expression
}

// Case returns the result of the first branch whose condition matches the
// row, or def when none does. A nil def yields nil.
func Case(def Expression, whens ...WhenClause) Expression { return caseExpr{whens, def} }

func (c caseExpr) Evaluate(scope map[string]any) (any, error) {
	for _, w := range c.whens {
		ok, err := w.Condition.Match(scope)
		if err != nil {
			return nil, err
		}
		if ok {
			return w.Result.Evaluate(scope)
		}
	}
	if c.def == nil {
		return nil, nil
	}
	return c.def.Evaluate(scope)
}

func (c caseExpr) Fields() []string {
	var exprs []Expression
	for _, w := range c.whens {
		for _, attr := range w.Condition.Attributes() {
			exprs = append(exprs, Field(attr))
		}
		exprs = append(exprs, w.Result)
	}
	if c.def != nil {
		exprs = append(exprs, c.def)
	}
	return unionFields(exprs)
}

// scalarNumber reads a value as int64 or float64. Multi-valued columns use
// their first value and numeric strings are parsed.
func scalarNumber(v any) (any, bool, error) {
	if items, ok := v.([]any); ok {
		if len(items) == 0 {
			return nil, false, nil
		}
		v = items[0]
	}
	if v == nil {
		return nil, false, nil
	}
	switch t := v.(type) {
	case int:
		return int64(t), true, nil
	case int8:
		return int64(t), true, nil
	case int16:
		return int64(t), true, nil
	case int32:
		return int64(t), true, nil
	case int64:
		return t, true, nil
	case uint8:
		return int64(t), true, nil
	case uint16:
		return int64(t), true, nil
	case uint32:
		return int64(t), true, nil
	case string:
		if i, err := (IntegerCodec{}).Decode([]byte(t)); err == nil {
			return i, true, nil
		}
	}
	if f, ok := numberValue(v); ok {
		return f, true, nil
	}
	if f, ok := parseNumber(v); ok {
		return f, true, nil
	}
	return nil, false, newQueryError("annotate", ErrorCategoryValidation, "%v (%T) is not a number", v, v)
}

// scalarString renders a decoded value as a string. Multi-valued columns use
// their first value.
func scalarString(v any) (string, bool) {
	if items, ok := v.([]any); ok {
		if len(items) == 0 {
			return "", false
		}
		v = items[0]
	}
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	values, err := StringCodec{}.Encode(v)
	if err != nil || len(values) == 0 {
		return fmt.Sprint(v), true
	}
	return values[0], true
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if items, ok := v.([]any); ok {
		return len(items) == 0
	}
	return false
}

func unionFields(exprs []Expression) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range exprs {
		for _, f := range e.Fields() {
			key := strings.ToLower(f)
			if !seen[key] {
				seen[key] = true
				out = append(out, f)
			}
		}
	}
	return out
}
