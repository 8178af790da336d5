package ldap

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

const (
	// DefaultBaseFilter matches every entry.
	DefaultBaseFilter = "(objectClass=*)"
	// matchNothingFilter is the always-false filter used for an empty membership set.
	matchNothingFilter = "(!(objectClass=*))"
)

// attributeDescriptionRegex accepts a descriptor or numeric OID with options.
var attributeDescriptionRegex = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*|[0-9]+(\.[0-9]+)+)(;[A-Za-z0-9-]+)*$`)

// ValidAttributeName reports whether name is a valid attribute description.
func ValidAttributeName(name string) bool {
	return attributeDescriptionRegex.MatchString(name)
}

// EscapeFilterValue escapes an assertion value for substitution into a filter.
func EscapeFilterValue(value string) string {
	return ldap.EscapeFilter(value)
}

// CompileFilter compiles a predicate tree into an RFC 4515 filter string.
// Attribute names resolve through model when it declares them.
func CompileFilter(node *Predicate, model *Model) (string, error) {
	if err := node.Validate(); err != nil {
		return "", err
	}
	return compileNode(node, model)
}

// BuildSearchFilter AND-s the model's base filter with the compiled predicate.
func BuildSearchFilter(node *Predicate, model *Model) (string, error) {
	base := DefaultBaseFilter
	if model != nil && model.BaseFilter != "" {
		base = model.BaseFilter
	}
	if _, err := ldap.CompileFilter(base); err != nil {
		return "", newQueryError("compile filter", ErrorCategoryValidation, "invalid base filter %q: %v", base, err)
	}
	if node == nil {
		return base, nil
	}
	pred, err := CompileFilter(node, model)
	if err != nil {
		return "", err
	}
	return "(&" + base + pred + ")", nil
}

func compileNode(node *Predicate, model *Model) (string, error) {
	switch node.Kind {
	case PredicateComparison:
		return compileComparison(node, model)
	case PredicateNot:
		if len(node.Children) == 1 {
			child, err := compileNode(node.Children[0], model)
			if err != nil {
				return "", err
			}
			return "(!" + child + ")", nil
		}
		group, err := compileGroup("&", node.Children, model)
		if err != nil {
			return "", err
		}
		return "(!" + group + ")", nil
	case PredicateAnd:
		return compileGroup("&", node.Children, model)
	case PredicateOr:
		return compileGroup("|", node.Children, model)
	}
	return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "unknown node %s", node.Kind)
}

func compileGroup(connector string, children []*Predicate, model *Model) (string, error) {
	if len(children) == 1 {
		return compileNode(children[0], model)
	}
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(connector)
	for _, child := range children {
		clause, err := compileNode(child, model)
		if err != nil {
			return "", err
		}
		b.WriteString(clause)
	}
	b.WriteString(")")
	return b.String(), nil
}

func compileComparison(node *Predicate, model *Model) (string, error) {
	attr, desc, err := resolveFilterAttribute(node.Attribute, model)
	if err != nil {
		return "", err
	}

	if desc != nil && desc.Renderer != nil {
		if clause, ok := desc.Renderer.RenderOperator(node.Operator, attr, node.Value); ok {
			return clause, nil
		}
	}

	switch node.Operator {
	case OpIsNull:
		null, ok := node.Value.(bool)
		if !ok {
			return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "isnull on %q expects a boolean, got %T", attr, node.Value)
		}
		if null {
			return fmt.Sprintf("(!(%s=*))", attr), nil
		}
		return fmt.Sprintf("(%s=*)", attr), nil

	case OpPresent:
		return fmt.Sprintf("(%s=*)", attr), nil

	case OpIn:
		values, ok := sliceValues(node.Value)
		if !ok {
			return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "in on %q expects a list, got %T", attr, node.Value)
		}
		if len(values) == 0 {
			return matchNothingFilter, nil
		}
		clauses := make([]string, 0, len(values))
		for _, v := range values {
			operand, err := renderOperand(desc, attr, v)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, fmt.Sprintf("(%s=%s)", attr, operand))
		}
		if len(clauses) == 1 {
			return clauses[0], nil
		}
		return "(|" + strings.Join(clauses, "") + ")", nil
	}

	spec, ok := operatorTable[node.Operator]
	if !ok || spec.template == "" {
		return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "unsupported operator %s on %q", node.Operator, attr)
	}
	if _, isList := sliceValues(node.Value); isList {
		return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "operator %s on %q expects a scalar", node.Operator, attr)
	}
	operand, err := renderOperand(desc, attr, node.Value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(spec.template, attr, operand), nil
}

// resolveFilterAttribute maps a field name to its storage attribute.
func resolveFilterAttribute(name string, model *Model) (string, *AttributeDescriptor, error) {
	if strings.EqualFold(name, DNColumn) {
		return "", nil, newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "the dn column cannot be filtered on")
	}
	if model != nil {
		if desc := model.Attribute(name); desc != nil {
			return desc.StorageName(), desc, nil
		}
	}
	if !attributeDescriptionRegex.MatchString(name) {
		return "", nil, newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "invalid attribute description %q", name)
	}
	return name, nil, nil
}

func renderOperand(desc *AttributeDescriptor, attr string, value any) (string, error) {
	if value == nil {
		return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "nil operand for %q", attr)
	}
	codec := Codec(StringCodec{})
	if desc != nil {
		codec = desc.codec()
	}
	encoded, err := codec.Encode(value)
	if err != nil {
		return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "cannot render operand for %q: %v", attr, err)
	}
	if len(encoded) != 1 {
		return "", newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "operand for %q renders to %d values", attr, len(encoded))
	}
	return EscapeFilterValue(encoded[0]), nil
}

// sliceValues flattens any slice or array except []byte.
func sliceValues(value any) ([]any, bool) {
	switch v := value.(type) {
	case nil, []byte, string:
		return nil, false
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
