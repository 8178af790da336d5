// Package helpers converts between Terraform framework values and the
// plain Go shapes the directory layer works with.
package helpers

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"
)

// AttributeMapType is the Terraform type of an attribute map: map(list(string)).
var AttributeMapType = types.MapType{ElemType: types.ListType{ElemType: types.StringType}}

// ExpandAttributeMap converts a map(list(string)) into attribute values.
// A null map yields a nil map; unknown values are an error.
func ExpandAttributeMap(ctx context.Context, value types.Map) (map[string][]string, diag.Diagnostics) {
	var diags diag.Diagnostics
	if value.IsNull() {
		return nil, diags
	}
	if value.IsUnknown() {
		diags.AddError("Unknown Attribute Map", "Attribute values must be known before they can be written to the directory.")
		return nil, diags
	}

	out := make(map[string][]string, len(value.Elements()))
	diags.Append(value.ElementsAs(ctx, &out, false)...)
	return out, diags
}

// FlattenAttributeMap converts attribute values into a map(list(string)).
// A nil map yields a null value.
func FlattenAttributeMap(ctx context.Context, values map[string][]string) (types.Map, diag.Diagnostics) {
	if values == nil {
		return types.MapNull(AttributeMapType.ElemType), nil
	}
	return types.MapValueFrom(ctx, AttributeMapType.ElemType, values)
}

// ExpandStringMap converts a map(string).
func ExpandStringMap(ctx context.Context, value types.Map) (map[string]string, diag.Diagnostics) {
	var diags diag.Diagnostics
	if value.IsNull() || value.IsUnknown() {
		return map[string]string{}, diags
	}
	out := make(map[string]string, len(value.Elements()))
	diags.Append(value.ElementsAs(ctx, &out, false)...)
	return out, diags
}

// ExpandStrings converts a list or set of strings. Null and unknown
// collections yield nil.
func ExpandStrings(ctx context.Context, value attr.Value) ([]string, diag.Diagnostics) {
	var diags diag.Diagnostics
	if value == nil || value.IsNull() || value.IsUnknown() {
		return nil, diags
	}

	var out []string
	switch v := value.(type) {
	case types.List:
		diags.Append(v.ElementsAs(ctx, &out, false)...)
	case types.Set:
		diags.Append(v.ElementsAs(ctx, &out, false)...)
	default:
		diags.AddError("Unexpected Collection Type", fmt.Sprintf("Expected a list or set of strings, got %T.", value))
	}
	return out, diags
}

// AnyToStrings renders a decoded column value as strings: nil becomes no
// values, slices are flattened and byte values are kept as raw strings.
func AnyToStrings(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []byte:
		return []string{string(v)}
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, AnyToStrings(item)...)
		}
		return out
	case fmt.Stringer:
		return []string{v.String()}
	default:
		return []string{fmt.Sprint(v)}
	}
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
