package types

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
	"github.com/hashicorp/terraform-plugin-go/tftypes"
)

var (
	_ basetypes.SetTypable                    = FoldStringSetType{}
	_ basetypes.SetValuable                   = FoldStringSetValue{}
	_ basetypes.SetValuableWithSemanticEquals = FoldStringSetValue{}
)

// FoldStringSetType is a set of strings compared case-insensitively, used
// for schema names such as object classes that servers may return in a
// different case than configured.
type FoldStringSetType struct {
	basetypes.SetType
}

// NewFoldStringSetType returns the type with its string element type set.
func NewFoldStringSetType() FoldStringSetType {
	return FoldStringSetType{
		SetType: basetypes.SetType{ElemType: basetypes.StringType{}},
	}
}

func (t FoldStringSetType) String() string {
	return "FoldStringSetType"
}

func (t FoldStringSetType) ValueType(ctx context.Context) attr.Value {
	return FoldStringSetValue{}
}

func (t FoldStringSetType) Equal(o attr.Type) bool {
	other, ok := o.(FoldStringSetType)
	if !ok {
		return false
	}
	return t.SetType.Equal(other.SetType)
}

func (t FoldStringSetType) ValueFromSet(ctx context.Context, in basetypes.SetValue) (basetypes.SetValuable, diag.Diagnostics) {
	return FoldStringSetValue{SetValue: in}, nil
}

func (t FoldStringSetType) ValueFromTerraform(ctx context.Context, in tftypes.Value) (attr.Value, error) {
	attrValue, err := t.SetType.ValueFromTerraform(ctx, in)
	if err != nil {
		return nil, err
	}

	setValue, ok := attrValue.(basetypes.SetValue)
	if !ok {
		return nil, fmt.Errorf("expected basetypes.SetValue, got: %T", attrValue)
	}

	setValuable, diags := t.ValueFromSet(ctx, setValue)
	if diags.HasError() {
		return nil, fmt.Errorf("could not create FoldStringSetValue: %v", diags.Errors())
	}
	return setValuable, nil
}

// FoldStringSetValue is a string set with case-insensitive semantic equality.
type FoldStringSetValue struct {
	basetypes.SetValue
}

func (v FoldStringSetValue) Equal(o attr.Value) bool {
	other, ok := o.(FoldStringSetValue)
	if !ok {
		return false
	}
	return v.SetValue.Equal(other.SetValue)
}

func (v FoldStringSetValue) Type(ctx context.Context) attr.Type {
	return NewFoldStringSetType()
}

// SetSemanticEquals reports whether both sets hold the same strings when
// case is ignored.
func (v FoldStringSetValue) SetSemanticEquals(ctx context.Context, newValuable basetypes.SetValuable) (bool, diag.Diagnostics) {
	var diags diag.Diagnostics

	newValue, ok := newValuable.(FoldStringSetValue)
	if !ok {
		diags.AddError(
			"Semantic Equality Check Error",
			"An unexpected value type was received while attempting to perform semantic equality checks. "+
				"This is always an error in the provider. Please report the following to the provider developer:\n\n"+
				fmt.Sprintf("Expected FoldStringSetValue, but got: %T", newValuable),
		)
		return false, diags
	}

	if v.IsNull() || v.IsUnknown() || newValue.IsNull() || newValue.IsUnknown() {
		return v.Equal(newValue), diags
	}

	var oldStrings, newStrings []string
	diags.Append(v.ElementsAs(ctx, &oldStrings, false)...)
	diags.Append(newValue.ElementsAs(ctx, &newStrings, false)...)
	if diags.HasError() {
		return false, diags
	}
	return foldSetEqual(oldStrings, newStrings), diags
}

func foldSetEqual(a, b []string) bool {
	left := foldSet(a)
	right := foldSet(b)
	if len(left) != len(right) {
		return false
	}
	for s := range left {
		if !right[s] {
			return false
		}
	}
	return true
}

func foldSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, s := range values {
		out[strings.ToLower(s)] = true
	}
	return out
}

// FoldStringSet builds a known FoldStringSetValue from elements.
func FoldStringSet(ctx context.Context, elements []string) (FoldStringSetValue, diag.Diagnostics) {
	attrValues := make([]attr.Value, len(elements))
	for i, element := range elements {
		attrValues[i] = basetypes.NewStringValue(element)
	}

	setValue, diags := basetypes.NewSetValue(basetypes.StringType{}, attrValues)
	if diags.HasError() {
		return FoldStringSetValue{}, diags
	}
	return FoldStringSetValue{SetValue: setValue}, diags
}

// FoldStringSetNull returns a null FoldStringSetValue.
func FoldStringSetNull() FoldStringSetValue {
	return FoldStringSetValue{SetValue: basetypes.NewSetNull(basetypes.StringType{})}
}
