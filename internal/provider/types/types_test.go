package types

import (
	"context"
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNStringValue_StringSemanticEquals(t *testing.T) {
	ctx := context.Background()

	testCases := map[string]struct {
		old, new DNStringValue
		equal    bool
	}{
		"identical":       {DNString("uid=jdoe,ou=people,dc=example,dc=org"), DNString("uid=jdoe,ou=people,dc=example,dc=org"), true},
		"type case":       {DNString("uid=jdoe,ou=people,dc=example,dc=org"), DNString("UID=jdoe,OU=people,DC=example,DC=org"), true},
		"value case":      {DNString("cn=John,dc=example,dc=org"), DNString("cn=john,dc=example,dc=org"), true},
		"spacing":         {DNString("cn=John, dc=example, dc=org"), DNString("cn=John,dc=example,dc=org"), true},
		"different entry": {DNString("cn=a,dc=example,dc=org"), DNString("cn=b,dc=example,dc=org"), false},
		"both null":       {DNStringNull(), DNStringNull(), true},
		"null vs known":   {DNStringNull(), DNString("cn=a,dc=example,dc=org"), false},
		"unknown":         {DNStringUnknown(), DNString("cn=a,dc=example,dc=org"), false},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			equal, diags := tc.old.StringSemanticEquals(ctx, tc.new)
			require.False(t, diags.HasError())
			assert.Equal(t, tc.equal, equal)
		})
	}

	_, diags := DNString("cn=a").StringSemanticEquals(ctx, basetypes.NewStringValue("cn=a"))
	assert.True(t, diags.HasError(), "plain strings are rejected")
}

func TestDNStringType(t *testing.T) {
	ctx := context.Background()

	assert.True(t, DNStringType{}.Equal(DNStringType{}))
	assert.False(t, DNStringType{}.Equal(basetypes.StringType{}))
	assert.Equal(t, DNStringType{}, DNString("cn=a").Type(ctx))

	v, diags := DNStringType{}.ValueFromString(ctx, basetypes.NewStringValue("cn=a"))
	require.False(t, diags.HasError())
	assert.Equal(t, DNString("cn=a"), v)
}

func TestFoldStringSetValue_SetSemanticEquals(t *testing.T) {
	ctx := context.Background()

	mustSet := func(values ...string) FoldStringSetValue {
		s, diags := FoldStringSet(ctx, values)
		require.False(t, diags.HasError())
		return s
	}

	testCases := map[string]struct {
		old, new FoldStringSetValue
		equal    bool
	}{
		"same":           {mustSet("top", "inetOrgPerson"), mustSet("inetOrgPerson", "top"), true},
		"case differs":   {mustSet("top", "inetOrgPerson"), mustSet("TOP", "inetorgperson"), true},
		"extra class":    {mustSet("top"), mustSet("top", "person"), false},
		"different":      {mustSet("top", "person"), mustSet("top", "device"), false},
		"null both":      {FoldStringSetNull(), FoldStringSetNull(), true},
		"null and value": {FoldStringSetNull(), mustSet("top"), false},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			equal, diags := tc.old.SetSemanticEquals(ctx, tc.new)
			require.False(t, diags.HasError())
			assert.Equal(t, tc.equal, equal)
		})
	}
}

func TestFoldStringSetType(t *testing.T) {
	ctx := context.Background()

	typ := NewFoldStringSetType()
	assert.True(t, typ.Equal(NewFoldStringSetType()))
	assert.Equal(t, typ, FoldStringSetNull().Type(ctx))
	assert.Equal(t, "FoldStringSetType", typ.String())
}
