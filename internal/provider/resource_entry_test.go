package provider

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/types"
	tfresource "github.com/hashicorp/terraform-plugin-testing/helper/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
	customtypes "github.com/isometry/terraform-provider-ldapdb/internal/provider/types"
)

func TestEntryResource_Schema(t *testing.T) {
	r := NewEntryResource()
	resp := &resource.SchemaResponse{}
	r.Schema(context.Background(), resource.SchemaRequest{}, resp)
	require.False(t, resp.Diagnostics.HasError())

	for _, name := range []string{"id", "dn"} {
		assert.True(t, resp.Schema.Attributes[name].IsComputed(), "%s should be computed", name)
	}
	for _, name := range []string{"rdn_attribute", "parent_dn", "object_classes", "attributes"} {
		assert.True(t, resp.Schema.Attributes[name].IsRequired(), "%s should be required", name)
	}
	assert.True(t, resp.Schema.Attributes["multi_valued_strategy"].IsOptional())
}

func TestEntryResource_Configure(t *testing.T) {
	r := &EntryResource{}
	data := &ldapclient.ProviderData{}

	resp := &resource.ConfigureResponse{}
	r.Configure(context.Background(), resource.ConfigureRequest{ProviderData: data}, resp)
	assert.False(t, resp.Diagnostics.HasError())
	assert.Same(t, data, r.data)

	resp = &resource.ConfigureResponse{}
	r.Configure(context.Background(), resource.ConfigureRequest{ProviderData: "not provider data"}, resp)
	require.True(t, resp.Diagnostics.HasError())
	assert.Contains(t, resp.Diagnostics.Errors()[0].Summary(), "Unexpected Resource Configure Type")
}

func TestSetEntryDN(t *testing.T) {
	data := EntryResourceModel{DN: customtypes.DNString("CN=Alice,DC=Example,DC=Org")}
	setEntryDN(&data, "cn=alice,dc=example,dc=org")
	assert.Equal(t, "CN=Alice,DC=Example,DC=Org", data.DN.ValueString())
	assert.Equal(t, "CN=Alice,DC=Example,DC=Org", data.ID.ValueString())

	data = EntryResourceModel{DN: customtypes.DNStringUnknown()}
	setEntryDN(&data, "cn=bob,dc=example,dc=org")
	assert.Equal(t, "cn=bob,dc=example,dc=org", data.DN.ValueString())
	assert.Equal(t, types.StringValue("cn=bob,dc=example,dc=org"), data.ID)

	data = EntryResourceModel{DN: customtypes.DNString("cn=alice,dc=example,dc=org")}
	setEntryDN(&data, "cn=carol,dc=example,dc=org")
	assert.Equal(t, "cn=carol,dc=example,dc=org", data.DN.ValueString())
}

func TestEntryResource_ReadEntry(t *testing.T) {
	entry := ldap.NewEntry("cn=admins,ou=groups,dc=example,dc=org", map[string][]string{
		"objectClass": {"top", "groupOfNames"},
		"cn":          {"admins"},
		"member":      {"uid=alice,dc=example,dc=org", "uid=bob,dc=example,dc=org"},
	})
	data, _, session := newMockProviderData(entry)
	r := &EntryResource{data: data}

	state, err := r.readEntry(context.Background(), entry.DN, []string{"cn", "description", "member"})
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, entry.DN, state.dn)
	assert.Equal(t, []string{"top", "groupOfNames"}, state.objectClasses)
	assert.Equal(t, map[string][]string{
		"cn":     {"admins"},
		"member": {"uid=alice,dc=example,dc=org", "uid=bob,dc=example,dc=org"},
	}, state.attributes)

	req := session.Calls[1].Arguments.Get(1).(*ldap.SearchRequest)
	assert.Equal(t, entry.DN, req.BaseDN)
	assert.Equal(t, ldap.ScopeBaseObject, req.Scope)
}

func TestEntryResource_ReadEntry_Missing(t *testing.T) {
	data, _, _ := newMockProviderData()
	r := &EntryResource{data: data}

	state, err := r.readEntry(context.Background(), "cn=gone,dc=example,dc=org", []string{"cn"})
	require.NoError(t, err)
	assert.Nil(t, state)
}

func testAccEntryConfig(parentDN, ou, description string) string {
	return GetTestConfig().providerConfig() + fmt.Sprintf(`
resource "ldapdb_entry" "test" {
  rdn_attribute  = "ou"
  parent_dn      = %q
  object_classes = ["top", "organizationalUnit"]
  attributes = {
    ou          = [%q]
    description = [%q, "managed by terraform"]
  }
  multi_valued_strategy = {
    description = "add_delete"
  }
}
`, parentDN, ou, description)
}

func TestAccEntryResource_basic(t *testing.T) {
	cfg := GetTestConfig()
	ou := testOUName("tf-acc-entry")
	dn := fmt.Sprintf("ou=%s,%s", ou, cfg.BaseDN)

	tfresource.Test(t, tfresource.TestCase{
		PreCheck:                 func() { testAccPreCheck(t) },
		ProtoV6ProviderFactories: testAccProtoV6ProviderFactories,
		CheckDestroy:             testAccCheckEntryDestroy,
		Steps: []tfresource.TestStep{
			// Create and Read testing
			{
				Config: testAccEntryConfig(cfg.BaseDN, ou, "initial"),
				Check: tfresource.ComposeAggregateTestCheckFunc(
					testAccCheckEntryExists("ldapdb_entry.test"),
					tfresource.TestCheckResourceAttr("ldapdb_entry.test", "dn", dn),
					tfresource.TestCheckResourceAttr("ldapdb_entry.test", "id", dn),
					tfresource.TestCheckResourceAttr("ldapdb_entry.test", "attributes.description.#", "2"),
					tfresource.TestCheckResourceAttr("ldapdb_entry.test", "object_classes.#", "2"),
				),
			},
			// ImportState testing
			{
				ResourceName:            "ldapdb_entry.test",
				ImportState:             true,
				ImportStateVerify:       true,
				ImportStateVerifyIgnore: []string{"attributes", "multi_valued_strategy"},
			},
			// Update testing
			{
				Config: testAccEntryConfig(cfg.BaseDN, ou, "updated"),
				Check: tfresource.ComposeAggregateTestCheckFunc(
					tfresource.TestCheckResourceAttr("ldapdb_entry.test", "attributes.description.0", "updated"),
					tfresource.TestCheckResourceAttr("ldapdb_entry.test", "dn", dn),
				),
			},
		},
	})
}

func TestAccEntryResource_rename(t *testing.T) {
	cfg := GetTestConfig()
	before := testOUName("tf-acc-rename")
	after := before + "-renamed"

	tfresource.Test(t, tfresource.TestCase{
		PreCheck:                 func() { testAccPreCheck(t) },
		ProtoV6ProviderFactories: testAccProtoV6ProviderFactories,
		CheckDestroy:             testAccCheckEntryDestroy,
		Steps: []tfresource.TestStep{
			{
				Config: testAccEntryConfig(cfg.BaseDN, before, "rename"),
				Check:  testAccCheckEntryExists("ldapdb_entry.test"),
			},
			{
				Config: testAccEntryConfig(cfg.BaseDN, after, "rename"),
				Check: tfresource.ComposeAggregateTestCheckFunc(
					testAccCheckEntryExists("ldapdb_entry.test"),
					tfresource.TestCheckResourceAttr("ldapdb_entry.test", "dn", fmt.Sprintf("ou=%s,%s", after, cfg.BaseDN)),
				),
			},
		},
	})
}

func TestAccEntryResource_invalid(t *testing.T) {
	tfresource.Test(t, tfresource.TestCase{
		PreCheck:                 func() { testAccPreCheck(t) },
		ProtoV6ProviderFactories: testAccProtoV6ProviderFactories,
		Steps: []tfresource.TestStep{
			{
				Config: GetTestConfig().providerConfig() + `
resource "ldapdb_entry" "test" {
  rdn_attribute  = "cn"
  parent_dn      = "not a dn"
  object_classes = ["person"]
  attributes = {
    cn = ["x"]
  }
}
`,
				ExpectError: regexp.MustCompile(`parent_dn`),
			},
		},
	})
}
