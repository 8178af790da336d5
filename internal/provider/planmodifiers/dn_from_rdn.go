package planmodifiers

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/types"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
	customtypes "github.com/isometry/terraform-provider-ldapdb/internal/provider/types"
)

// dnFromRDN plans the DN of an entry from its naming attribute, the value
// of that attribute and the parent DN.
type dnFromRDN struct {
	rdnAttribute string
	parentDN     string
	attributes   string
}

// DNFromRDN returns a plan modifier that computes the entry DN as
// `<rdn_attribute>=<value>,<parent_dn>` whenever all inputs are known. The
// prior state value is kept when it names the same entry, so server-side
// case normalization is not reported as a change.
func DNFromRDN() planmodifier.String {
	return dnFromRDN{
		rdnAttribute: "rdn_attribute",
		parentDN:     "parent_dn",
		attributes:   "attributes",
	}
}

func (m dnFromRDN) Description(_ context.Context) string {
	return "computes the DN from rdn_attribute, its value in attributes and parent_dn"
}

func (m dnFromRDN) MarkdownDescription(_ context.Context) string {
	return "computes the DN from `rdn_attribute`, its value in `attributes` and `parent_dn`"
}

func (m dnFromRDN) PlanModifyString(ctx context.Context, req planmodifier.StringRequest, resp *planmodifier.StringResponse) {
	// Destroy plans carry a null plan.
	if req.Plan.Raw.IsNull() {
		return
	}

	var rdnAttribute types.String
	var parentDN customtypes.DNStringValue
	var attributes types.Map
	resp.Diagnostics.Append(req.Plan.GetAttribute(ctx, path.Root(m.rdnAttribute), &rdnAttribute)...)
	resp.Diagnostics.Append(req.Plan.GetAttribute(ctx, path.Root(m.parentDN), &parentDN)...)
	resp.Diagnostics.Append(req.Plan.GetAttribute(ctx, path.Root(m.attributes), &attributes)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if rdnAttribute.IsUnknown() || parentDN.IsUnknown() || attributes.IsUnknown() ||
		rdnAttribute.IsNull() || parentDN.IsNull() || attributes.IsNull() {
		return
	}

	value, ok := rdnValue(ctx, attributes, rdnAttribute.ValueString())
	if !ok {
		return
	}

	dn, err := ldapclient.BuildDN(rdnAttribute.ValueString(), value, parentDN.ValueString())
	if err != nil {
		// Reported by the resource when it validates the configuration.
		return
	}

	if !req.StateValue.IsNull() && !req.StateValue.IsUnknown() && ldapclient.DNEqual(req.StateValue.ValueString(), dn) {
		resp.PlanValue = req.StateValue
		return
	}
	resp.PlanValue = types.StringValue(dn)
}

// rdnValue finds the single known value of name in attributes.
func rdnValue(ctx context.Context, attributes types.Map, name string) (string, bool) {
	for key, elem := range attributes.Elements() {
		if !strings.EqualFold(key, name) {
			continue
		}
		list, ok := elem.(types.List)
		if !ok || list.IsUnknown() || list.IsNull() {
			return "", false
		}
		var values []types.String
		if diags := list.ElementsAs(ctx, &values, false); diags.HasError() || len(values) != 1 {
			return "", false
		}
		if values[0].IsUnknown() || values[0].IsNull() {
			return "", false
		}
		return values[0].ValueString(), true
	}
	return "", false
}
