package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework-validators/mapvalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/setvalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
	"github.com/isometry/terraform-provider-ldapdb/internal/provider/helpers"
	"github.com/isometry/terraform-provider-ldapdb/internal/provider/planmodifiers"
	customtypes "github.com/isometry/terraform-provider-ldapdb/internal/provider/types"
	"github.com/isometry/terraform-provider-ldapdb/internal/provider/validators"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ resource.Resource = &EntryResource{}
var _ resource.ResourceWithConfigure = &EntryResource{}
var _ resource.ResourceWithImportState = &EntryResource{}

func NewEntryResource() resource.Resource {
	return &EntryResource{}
}

// EntryResource manages a single directory entry.
type EntryResource struct {
	data *ldapclient.ProviderData
}

// EntryResourceModel describes the resource data model.
type EntryResourceModel struct {
	ID                  types.String                   `tfsdk:"id"`
	DN                  customtypes.DNStringValue      `tfsdk:"dn"`
	RDNAttribute        types.String                   `tfsdk:"rdn_attribute"`
	ParentDN            customtypes.DNStringValue      `tfsdk:"parent_dn"`
	ObjectClasses       customtypes.FoldStringSetValue `tfsdk:"object_classes"`
	Attributes          types.Map                      `tfsdk:"attributes"`
	MultiValuedStrategy types.Map                      `tfsdk:"multi_valued_strategy"`
}

func (r *EntryResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_entry"
}

func (r *EntryResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Manages a single LDAP directory entry. The entry is named `<rdn_attribute>=<value>,<parent_dn>`, " +
			"where the value is the single value of `rdn_attribute` in `attributes`. Changing that value renames the entry in place.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The distinguished name of the entry.",
				Computed:            true,
				PlanModifiers: []planmodifier.String{
					planmodifiers.DNFromRDN(),
				},
			},
			"dn": schema.StringAttribute{
				MarkdownDescription: "The distinguished name of the entry, computed from `rdn_attribute`, its value and `parent_dn`.",
				Computed:            true,
				CustomType:          customtypes.DNStringType{},
				PlanModifiers: []planmodifier.String{
					planmodifiers.DNFromRDN(),
				},
			},
			"rdn_attribute": schema.StringAttribute{
				MarkdownDescription: "The naming attribute of the entry, such as `uid`, `cn` or `ou`. Changing it forces a new entry.",
				Required:            true,
				Validators: []validator.String{
					validators.IsAttributeName(),
				},
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"parent_dn": schema.StringAttribute{
				MarkdownDescription: "The distinguished name of the container holding the entry (e.g., `ou=people,dc=example,dc=org`). Changing it forces a new entry.",
				Required:            true,
				CustomType:          customtypes.DNStringType{},
				Validators: []validator.String{
					validators.IsValidDN(),
				},
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"object_classes": schema.SetAttribute{
				MarkdownDescription: "The object classes of the entry. Compared case-insensitively.",
				Required:            true,
				ElementType:         types.StringType,
				CustomType:          customtypes.NewFoldStringSetType(),
				Validators: []validator.Set{
					setvalidator.SizeAtLeast(1),
					setvalidator.ValueStringsAre(stringvalidator.LengthAtLeast(1)),
				},
			},
			"attributes": schema.MapAttribute{
				MarkdownDescription: "Attribute values keyed by attribute name. Must include the single value of `rdn_attribute`. " +
					"Attributes removed from this map are removed from the entry. `objectClass` is managed through `object_classes`.",
				Required:    true,
				ElementType: helpers.AttributeMapType.ElemType,
				Validators: []validator.Map{
					mapvalidator.SizeAtLeast(1),
					mapvalidator.KeysAre(validators.IsAttributeName()),
				},
			},
			"multi_valued_strategy": schema.MapAttribute{
				MarkdownDescription: "How changes to a multi-valued attribute are written, keyed by attribute name: `replace` (default) " +
					"rewrites every value, `add_delete` adds and deletes only the values that changed.",
				Optional:    true,
				ElementType: types.StringType,
				Validators: []validator.Map{
					mapvalidator.KeysAre(validators.IsAttributeName()),
					mapvalidator.ValueStringsAre(validators.CaseInsensitiveOneOf("replace", "add_delete")),
				},
			},
		},
	}
}

func (r *EntryResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	// Prevent panic if the provider has not been configured.
	if req.ProviderData == nil {
		return
	}

	providerData, ok := req.ProviderData.(*ldapclient.ProviderData)
	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected Resource Configure Type",
			fmt.Sprintf("Expected *ldapclient.ProviderData, got: %T. Please report this issue to the provider developers.", req.ProviderData),
		)
		return
	}

	r.data = providerData
}

// spec converts the Terraform model into its directory form.
func (r *EntryResource) spec(ctx context.Context, data *EntryResourceModel) (*entrySpec, diag.Diagnostics) {
	var diags diag.Diagnostics

	attributes, d := helpers.ExpandAttributeMap(ctx, data.Attributes)
	diags.Append(d...)
	objectClasses, d := helpers.ExpandStrings(ctx, data.ObjectClasses.SetValue)
	diags.Append(d...)
	strategies, d := helpers.ExpandStringMap(ctx, data.MultiValuedStrategy)
	diags.Append(d...)
	if diags.HasError() {
		return nil, diags
	}

	spec, err := newEntrySpec(data.RDNAttribute.ValueString(), data.ParentDN.ValueString(), objectClasses, attributes, strategies)
	if err != nil {
		diags.AddAttributeError(path.Root("attributes"), "Invalid Entry Configuration", err.Error())
		return nil, diags
	}
	return spec, diags
}

func (r *EntryResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data EntryResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	spec, diags := r.spec(ctx, &data)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	model, err := spec.model(nil)
	if err != nil {
		resp.Diagnostics.AddError("Invalid Entry Configuration", err.Error())
		return
	}

	done := ldapclient.LogResourceOperation(ctx, "ldapdb_entry", "create", map[string]any{
		"rdn_attribute": spec.rdnAttribute,
		"parent_dn":     spec.parentDN,
	})

	var dn string
	err = r.data.Write(ctx, model, func(ctx context.Context, w *ldapclient.Writer) error {
		var err error
		dn, err = w.Insert(ctx, spec.insertValues())
		return err
	})
	done(err)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Creating Entry",
			"Could not create directory entry, unexpected error: "+err.Error(),
		)
		return
	}

	tflog.Debug(ctx, "Created LDAP entry", map[string]any{"dn": dn})

	setEntryDN(&data, dn)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// setEntryDN records dn unless the model already names the same entry.
func setEntryDN(data *EntryResourceModel, dn string) {
	if !data.DN.IsUnknown() && !data.DN.IsNull() && ldapclient.DNEqual(data.DN.ValueString(), dn) {
		data.ID = types.StringValue(data.DN.ValueString())
		return
	}
	data.DN = customtypes.DNString(dn)
	data.ID = types.StringValue(dn)
}

func (r *EntryResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var data EntryResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	tflog.Debug(ctx, "Reading LDAP entry", map[string]any{"dn": data.DN.ValueString()})

	prior, diags := helpers.ExpandAttributeMap(ctx, data.Attributes)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	entry, err := r.readEntry(ctx, data.DN.ValueString(), helpers.SortedKeys(prior))
	if err != nil {
		if ldapclient.IsNotFoundError(err) {
			tflog.Debug(ctx, "LDAP entry no longer exists, removing from state", map[string]any{"dn": data.DN.ValueString()})
			resp.State.RemoveResource(ctx)
			return
		}
		resp.Diagnostics.AddError(
			"Error Reading Entry",
			fmt.Sprintf("Could not read directory entry %s: %s", data.DN.ValueString(), err.Error()),
		)
		return
	}
	if entry == nil {
		tflog.Debug(ctx, "LDAP entry no longer exists, removing from state", map[string]any{"dn": data.DN.ValueString()})
		resp.State.RemoveResource(ctx)
		return
	}

	current := make(map[string][]string, len(entry.attributes))
	for name, values := range entry.attributes {
		current[name] = reconcileValues(prior[name], values)
	}
	attributes, diags := helpers.FlattenAttributeMap(ctx, current)
	resp.Diagnostics.Append(diags...)
	objectClasses, diags := customtypes.FoldStringSet(ctx, entry.objectClasses)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	setEntryDN(&data, entry.dn)
	data.Attributes = attributes
	data.ObjectClasses = objectClasses

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// entryState is an entry as read back from the directory.
type entryState struct {
	dn            string
	objectClasses []string
	attributes    map[string][]string
}

// readEntry fetches dn with the named attributes. Attributes without
// values on the server are omitted. A missing entry yields nil or a
// not-found error.
func (r *EntryResource) readEntry(ctx context.Context, dn string, names []string) (*entryState, error) {
	scope := ldapclient.ScopeBaseObject
	q := &ldapclient.Query{
		BaseDN:  dn,
		Scope:   &scope,
		Columns: append([]string{ldapclient.DNColumn, objectClassAttribute}, names...),
	}

	var state *entryState
	err := r.data.Query(ctx, q, func(c *ldapclient.Cursor) error {
		row, err := c.FetchOne()
		if err != nil || row == nil {
			return err
		}
		state = &entryState{
			dn:            fmt.Sprint(row[0]),
			objectClasses: helpers.AnyToStrings(row[1]),
			attributes:    make(map[string][]string, len(names)),
		}
		for i, name := range names {
			if values := helpers.AnyToStrings(row[i+2]); len(values) > 0 {
				state.attributes[name] = values
			}
		}
		return nil
	})
	return state, err
}

func (r *EntryResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var data, state EntryResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	spec, diags := r.spec(ctx, &data)
	resp.Diagnostics.Append(diags...)
	prior, diags := helpers.ExpandAttributeMap(ctx, state.Attributes)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	removed := removedAttributes(prior, spec.attributes)
	model, err := spec.model(removed)
	if err != nil {
		resp.Diagnostics.AddError("Invalid Entry Configuration", err.Error())
		return
	}

	currentDN := state.DN.ValueString()
	done := ldapclient.LogResourceOperation(ctx, "ldapdb_entry", "update", map[string]any{
		"dn":      currentDN,
		"removed": removed,
	})

	var n int
	var newDN string
	err = r.data.Write(ctx, model, func(ctx context.Context, w *ldapclient.Writer) error {
		var err error
		n, newDN, err = w.UpdateDN(ctx, currentDN, spec.updateValues(removed))
		return err
	})
	done(err)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Updating Entry",
			"Could not update directory entry, unexpected error: "+err.Error(),
		)
		return
	}
	if n == 0 {
		resp.Diagnostics.AddError(
			"Error Updating Entry",
			fmt.Sprintf("Directory entry %s no longer exists. Refresh the state to recreate it.", currentDN),
		)
		return
	}

	tflog.Debug(ctx, "Updated LDAP entry", map[string]any{"dn": newDN})

	setEntryDN(&data, newDN)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *EntryResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var data EntryResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	dn := data.DN.ValueString()
	model := &ldapclient.Model{Name: "ldapdb_entry", BaseDN: data.ParentDN.ValueString()}
	done := ldapclient.LogResourceOperation(ctx, "ldapdb_entry", "delete", map[string]any{"dn": dn})

	var n int
	err := r.data.Write(ctx, model, func(ctx context.Context, w *ldapclient.Writer) error {
		var err error
		n, err = w.DeleteDN(ctx, dn)
		return err
	})
	done(err)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Deleting Entry",
			"Could not delete directory entry, unexpected error: "+err.Error(),
		)
		return
	}

	tflog.Debug(ctx, "Deleted LDAP entry", map[string]any{"dn": dn, "deleted": n})
}

// ImportState accepts the DN of an existing entry. Only the naming
// attribute is imported; other attributes are tracked once configured.
func (r *EntryResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	importID := strings.TrimSpace(req.ID)

	tflog.Debug(ctx, "Importing LDAP entry", map[string]any{"import_id": importID})

	rdnAttribute, value, parent, err := ldapclient.SplitRDN(importID)
	if err != nil {
		resp.Diagnostics.AddError(
			"Invalid Import ID",
			fmt.Sprintf("The import ID must be the distinguished name of an entry, got %q: %s", importID, err.Error()),
		)
		return
	}

	attributes, diags := helpers.FlattenAttributeMap(ctx, map[string][]string{rdnAttribute: {ldapclient.UnescapeDNValue(value)}})
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("id"), importID)...)
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("dn"), customtypes.DNString(importID))...)
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("rdn_attribute"), rdnAttribute)...)
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("parent_dn"), customtypes.DNString(parent))...)
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("attributes"), attributes)...)
}
