package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &RootDSEDataSource{}
var _ datasource.DataSourceWithConfigure = &RootDSEDataSource{}

func NewRootDSEDataSource() datasource.DataSource {
	return &RootDSEDataSource{}
}

// RootDSEDataSource reads the server's root DSE.
type RootDSEDataSource struct {
	client ldapclient.Client
}

// RootDSEDataSourceModel describes the data source data model.
type RootDSEDataSourceModel struct {
	ID                      types.String `tfsdk:"id"`
	NamingContexts          types.List   `tfsdk:"naming_contexts"`
	DefaultNamingContext    types.String `tfsdk:"default_naming_context"`
	SubschemaSubentry       types.String `tfsdk:"subschema_subentry"`
	VendorName              types.String `tfsdk:"vendor_name"`
	VendorVersion           types.String `tfsdk:"vendor_version"`
	SupportedControls       types.List   `tfsdk:"supported_controls"`
	SupportedExtensions     types.List   `tfsdk:"supported_extensions"`
	SupportedFeatures       types.List   `tfsdk:"supported_features"`
	SupportedSASLMechanisms types.List   `tfsdk:"supported_sasl_mechanisms"`
	SupportedLDAPVersions   types.List   `tfsdk:"supported_ldap_versions"`
	ServerSideSort          types.Bool   `tfsdk:"server_side_sort"`
	VirtualListView         types.Bool   `tfsdk:"virtual_list_view"`
	PagedResults            types.Bool   `tfsdk:"paged_results"`
	Transactions            types.Bool   `tfsdk:"transactions"`
}

func (d *RootDSEDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_root_dse"
}

func stringListAttribute(description string) schema.ListAttribute {
	return schema.ListAttribute{
		MarkdownDescription: description,
		Computed:            true,
		ElementType:         types.StringType,
	}
}

func (d *RootDSEDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Reads the root DSE of the directory server: its naming contexts, vendor and the controls and extended " +
			"operations it advertises. The capability flags show which search strategies `ldapdb_entries` can use.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The default naming context, or the first naming context when the server names no default.",
				Computed:            true,
			},
			"naming_contexts": stringListAttribute("The naming contexts held by the server."),
			"default_naming_context": schema.StringAttribute{
				MarkdownDescription: "The default naming context, when the server advertises one.",
				Computed:            true,
			},
			"subschema_subentry": schema.StringAttribute{
				MarkdownDescription: "The DN of the subschema entry.",
				Computed:            true,
			},
			"vendor_name": schema.StringAttribute{
				MarkdownDescription: "The server vendor.",
				Computed:            true,
			},
			"vendor_version": schema.StringAttribute{
				MarkdownDescription: "The server version.",
				Computed:            true,
			},
			"supported_controls":        stringListAttribute("OIDs of the supported controls."),
			"supported_extensions":      stringListAttribute("OIDs of the supported extended operations."),
			"supported_features":        stringListAttribute("OIDs of the supported features."),
			"supported_sasl_mechanisms": stringListAttribute("The supported SASL mechanisms."),
			"supported_ldap_versions": schema.ListAttribute{
				MarkdownDescription: "The supported LDAP protocol versions.",
				Computed:            true,
				ElementType:         types.Int64Type,
			},
			"server_side_sort": schema.BoolAttribute{
				MarkdownDescription: "Whether the server-side sort control (RFC 2891) is advertised.",
				Computed:            true,
			},
			"virtual_list_view": schema.BoolAttribute{
				MarkdownDescription: "Whether the virtual list view control is advertised.",
				Computed:            true,
			},
			"paged_results": schema.BoolAttribute{
				MarkdownDescription: "Whether the simple paged results control (RFC 2696) is advertised.",
				Computed:            true,
			},
			"transactions": schema.BoolAttribute{
				MarkdownDescription: "Whether LDAP transactions (RFC 5805) are advertised.",
				Computed:            true,
			},
		},
	}
}

func (d *RootDSEDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	// Prevent panic if the provider has not been configured.
	if req.ProviderData == nil {
		return
	}

	providerData, ok := req.ProviderData.(*ldapclient.ProviderData)
	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected Data Source Configure Type",
			fmt.Sprintf("Expected *ldapclient.ProviderData, got: %T. Please report this issue to the provider developers.", req.ProviderData),
		)
		return
	}

	d.client = providerData.Client
}

func (d *RootDSEDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data RootDSEDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	done := ldapclient.LogDataSourceOperation(ctx, "ldapdb_root_dse", "read", nil)
	dse, err := d.client.RootDSE(ctx)
	done(err)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Root DSE",
			fmt.Sprintf("Could not read the root DSE: %s", err.Error()),
		)
		return
	}

	tflog.Debug(ctx, "Read root DSE", map[string]any{
		"vendor":          dse.VendorName,
		"naming_contexts": dse.NamingContexts,
	})

	resp.Diagnostics.Append(mapRootDSE(ctx, dse, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func mapRootDSE(ctx context.Context, dse *ldapclient.RootDSE, data *RootDSEDataSourceModel) diag.Diagnostics {
	var diags diag.Diagnostics
	list := func(values []string) types.List {
		if values == nil {
			values = []string{}
		}
		l, d := types.ListValueFrom(ctx, types.StringType, values)
		diags.Append(d...)
		return l
	}

	id := dse.DefaultNamingContext
	if id == "" && len(dse.NamingContexts) > 0 {
		id = dse.NamingContexts[0]
	}
	data.ID = types.StringValue(id)
	data.NamingContexts = list(dse.NamingContexts)
	data.DefaultNamingContext = optionalString(dse.DefaultNamingContext)
	data.SubschemaSubentry = optionalString(dse.SubschemaSubentry)
	data.VendorName = optionalString(dse.VendorName)
	data.VendorVersion = optionalString(dse.VendorVersion)
	data.SupportedControls = list(dse.SupportedControls)
	data.SupportedExtensions = list(dse.SupportedExtensions)
	data.SupportedFeatures = list(dse.SupportedFeatures)
	data.SupportedSASLMechanisms = list(dse.SupportedSASLMechanisms)

	versions := make([]int64, len(dse.SupportedLDAPVersions))
	for i, v := range dse.SupportedLDAPVersions {
		versions[i] = int64(v)
	}
	l, d := types.ListValueFrom(ctx, types.Int64Type, versions)
	diags.Append(d...)
	data.SupportedLDAPVersions = l

	caps := ldapclient.CapabilitiesFromRootDSE(dse)
	data.ServerSideSort = types.BoolValue(dse.SupportsControl(ldapclient.OIDServerSideSorting))
	data.VirtualListView = types.BoolValue(dse.SupportsControl(ldapclient.OIDVirtualListView))
	data.PagedResults = types.BoolValue(caps.SimplePaging)
	data.Transactions = types.BoolValue(caps.Transactions)
	return diags
}
