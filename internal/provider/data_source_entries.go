package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/listvalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
	"github.com/isometry/terraform-provider-ldapdb/internal/provider/helpers"
	customtypes "github.com/isometry/terraform-provider-ldapdb/internal/provider/types"
	"github.com/isometry/terraform-provider-ldapdb/internal/provider/validators"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &EntriesDataSource{}
var _ datasource.DataSourceWithConfigure = &EntriesDataSource{}

func NewEntriesDataSource() datasource.DataSource {
	return &EntriesDataSource{}
}

// EntriesDataSource searches the directory.
type EntriesDataSource struct {
	data *ldapclient.ProviderData
}

// EntriesDataSourceModel describes the data source data model.
type EntriesDataSourceModel struct {
	ID         types.String              `tfsdk:"id"`
	BaseDN     customtypes.DNStringValue `tfsdk:"base_dn"`
	Scope      types.String              `tfsdk:"scope"`
	Filter     []EntryFilterModel        `tfsdk:"filter"`
	Attributes types.List                `tfsdk:"attributes"`
	OrderBy    types.List                `tfsdk:"order_by"`
	Limit      types.Int64               `tfsdk:"limit"`
	Offset     types.Int64               `tfsdk:"offset"`
	CountOnly  types.Bool                `tfsdk:"count_only"`

	Entries  types.List   `tfsdk:"entries"`
	Count    types.Int64  `tfsdk:"count"`
	Strategy types.String `tfsdk:"strategy"`
}

// EntryFilterModel is one condition; conditions are combined with AND.
type EntryFilterModel struct {
	Attribute types.String `tfsdk:"attribute"`
	Operator  types.String `tfsdk:"operator"`
	Value     types.String `tfsdk:"value"`
	Values    types.List   `tfsdk:"values"`
	Negate    types.Bool   `tfsdk:"negate"`
}

var entryObjectType = types.ObjectType{
	AttrTypes: map[string]attr.Type{
		"dn":         customtypes.DNStringType{},
		"attributes": helpers.AttributeMapType,
	},
}

func (d *EntriesDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_entries"
}

func (d *EntriesDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Searches the directory. Results can be filtered, ordered and sliced; ordering and slicing use the " +
			"server-side sort and virtual list view controls when the server supports them, and are applied client-side otherwise.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "Identifier of the search: base DN, scope and compiled filter.",
				Computed:            true,
			},
			"base_dn": schema.StringAttribute{
				MarkdownDescription: "The DN to search from. Defaults to the provider `base_dn`.",
				Optional:            true,
				CustomType:          customtypes.DNStringType{},
				Validators: []validator.String{
					validators.IsValidDN(),
				},
			},
			"scope": schema.StringAttribute{
				MarkdownDescription: "Search scope: `base`, `one` or `subtree` (default).",
				Optional:            true,
				Validators: []validator.String{
					validators.CaseInsensitiveOneOf("base", "one", "onelevel", "sub", "subtree"),
				},
			},
			"filter": schema.ListNestedAttribute{
				MarkdownDescription: "Conditions every returned entry must satisfy.",
				Optional:            true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"attribute": schema.StringAttribute{
							MarkdownDescription: "The attribute to test.",
							Required:            true,
							Validators: []validator.String{
								validators.IsAttributeName(),
							},
						},
						"operator": schema.StringAttribute{
							MarkdownDescription: "The comparison: one of " + markdownList(ldapclient.OperatorNames()) + ". Defaults to `exact`.",
							Optional:            true,
							Validators: []validator.String{
								stringvalidator.OneOf(ldapclient.OperatorNames()...),
							},
						},
						"value": schema.StringAttribute{
							MarkdownDescription: "The operand. For `isnull` it is `true` (default) or `false`; `present` takes none.",
							Optional:            true,
							Validators: []validator.String{
								stringvalidator.ConflictsWith(path.MatchRelative().AtParent().AtName("values")),
							},
						},
						"values": schema.ListAttribute{
							MarkdownDescription: "The operands of an `in` condition.",
							Optional:            true,
							ElementType:         types.StringType,
						},
						"negate": schema.BoolAttribute{
							MarkdownDescription: "Match entries that do not satisfy the condition.",
							Optional:            true,
						},
					},
				},
			},
			"attributes": schema.ListAttribute{
				MarkdownDescription: "Attributes to return. When omitted every attribute the server returns is included, operational attributes too.",
				Optional:            true,
				ElementType:         types.StringType,
				Validators: []validator.List{
					listvalidator.ValueStringsAre(validators.IsAttributeName()),
					listvalidator.UniqueValues(),
				},
			},
			"order_by": schema.ListAttribute{
				MarkdownDescription: "Attributes to order by. Prefix a name with `-` for descending order.",
				Optional:            true,
				ElementType:         types.StringType,
				Validators: []validator.List{
					listvalidator.ValueStringsAre(validators.IsOrderingField()),
				},
			},
			"limit": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of entries to return.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"offset": schema.Int64Attribute{
				MarkdownDescription: "Number of leading entries to skip.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"count_only": schema.BoolAttribute{
				MarkdownDescription: "Only count the matching entries; `entries` is left empty.",
				Optional:            true,
			},
			"entries": schema.ListNestedAttribute{
				MarkdownDescription: "The matching entries, in the requested order.",
				Computed:            true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"dn": schema.StringAttribute{
							MarkdownDescription: "The distinguished name of the entry.",
							Computed:            true,
							CustomType:          customtypes.DNStringType{},
						},
						"attributes": schema.MapAttribute{
							MarkdownDescription: "Attribute values keyed by attribute name.",
							Computed:            true,
							ElementType:         helpers.AttributeMapType.ElemType,
						},
					},
				},
			},
			"count": schema.Int64Attribute{
				MarkdownDescription: "The number of matching entries after slicing.",
				Computed:            true,
			},
			"strategy": schema.StringAttribute{
				MarkdownDescription: "How the search ran: `no_control`, `simple_paging` or `sort_and_window`.",
				Computed:            true,
			},
		},
	}
}

func markdownList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "`" + v + "`"
	}
	return strings.Join(quoted, ", ")
}

func (d *EntriesDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
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

	d.data = providerData
}

func (d *EntriesDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data EntriesDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	q, diags := d.buildQuery(ctx, &data)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	done := ldapclient.LogDataSourceOperation(ctx, "ldapdb_entries", "read", map[string]any{
		"base_dn":    q.BaseDN,
		"scope":      q.Scope.String(),
		"columns":    q.Columns,
		"limit":      q.Limit,
		"offset":     q.Offset,
		"count_only": q.Count,
	})

	var result *searchResult
	err := d.data.Query(ctx, q, func(c *ldapclient.Cursor) error {
		var err error
		result, err = collectSearchResult(c)
		return err
	})
	done(err)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Searching Directory",
			fmt.Sprintf("Could not search %s: %s", q.BaseDN, err.Error()),
		)
		return
	}

	tflog.Debug(ctx, "Directory search complete", map[string]any{
		"count":    result.count,
		"strategy": result.strategy,
	})

	entries, diags := flattenEntries(ctx, result.entries)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.ID = types.StringValue(fmt.Sprintf("%s|%s|%s", q.BaseDN, q.Scope.String(), result.filter))
	data.Entries = entries
	data.Count = types.Int64Value(int64(result.count))
	data.Strategy = types.StringValue(result.strategy)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// buildQuery translates the configuration into a directory query.
func (d *EntriesDataSource) buildQuery(ctx context.Context, data *EntriesDataSourceModel) (*ldapclient.Query, diag.Diagnostics) {
	var diags diag.Diagnostics

	baseDN := data.BaseDN.ValueString()
	if baseDN == "" && d.data != nil {
		baseDN = d.data.BaseDN
	}
	if baseDN == "" {
		diags.AddAttributeError(path.Root("base_dn"), "Missing Base DN",
			"Set base_dn on the data source or on the provider.")
		return nil, diags
	}

	scope, err := ldapclient.ParseSearchScope(data.Scope.ValueString())
	if err != nil {
		diags.AddAttributeError(path.Root("scope"), "Invalid Search Scope", err.Error())
		return nil, diags
	}

	where, d2 := buildFilterPredicate(ctx, data.Filter)
	diags.Append(d2...)

	columns, d2 := helpers.ExpandStrings(ctx, data.Attributes)
	diags.Append(d2...)
	orderBy, d2 := helpers.ExpandStrings(ctx, data.OrderBy)
	diags.Append(d2...)
	if diags.HasError() {
		return nil, diags
	}

	q := &ldapclient.Query{
		BaseDN: baseDN,
		Scope:  &scope,
		Where:  where,
		Limit:  int(data.Limit.ValueInt64()),
		Offset: int(data.Offset.ValueInt64()),
		Count:  data.CountOnly.ValueBool(),
	}
	if len(columns) > 0 {
		q.Columns = append([]string{ldapclient.DNColumn}, columns...)
	}
	for _, field := range orderBy {
		q.OrderBy = append(q.OrderBy, ldapclient.ParseOrderBy(field))
	}
	return q, diags
}

// buildFilterPredicate combines the filter conditions with AND. No
// conditions yields nil, which matches every entry.
func buildFilterPredicate(ctx context.Context, filters []EntryFilterModel) (*ldapclient.Predicate, diag.Diagnostics) {
	var diags diag.Diagnostics
	if len(filters) == 0 {
		return nil, diags
	}

	children := make([]*ldapclient.Predicate, 0, len(filters))
	for i, f := range filters {
		at := path.Root("filter").AtListIndex(i)

		opName := f.Operator.ValueString()
		if opName == "" {
			opName = "exact"
		}
		op, err := ldapclient.ParseOperator(opName)
		if err != nil {
			diags.AddAttributeError(at.AtName("operator"), "Invalid Filter Operator", err.Error())
			continue
		}

		value, err := filterOperand(ctx, op, f)
		if err != nil {
			diags.AddAttributeError(at, "Invalid Filter Value", err.Error())
			continue
		}

		node := ldapclient.Compare(f.Attribute.ValueString(), op, value)
		if f.Negate.ValueBool() {
			node = ldapclient.Not(node)
		}
		children = append(children, node)
	}
	if diags.HasError() {
		return nil, diags
	}
	if len(children) == 1 {
		return children[0], diags
	}
	return ldapclient.And(children...), diags
}

// filterOperand picks the operand shape an operator expects.
func filterOperand(ctx context.Context, op ldapclient.Operator, f EntryFilterModel) (any, error) {
	switch op {
	case ldapclient.OpPresent:
		return nil, nil
	case ldapclient.OpIsNull:
		if f.Value.IsNull() || f.Value.ValueString() == "" {
			return true, nil
		}
		null, err := strconv.ParseBool(f.Value.ValueString())
		if err != nil {
			return nil, fmt.Errorf("isnull expects true or false, got %q", f.Value.ValueString())
		}
		return null, nil
	case ldapclient.OpIn:
		if f.Values.IsNull() {
			if f.Value.IsNull() {
				return nil, fmt.Errorf("in on %q needs values", f.Attribute.ValueString())
			}
			return []string{f.Value.ValueString()}, nil
		}
		values, diags := helpers.ExpandStrings(ctx, f.Values)
		if diags.HasError() {
			return nil, fmt.Errorf("could not read values of %q", f.Attribute.ValueString())
		}
		if values == nil {
			values = []string{}
		}
		return values, nil
	default:
		if !f.Values.IsNull() {
			return nil, fmt.Errorf("%s on %q takes a single value, not values", op, f.Attribute.ValueString())
		}
		if f.Value.IsNull() {
			return nil, fmt.Errorf("%s on %q needs a value", op, f.Attribute.ValueString())
		}
		return f.Value.ValueString(), nil
	}
}

// searchResult is what a cursor produced, detached from the session.
type searchResult struct {
	entries  []resultEntry
	count    int
	strategy string
	filter   string
}

type resultEntry struct {
	dn         string
	attributes map[string][]string
}

// collectSearchResult reads every row of an executed cursor. Projected
// searches are read from the rows; searches without a projection return
// every attribute of the entries behind them.
func collectSearchResult(c *ldapclient.Cursor) (*searchResult, error) {
	req := c.Request()
	result := &searchResult{
		strategy: req.Strategy.String(),
		filter:   req.Filter,
	}

	if req.Count {
		row, err := c.FetchOne()
		if err != nil {
			return nil, err
		}
		if row != nil {
			if n, ok := row[0].(int); ok {
				result.count = n
			}
		}
		return result, nil
	}

	columns := c.Description()
	if len(columns) <= 1 {
		for _, e := range c.Entries() {
			result.entries = append(result.entries, entryAttributes(e))
		}
		result.count = len(result.entries)
		return result, nil
	}

	for row, err := range c.Rows() {
		if err != nil {
			return nil, err
		}
		entry := resultEntry{attributes: make(map[string][]string, len(columns)-1)}
		for i, name := range columns {
			if name == ldapclient.DNColumn {
				entry.dn = fmt.Sprint(row[i])
				continue
			}
			if values := helpers.AnyToStrings(row[i]); len(values) > 0 {
				entry.attributes[name] = values
			}
		}
		result.entries = append(result.entries, entry)
	}
	result.count = len(result.entries)
	return result, nil
}

func entryAttributes(e *ldap.Entry) resultEntry {
	entry := resultEntry{dn: e.DN, attributes: make(map[string][]string, len(e.Attributes))}
	for _, a := range e.Attributes {
		if len(a.Values) > 0 {
			entry.attributes[a.Name] = append(entry.attributes[a.Name], a.Values...)
		}
	}
	return entry
}

func flattenEntries(ctx context.Context, entries []resultEntry) (types.List, diag.Diagnostics) {
	var diags diag.Diagnostics
	values := make([]attr.Value, 0, len(entries))
	for _, e := range entries {
		attributes, d := helpers.FlattenAttributeMap(ctx, e.attributes)
		diags.Append(d...)
		obj, d := types.ObjectValue(entryObjectType.AttrTypes, map[string]attr.Value{
			"dn":         customtypes.DNString(e.dn),
			"attributes": attributes,
		})
		diags.Append(d...)
		values = append(values, obj)
	}
	if diags.HasError() {
		return types.ListNull(entryObjectType), diags
	}
	list, d := types.ListValue(entryObjectType, values)
	diags.Append(d...)
	return list, diags
}
