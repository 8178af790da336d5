package provider

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/providervalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
)

// Ensure LDAPDBProvider satisfies various provider interfaces.
var _ provider.Provider = &LDAPDBProvider{}
var _ provider.ProviderWithConfigValidators = &LDAPDBProvider{}

// LDAPDBProvider defines the provider implementation.
type LDAPDBProvider struct {
	// Version is set to the provider version on release, "dev" when the
	// provider is built and ran locally, and "test" when running acceptance
	// testing.
	Version string

	// registry collects the directory metrics of this provider instance.
	registry *prometheus.Registry
}

// LDAPDBProviderModel describes the provider data model.
type LDAPDBProviderModel struct {
	// Connection settings - mutually exclusive
	Domain  types.String `tfsdk:"domain"`
	LdapURL types.String `tfsdk:"ldap_url"`
	BaseDN  types.String `tfsdk:"base_dn"`

	// Authentication settings
	Username types.String `tfsdk:"username"`
	Password types.String `tfsdk:"password"`

	// Kerberos settings (optional)
	KerberosRealm  types.String `tfsdk:"kerberos_realm"`
	KerberosKeytab types.String `tfsdk:"kerberos_keytab"`
	KerberosConfig types.String `tfsdk:"kerberos_config"`
	KerberosCCache types.String `tfsdk:"kerberos_ccache"`
	KerberosSPN    types.String `tfsdk:"kerberos_spn"`

	// TLS settings
	UseTLS            types.Bool   `tfsdk:"use_tls"`
	SkipTLSVerify     types.Bool   `tfsdk:"skip_tls_verify"`
	TLSCACertFile     types.String `tfsdk:"tls_ca_cert_file"`
	TLSCACert         types.String `tfsdk:"tls_ca_cert"`
	TLSClientCertFile types.String `tfsdk:"tls_client_cert_file"`
	TLSClientKeyFile  types.String `tfsdk:"tls_client_key_file"`

	// Connection pool settings
	MaxConnections types.Int64 `tfsdk:"max_connections"`
	MaxIdleTime    types.Int64 `tfsdk:"max_idle_time"`
	ConnectTimeout types.Int64 `tfsdk:"connect_timeout"`

	// Retry settings
	MaxRetries     types.Int64 `tfsdk:"max_retries"`
	InitialBackoff types.Int64 `tfsdk:"initial_backoff"`
	MaxBackoff     types.Int64 `tfsdk:"max_backoff"`

	// Search and write settings
	PageSize        types.Int64 `tfsdk:"page_size"`
	UseTransactions types.Bool  `tfsdk:"use_transactions"`
}

func (p *LDAPDBProvider) Metadata(ctx context.Context, req provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "ldapdb"
	resp.Version = p.Version
}

func (p *LDAPDBProvider) Schema(ctx context.Context, req provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "The LDAPDB provider manages entries of any LDAPv3 directory. Searches are compiled to LDAP filters and run " +
			"with server-side sorting and virtual list views, simple paging or plain searches, depending on what the server supports.",
		Attributes: map[string]schema.Attribute{
			// Connection settings - mutually exclusive
			"domain": schema.StringAttribute{
				MarkdownDescription: "DNS domain for SRV-based server discovery (`_ldap._tcp.<domain>`). " +
					"Mutually exclusive with `ldap_url`. Can be set via the `LDAPDB_DOMAIN` environment variable.",
				Optional: true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"ldap_url": schema.StringAttribute{
				MarkdownDescription: "Direct LDAP/LDAPS URL (e.g., `ldaps://ldap.example.org:636`). " +
					"Mutually exclusive with `domain`. Can be set via the `LDAPDB_LDAP_URL` environment variable.",
				Optional: true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"base_dn": schema.StringAttribute{
				MarkdownDescription: "Default base DN for searches (e.g., `dc=example,dc=org`). " +
					"If not specified, it is discovered from the root DSE. " +
					"Can be set via the `LDAPDB_BASE_DN` environment variable.",
				Optional: true,
			},

			// Authentication settings
			"username": schema.StringAttribute{
				MarkdownDescription: "Bind DN, or user name for Kerberos authentication. " +
					"Can be set via the `LDAPDB_USERNAME` environment variable.",
				Optional: true,
			},
			"password": schema.StringAttribute{
				MarkdownDescription: "Password for LDAP authentication. " +
					"Can be set via the `LDAPDB_PASSWORD` environment variable.",
				Optional:  true,
				Sensitive: true,
			},

			// Kerberos settings
			"kerberos_realm": schema.StringAttribute{
				MarkdownDescription: "Kerberos realm for GSSAPI authentication (e.g., `EXAMPLE.ORG`). " +
					"Can be set via the `LDAPDB_KERBEROS_REALM` environment variable.",
				Optional: true,
			},
			"kerberos_keytab": schema.StringAttribute{
				MarkdownDescription: "Path to Kerberos keytab file for authentication. " +
					"Can be set via the `LDAPDB_KERBEROS_KEYTAB` environment variable.",
				Optional: true,
			},
			"kerberos_config": schema.StringAttribute{
				MarkdownDescription: "Path to Kerberos configuration file. Defaults to system default. " +
					"Can be set via the `LDAPDB_KERBEROS_CONFIG` environment variable.",
				Optional: true,
			},
			"kerberos_ccache": schema.StringAttribute{
				MarkdownDescription: "Path to Kerberos credential cache file. " +
					"When specified, existing Kerberos tickets are used for authentication. " +
					"Can be set via the `LDAPDB_KERBEROS_CCACHE` environment variable.",
				Optional: true,
			},
			"kerberos_spn": schema.StringAttribute{
				MarkdownDescription: "Override Service Principal Name (SPN) for Kerberos authentication, as `ldap/<hostname>`. " +
					"Use when connecting by IP address. " +
					"Can be set via the `LDAPDB_KERBEROS_SPN` environment variable.",
				Optional: true,
			},

			// TLS settings
			"use_tls": schema.BoolAttribute{
				MarkdownDescription: "Force TLS/LDAPS connection. Defaults to `true`. " +
					"Can be set via the `LDAPDB_USE_TLS` environment variable.",
				Optional: true,
			},
			"skip_tls_verify": schema.BoolAttribute{
				MarkdownDescription: "Skip TLS certificate verification. Not recommended for production. Defaults to `false`. " +
					"Can be set via the `LDAPDB_SKIP_TLS_VERIFY` environment variable.",
				Optional: true,
			},
			"tls_ca_cert_file": schema.StringAttribute{
				MarkdownDescription: "Path to custom CA certificate file for TLS verification. " +
					"Can be set via the `LDAPDB_TLS_CA_CERT_FILE` environment variable.",
				Optional: true,
			},
			"tls_ca_cert": schema.StringAttribute{
				MarkdownDescription: "Custom CA certificate content for TLS verification. " +
					"Can be set via the `LDAPDB_TLS_CA_CERT` environment variable.",
				Optional:  true,
				Sensitive: true,
			},
			"tls_client_cert_file": schema.StringAttribute{
				MarkdownDescription: "Path to client certificate file for mutual TLS authentication. " +
					"Can be set via the `LDAPDB_TLS_CLIENT_CERT_FILE` environment variable.",
				Optional: true,
			},
			"tls_client_key_file": schema.StringAttribute{
				MarkdownDescription: "Path to client private key file for mutual TLS authentication. " +
					"Can be set via the `LDAPDB_TLS_CLIENT_KEY_FILE` environment variable.",
				Optional:  true,
				Sensitive: true,
			},

			// Connection pool settings
			"max_connections": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of connections in the connection pool. Defaults to `10`. " +
					"Can be set via the `LDAPDB_MAX_CONNECTIONS` environment variable.",
				Optional: true,
				Validators: []validator.Int64{
					int64validator.Between(1, ldapclient.MaxConnectionPoolLimit),
				},
			},
			"max_idle_time": schema.Int64Attribute{
				MarkdownDescription: "Maximum idle time for connections in seconds. Defaults to `300` (5 minutes). " +
					"Can be set via the `LDAPDB_MAX_IDLE_TIME` environment variable.",
				Optional: true,
			},
			"connect_timeout": schema.Int64Attribute{
				MarkdownDescription: "Connection timeout in seconds. Defaults to `30`. " +
					"Can be set via the `LDAPDB_CONNECT_TIMEOUT` environment variable.",
				Optional: true,
			},

			// Retry settings
			"max_retries": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of retry attempts for connecting and binding. Defaults to `3`. " +
					"Can be set via the `LDAPDB_MAX_RETRIES` environment variable.",
				Optional: true,
			},
			"initial_backoff": schema.Int64Attribute{
				MarkdownDescription: "Initial backoff delay in milliseconds for retry attempts. Defaults to `500`. " +
					"Can be set via the `LDAPDB_INITIAL_BACKOFF` environment variable.",
				Optional: true,
			},
			"max_backoff": schema.Int64Attribute{
				MarkdownDescription: "Maximum backoff delay in seconds for retry attempts. Defaults to `30`. " +
					"Can be set via the `LDAPDB_MAX_BACKOFF` environment variable.",
				Optional: true,
			},

			// Search and write settings
			"page_size": schema.Int64Attribute{
				MarkdownDescription: "Page size for simple paged searches. Defaults to `1000`. " +
					"Can be set via the `LDAPDB_PAGE_SIZE` environment variable.",
				Optional: true,
				Validators: []validator.Int64{
					int64validator.Between(1, 1<<31-1),
				},
			},
			"use_transactions": schema.BoolAttribute{
				MarkdownDescription: "Run each write inside an LDAP transaction (RFC 5805). Servers without transaction support " +
					"fall back to plain writes. Defaults to `false`. " +
					"Can be set via the `LDAPDB_USE_TRANSACTIONS` environment variable.",
				Optional: true,
			},
		},
	}
}

// ConfigValidators implements provider.ProviderWithConfigValidators.
func (p *LDAPDBProvider) ConfigValidators(ctx context.Context) []provider.ConfigValidator {
	return []provider.ConfigValidator{
		providervalidator.Conflicting(
			path.MatchRoot("domain"),
			path.MatchRoot("ldap_url"),
		),
		providervalidator.Conflicting(
			path.MatchRoot("tls_ca_cert_file"),
			path.MatchRoot("tls_ca_cert"),
		),
		providervalidator.RequiredTogether(
			path.MatchRoot("tls_client_cert_file"),
			path.MatchRoot("tls_client_key_file"),
		),
	}
}

func (p *LDAPDBProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var data LDAPDBProviderModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	ctx = p.configureLogging(ctx)

	tflog.Info(ctx, "Configuring LDAPDB provider", map[string]any{
		"version": p.Version,
	})

	config := p.buildLDAPConfig(&data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	var registerer prometheus.Registerer
	if p.registry != nil {
		registerer = p.registry
	}
	metrics, err := ldapclient.NewMetrics(registerer)
	if err != nil {
		resp.Diagnostics.AddError(
			"Unable to Register Metrics",
			"An unexpected error occurred when registering directory metrics: "+err.Error(),
		)
		return
	}

	start := time.Now()
	client, err := ldapclient.NewClientWithContext(ctx, config, ldapclient.WithClientMetrics(metrics))
	if err != nil {
		tflog.Error(ctx, "Failed to create LDAP client", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		resp.Diagnostics.AddError(
			"Unable to Create LDAP Client",
			"An unexpected error occurred when creating the LDAP client. "+
				"If the error is not clear, please contact the provider developers.\n\n"+
				"LDAP Client Error: "+err.Error(),
		)
		return
	}

	start = time.Now()
	if err := client.Connect(ctx); err != nil {
		tflog.Error(ctx, "Connection test failed", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		resp.Diagnostics.AddError(
			"Unable to Connect to Directory",
			"The provider could not establish a connection to the directory server. "+
				"Please verify your configuration settings.\n\n"+
				"Connection Error: "+err.Error(),
		)
		return
	}

	tflog.Info(ctx, "Connection established successfully", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if config.HasAuthentication() {
		start = time.Now()
		if err := client.BindWithConfig(ctx); err != nil {
			tflog.Error(ctx, "Authentication test failed", map[string]any{
				"error":       err.Error(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			resp.Diagnostics.AddError(
				"Authentication Failed",
				"The provider could not authenticate with the directory server. "+
					"Please verify your authentication credentials and settings.\n\n"+
					"Authentication Error: "+err.Error(),
			)
			return
		}
		tflog.Info(ctx, "Authentication successful", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		})
	} else {
		tflog.Warn(ctx, "No credentials configured, using anonymous access")
	}

	providerData := ldapclient.NewProviderData(client, metrics)
	providerData.CursorConfig.PageSize = uint32(p.getInt64Value(data.PageSize, "LDAPDB_PAGE_SIZE", int64(providerData.CursorConfig.PageSize)))
	providerData.UseTransactions = p.getBoolValue(data.UseTransactions, "LDAPDB_USE_TRANSACTIONS", false)
	providerData.BaseDN = p.resolveBaseDN(ctx, client, config.BaseDN)

	tflog.Info(ctx, "LDAPDB provider configured successfully", map[string]any{
		"base_dn":          providerData.BaseDN,
		"page_size":        providerData.CursorConfig.PageSize,
		"use_transactions": providerData.UseTransactions,
	})

	resp.DataSourceData = providerData
	resp.ResourceData = providerData
}

// resolveBaseDN returns the configured base DN, or the default naming
// context of the server when none is configured.
func (p *LDAPDBProvider) resolveBaseDN(ctx context.Context, client ldapclient.Client, configured string) string {
	if configured != "" {
		return configured
	}
	dse, err := client.RootDSE(ctx)
	if err != nil {
		tflog.Warn(ctx, "Could not read root DSE to discover the base DN", map[string]any{
			"error": err.Error(),
		})
		return ""
	}
	if dse.DefaultNamingContext != "" {
		return dse.DefaultNamingContext
	}
	if len(dse.NamingContexts) > 0 {
		return dse.NamingContexts[0]
	}
	return ""
}

// configureLogging sets up the provider subsystems and persistent fields.
func (p *LDAPDBProvider) configureLogging(ctx context.Context) context.Context {
	ctx = initializeLogging(ctx)
	ctx = tflog.SetField(ctx, "provider", "ldapdb")
	ctx = tflog.SetField(ctx, "provider_version", p.Version)

	tflog.Debug(ctx, "LDAPDB provider logging configured")

	return ctx
}

// buildLDAPConfig constructs the LDAP client configuration from provider config and environment variables.
func (p *LDAPDBProvider) buildLDAPConfig(data *LDAPDBProviderModel, diags *diag.Diagnostics) *ldapclient.ConnectionConfig {
	config := ldapclient.DefaultConfig()

	if domain := p.getStringValue(data.Domain, "LDAPDB_DOMAIN"); domain != "" {
		config.Domain = domain
	}

	if ldapURL := p.getStringValue(data.LdapURL, "LDAPDB_LDAP_URL"); ldapURL != "" {
		config.LDAPURLs = []string{ldapURL}
	}

	if config.Domain == "" && len(config.LDAPURLs) == 0 {
		diags.AddError(
			"Missing Connection Configuration",
			"Either 'domain' or 'ldap_url' must be configured, or the LDAPDB_DOMAIN or LDAPDB_LDAP_URL environment variable set.",
		)
		return config
	}

	if baseDN := p.getStringValue(data.BaseDN, "LDAPDB_BASE_DN"); baseDN != "" {
		if err := ldapclient.ValidateDNSyntax(baseDN); err != nil {
			diags.AddAttributeError(path.Root("base_dn"), "Invalid Base DN", err.Error())
			return config
		}
		config.BaseDN = baseDN
	}

	config.Username = p.getStringValue(data.Username, "LDAPDB_USERNAME")
	config.Password = p.getStringValue(data.Password, "LDAPDB_PASSWORD")
	config.KerberosRealm = p.getStringValue(data.KerberosRealm, "LDAPDB_KERBEROS_REALM")
	config.KerberosKeytab = p.getStringValue(data.KerberosKeytab, "LDAPDB_KERBEROS_KEYTAB")
	config.KerberosConfig = p.getStringValue(data.KerberosConfig, "LDAPDB_KERBEROS_CONFIG")
	config.KerberosCCache = p.getStringValue(data.KerberosCCache, "LDAPDB_KERBEROS_CCACHE")
	config.KerberosSPN = p.getStringValue(data.KerberosSPN, "LDAPDB_KERBEROS_SPN")

	if config.Username != "" && config.Password == "" && config.KerberosRealm == "" {
		diags.AddError(
			"Incomplete Authentication Configuration",
			"A username was configured without a password. Provide 'password' (or LDAPDB_PASSWORD) for a simple bind, "+
				"or 'kerberos_realm' with a keytab or credential cache for Kerberos authentication.",
		)
		return config
	}

	// TLS settings
	if useTLS := p.getBoolValue(data.UseTLS, "LDAPDB_USE_TLS", true); !useTLS {
		config.UseTLS = false
	}

	if skipTLSVerify := p.getBoolValue(data.SkipTLSVerify, "LDAPDB_SKIP_TLS_VERIFY", false); skipTLSVerify {
		if config.TLSConfig == nil {
			config.TLSConfig = &tls.Config{}
		}
		config.TLSConfig.InsecureSkipVerify = true
	}

	config.TLSCACertFile = p.getStringValue(data.TLSCACertFile, "LDAPDB_TLS_CA_CERT_FILE")
	config.TLSCACert = p.getStringValue(data.TLSCACert, "LDAPDB_TLS_CA_CERT")
	config.TLSClientCertFile = p.getStringValue(data.TLSClientCertFile, "LDAPDB_TLS_CLIENT_CERT_FILE")
	config.TLSClientKeyFile = p.getStringValue(data.TLSClientKeyFile, "LDAPDB_TLS_CLIENT_KEY_FILE")

	// Connection pool settings
	if maxConnections := p.getInt64Value(data.MaxConnections, "LDAPDB_MAX_CONNECTIONS", 10); maxConnections > 0 {
		config.MaxConnections = int(maxConnections)
	}

	if maxIdleTime := p.getInt64Value(data.MaxIdleTime, "LDAPDB_MAX_IDLE_TIME", 300); maxIdleTime > 0 {
		config.MaxIdleTime = time.Duration(maxIdleTime) * time.Second
	}

	if connectTimeout := p.getInt64Value(data.ConnectTimeout, "LDAPDB_CONNECT_TIMEOUT", 30); connectTimeout > 0 {
		config.Timeout = time.Duration(connectTimeout) * time.Second
	}

	// Retry settings
	if maxRetries := p.getInt64Value(data.MaxRetries, "LDAPDB_MAX_RETRIES", 3); maxRetries >= 0 {
		config.MaxRetries = int(maxRetries)
	}

	if initialBackoff := p.getInt64Value(data.InitialBackoff, "LDAPDB_INITIAL_BACKOFF", 500); initialBackoff > 0 {
		config.InitialBackoff = time.Duration(initialBackoff) * time.Millisecond
	}

	if maxBackoff := p.getInt64Value(data.MaxBackoff, "LDAPDB_MAX_BACKOFF", 30); maxBackoff > 0 {
		config.MaxBackoff = time.Duration(maxBackoff) * time.Second
	}

	return config
}

// Helper functions for configuration value resolution

func (p *LDAPDBProvider) getStringValue(configValue types.String, envVar string) string {
	if !configValue.IsNull() && configValue.ValueString() != "" {
		return configValue.ValueString()
	}
	return os.Getenv(envVar)
}

func (p *LDAPDBProvider) getBoolValue(configValue types.Bool, envVar string, defaultValue bool) bool {
	if !configValue.IsNull() {
		return configValue.ValueBool()
	}
	if envValue := os.Getenv(envVar); envValue != "" {
		if parsed, err := strconv.ParseBool(envValue); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (p *LDAPDBProvider) getInt64Value(configValue types.Int64, envVar string, defaultValue int64) int64 {
	if !configValue.IsNull() {
		return configValue.ValueInt64()
	}
	if envValue := os.Getenv(envVar); envValue != "" {
		if parsed, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (p *LDAPDBProvider) Resources(ctx context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		NewEntryResource,
	}
}

func (p *LDAPDBProvider) DataSources(ctx context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		NewEntriesDataSource,
		NewRootDSEDataSource,
		NewWhoAmIDataSource,
	}
}

func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &LDAPDBProvider{
			Version:  version,
			registry: prometheus.NewRegistry(),
		}
	}
}
