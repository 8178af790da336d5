package provider_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/providerserver"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-go/tfprotov6"
	tfresource "github.com/hashicorp/terraform-plugin-testing/helper/resource"

	this "github.com/isometry/terraform-provider-ldapdb/internal/provider"
)

// TestProviderMetadata tests the provider metadata.
func TestProviderMetadata(t *testing.T) {
	p := &this.LDAPDBProvider{Version: "test"}

	req := provider.MetadataRequest{}
	resp := &provider.MetadataResponse{}

	p.Metadata(t.Context(), req, resp)

	if resp.TypeName != "ldapdb" {
		t.Errorf("Expected TypeName 'ldapdb', got %s", resp.TypeName)
	}

	if resp.Version != "test" {
		t.Errorf("Expected Version 'test', got %s", resp.Version)
	}
}

// TestProviderSchema tests the provider schema.
func TestProviderSchema(t *testing.T) {
	p := &this.LDAPDBProvider{}

	req := provider.SchemaRequest{}
	resp := &provider.SchemaResponse{}

	p.Schema(t.Context(), req, resp)

	if resp.Diagnostics.HasError() {
		t.Fatalf("Schema creation failed: %v", resp.Diagnostics)
	}

	expectedAttributes := []string{
		"domain", "ldap_url", "base_dn",
		"username", "password",
		"kerberos_realm", "kerberos_keytab", "kerberos_config", "kerberos_ccache", "kerberos_spn",
		"use_tls", "skip_tls_verify", "tls_ca_cert_file", "tls_ca_cert",
		"tls_client_cert_file", "tls_client_key_file",
		"max_connections", "max_idle_time", "connect_timeout",
		"max_retries", "initial_backoff", "max_backoff",
		"page_size", "use_transactions",
	}

	for _, attr := range expectedAttributes {
		if _, exists := resp.Schema.Attributes[attr]; !exists {
			t.Errorf("Expected attribute %s not found in schema", attr)
		}
	}

	if len(resp.Schema.Attributes) != len(expectedAttributes) {
		t.Errorf("Expected %d attributes, got %d", len(expectedAttributes), len(resp.Schema.Attributes))
	}

	if !resp.Schema.Attributes["password"].IsSensitive() {
		t.Error("Expected password to be sensitive")
	}
}

// TestProviderResources tests the provider resources.
func TestProviderResources(t *testing.T) {
	p := &this.LDAPDBProvider{}

	resources := p.Resources(t.Context())

	expectedResources := []string{
		"ldapdb_entry",
	}

	if len(resources) != len(expectedResources) {
		t.Fatalf("Expected %d resources, got %d", len(expectedResources), len(resources))
	}

	for i, resourceFunc := range resources {
		r := resourceFunc()
		if r == nil {
			t.Fatalf("Resource function %d returned nil", i)
		}
		resp := &resource.MetadataResponse{}
		r.Metadata(t.Context(), resource.MetadataRequest{ProviderTypeName: "ldapdb"}, resp)
		if resp.TypeName != expectedResources[i] {
			t.Errorf("Expected resource %s, got %s", expectedResources[i], resp.TypeName)
		}
	}
}

// TestProviderDataSources tests the provider data sources.
func TestProviderDataSources(t *testing.T) {
	p := &this.LDAPDBProvider{}

	dataSources := p.DataSources(t.Context())

	expectedDataSources := map[string]bool{
		"ldapdb_entries":  false,
		"ldapdb_root_dse": false,
		"ldapdb_whoami":   false,
	}

	if len(dataSources) != len(expectedDataSources) {
		t.Errorf("Expected %d data sources, got %d", len(expectedDataSources), len(dataSources))
	}

	for i, dataSourceFunc := range dataSources {
		ds := dataSourceFunc()
		if ds == nil {
			t.Fatalf("Data source function %d returned nil", i)
		}
		resp := &datasource.MetadataResponse{}
		ds.Metadata(t.Context(), datasource.MetadataRequest{ProviderTypeName: "ldapdb"}, resp)
		if _, ok := expectedDataSources[resp.TypeName]; !ok {
			t.Errorf("Unexpected data source %s", resp.TypeName)
		}
		expectedDataSources[resp.TypeName] = true
	}

	for name, seen := range expectedDataSources {
		if !seen {
			t.Errorf("Data source %s not registered", name)
		}
	}
}

// TestProviderConfigValidators tests the provider config validators.
func TestProviderConfigValidators(t *testing.T) {
	p := &this.LDAPDBProvider{}

	validators := p.ConfigValidators(t.Context())

	if len(validators) != 3 {
		t.Errorf("Expected 3 config validators, got %d", len(validators))
	}

	for i, validator := range validators {
		if validator == nil {
			t.Errorf("Config validator %d is nil", i)
		}
	}
}

// TestNewProvider tests the New provider function.
func TestNewProvider(t *testing.T) {
	testCases := []struct {
		name    string
		version string
	}{
		{
			name:    "test version",
			version: "test",
		},
		{
			name:    "dev version",
			version: "dev",
		},
		{
			name:    "release version",
			version: "1.0.0",
		},
		{
			name:    "empty version",
			version: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			providerFunc := this.New(tc.version)
			if providerFunc == nil {
				t.Fatal("New() returned nil")
			}

			p := providerFunc()
			if p == nil {
				t.Fatal("Provider function returned nil")
			}

			ldapdbProvider, ok := p.(*this.LDAPDBProvider)
			if !ok {
				t.Fatal("Provider is not of type *LDAPDBProvider")
			}

			if ldapdbProvider.Version != tc.version {
				t.Errorf("Expected version %s, got %s", tc.version, ldapdbProvider.Version)
			}
		})
	}
}

// TestProviderServer tests provider server creation.
func TestProviderServer(t *testing.T) {
	providerFunc := this.New("test")

	serverFactory := providerserver.NewProtocol6WithError(providerFunc())
	if serverFactory == nil {
		t.Fatal("Provider server factory is nil")
	}

	server, err := serverFactory()
	if err != nil {
		t.Fatalf("Failed to create provider server: %v", err)
	}

	if server == nil {
		t.Fatal("Provider server is nil")
	}
}

// TestProviderConfigValidation checks that conflicting settings are
// rejected before the provider connects.
func TestProviderConfigValidation(t *testing.T) {
	testCases := []struct {
		name        string
		config      string
		expectError *regexp.Regexp
	}{
		{
			name: "both domain and ldap_url",
			config: `
provider "ldapdb" {
  domain   = "example.com"
  ldap_url = "ldaps://ldap.example.com:636"
}`,
			expectError: regexp.MustCompile(`(?s)Invalid Attribute Combination`),
		},
		{
			name: "both tls ca cert forms",
			config: `
provider "ldapdb" {
  ldap_url         = "ldaps://ldap.example.com:636"
  tls_ca_cert_file = "/etc/ssl/ca.pem"
  tls_ca_cert      = "-----BEGIN CERTIFICATE-----"
}`,
			expectError: regexp.MustCompile(`(?s)Invalid Attribute Combination`),
		},
		{
			name: "client cert without key",
			config: `
provider "ldapdb" {
  ldap_url             = "ldaps://ldap.example.com:636"
  tls_client_cert_file = "/etc/ssl/client.pem"
}`,
			expectError: regexp.MustCompile(`(?s)Invalid Attribute Combination`),
		},
		{
			name: "max_connections out of range",
			config: `
provider "ldapdb" {
  ldap_url        = "ldaps://ldap.example.com:636"
  max_connections = 0
}`,
			expectError: regexp.MustCompile(`(?s)max_connections`),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tfresource.Test(t, tfresource.TestCase{
				ProtoV6ProviderFactories: map[string]func() (tfprotov6.ProviderServer, error){
					"ldapdb": providerserver.NewProtocol6WithError(this.New("test")()),
				},
				Steps: []tfresource.TestStep{
					{
						Config:      tc.config + "\ndata \"ldapdb_whoami\" \"test\" {}\n",
						ExpectError: tc.expectError,
						PlanOnly:    true,
					},
				},
			})
		})
	}
}

// TestProviderEnvironmentVariables checks that every environment variable
// fallback is documented in the schema.
func TestProviderEnvironmentVariables(t *testing.T) {
	envVars := []string{
		"LDAPDB_DOMAIN",
		"LDAPDB_LDAP_URL",
		"LDAPDB_BASE_DN",
		"LDAPDB_USERNAME",
		"LDAPDB_PASSWORD",
		"LDAPDB_KERBEROS_REALM",
		"LDAPDB_KERBEROS_KEYTAB",
		"LDAPDB_KERBEROS_CONFIG",
		"LDAPDB_KERBEROS_CCACHE",
		"LDAPDB_KERBEROS_SPN",
		"LDAPDB_USE_TLS",
		"LDAPDB_SKIP_TLS_VERIFY",
		"LDAPDB_TLS_CA_CERT_FILE",
		"LDAPDB_TLS_CA_CERT",
		"LDAPDB_TLS_CLIENT_CERT_FILE",
		"LDAPDB_TLS_CLIENT_KEY_FILE",
		"LDAPDB_MAX_CONNECTIONS",
		"LDAPDB_PAGE_SIZE",
		"LDAPDB_USE_TRANSACTIONS",
	}

	p := &this.LDAPDBProvider{}
	req := provider.SchemaRequest{}
	resp := &provider.SchemaResponse{}

	p.Schema(t.Context(), req, resp)

	for _, envVar := range envVars {
		found := false
		for _, attr := range resp.Schema.Attributes {
			if strings.Contains(attr.GetMarkdownDescription(), envVar) {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("Environment variable %s not found in schema documentation", envVar)
		}
	}
}
