package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/tfsdk"
	"github.com/hashicorp/terraform-plugin-go/tftypes"
	"github.com/hashicorp/terraform-plugin-testing/terraform"
	"github.com/stretchr/testify/mock"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
)

// TestConfig holds the directory used by acceptance tests.
type TestConfig struct {
	LDAPURL  string
	BaseDN   string
	Username string
	Password string
}

// GetTestConfig reads the acceptance test directory from the environment.
func GetTestConfig() *TestConfig {
	return &TestConfig{
		LDAPURL:  getEnvWithDefault("LDAPDB_TEST_LDAP_URL", "ldap://localhost:389"),
		BaseDN:   getEnvWithDefault("LDAPDB_TEST_BASE_DN", "dc=example,dc=org"),
		Username: getEnvWithDefault("LDAPDB_TEST_USERNAME", "cn=admin,dc=example,dc=org"),
		Password: os.Getenv("LDAPDB_TEST_PASSWORD"),
	}
}

// IsAccTest reports whether acceptance tests are enabled.
func IsAccTest() bool {
	return os.Getenv("TF_ACC") != ""
}

// SkipIfNotAccTest skips t unless acceptance tests are enabled.
func SkipIfNotAccTest(t *testing.T) {
	t.Helper()
	if !IsAccTest() {
		t.Skip("Skipping acceptance test - set TF_ACC=1 to run")
	}
}

func testAccPreCheckWithConfig(t *testing.T) {
	t.Helper()
	if os.Getenv("LDAPDB_TEST_PASSWORD") == "" {
		t.Fatal("LDAPDB_TEST_PASSWORD must be set for acceptance tests")
	}
}

// providerConfig renders a provider block for the test directory.
func (c *TestConfig) providerConfig() string {
	return fmt.Sprintf(`
provider "ldapdb" {
  ldap_url = %q
  base_dn  = %q
  username = %q
  password = %q
  use_tls  = %t
}
`, c.LDAPURL, c.BaseDN, c.Username, c.Password, strings.HasPrefix(c.LDAPURL, "ldaps://"))
}

// testOUName returns a unique organizational unit name for a test run.
func testOUName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// testAccClient connects to the acceptance test directory.
func testAccClient(ctx context.Context) (*ldapclient.ProviderData, error) {
	cfg := GetTestConfig()
	conn := ldapclient.DefaultConfig()
	conn.LDAPURLs = []string{cfg.LDAPURL}
	conn.BaseDN = cfg.BaseDN
	conn.Username = cfg.Username
	conn.Password = cfg.Password
	conn.UseTLS = strings.HasPrefix(cfg.LDAPURL, "ldaps://")

	client, err := ldapclient.NewClientWithContext(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := client.BindWithConfig(ctx); err != nil {
		client.Close()
		return nil, err
	}
	data := ldapclient.NewProviderData(client, nil)
	data.BaseDN = cfg.BaseDN
	return data, nil
}

// testAccEntryExists looks up an entry by DN.
func testAccEntryExists(ctx context.Context, data *ldapclient.ProviderData, dn string) (bool, error) {
	scope := ldapclient.ScopeBaseObject
	var found bool
	err := data.Query(ctx, &ldapclient.Query{BaseDN: dn, Scope: &scope}, func(c *ldapclient.Cursor) error {
		row, err := c.FetchOne()
		found = row != nil
		return err
	})
	if ldapclient.IsNotFoundError(err) {
		return false, nil
	}
	return found, err
}

// testAccCheckEntryExists verifies the entry of a resource is in the directory.
func testAccCheckEntryExists(name string) func(*terraform.State) error {
	return func(s *terraform.State) error {
		rs, ok := s.RootModule().Resources[name]
		if !ok {
			return fmt.Errorf("resource not found: %s", name)
		}
		ctx := context.Background()
		data, err := testAccClient(ctx)
		if err != nil {
			return err
		}
		defer data.Close()

		found, err := testAccEntryExists(ctx, data, rs.Primary.Attributes["dn"])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("entry %s not found", rs.Primary.Attributes["dn"])
		}
		return nil
	}
}

// testAccCheckEntryDestroy verifies no ldapdb_entry survived the test.
func testAccCheckEntryDestroy(s *terraform.State) error {
	ctx := context.Background()
	data, err := testAccClient(ctx)
	if err != nil {
		return err
	}
	defer data.Close()

	for _, rs := range s.RootModule().Resources {
		if rs.Type != "ldapdb_entry" {
			continue
		}
		found, err := testAccEntryExists(ctx, data, rs.Primary.Attributes["dn"])
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("entry %s still exists", rs.Primary.Attributes["dn"])
		}
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// createReadRequest builds a read request with an empty config for ds.
func createReadRequest(ds datasource.DataSource) datasource.ReadRequest {
	return datasource.ReadRequest{Config: emptyConfig(ds)}
}

// emptyConfig returns a config of ds with every attribute null.
func emptyConfig(ds datasource.DataSource) tfsdk.Config {
	schemaResp := &datasource.SchemaResponse{}
	ds.Schema(context.Background(), datasource.SchemaRequest{}, schemaResp)
	objectType := schemaResp.Schema.Type().TerraformType(context.Background()).(tftypes.Object)
	values := make(map[string]tftypes.Value, len(objectType.AttributeTypes))
	for name, typ := range objectType.AttributeTypes {
		values[name] = tftypes.NewValue(typ, nil)
	}
	return tfsdk.Config{
		Schema: schemaResp.Schema,
		Raw:    tftypes.NewValue(objectType, values),
	}
}

func emptyState(ds datasource.DataSource) tfsdk.State {
	cfg := emptyConfig(ds)
	return tfsdk.State{Schema: cfg.Schema, Raw: cfg.Raw}
}

// MockClient is a mock implementation of ldapclient.Client.
type MockClient struct {
	mock.Mock
}

var _ ldapclient.Client = &MockClient{}

func (m *MockClient) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Close() error {
	return m.Called().Error(0)
}

func (m *MockClient) BindWithConfig(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Session(ctx context.Context) (ldapclient.Session, error) {
	args := m.Called(ctx)
	session, _ := args.Get(0).(ldapclient.Session)
	return session, args.Error(1)
}

func (m *MockClient) WhoAmI(ctx context.Context) (*ldapclient.WhoAmIResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*ldapclient.WhoAmIResult)
	return result, args.Error(1)
}

func (m *MockClient) RootDSE(ctx context.Context) (*ldapclient.RootDSE, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*ldapclient.RootDSE)
	return result, args.Error(1)
}

func (m *MockClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Stats() ldapclient.PoolStats {
	return m.Called().Get(0).(ldapclient.PoolStats)
}

// MockSession is a mock implementation of ldapclient.Session.
type MockSession struct {
	mock.Mock
}

var _ ldapclient.Session = &MockSession{}

func (m *MockSession) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*ldap.SearchResult)
	return result, args.Error(1)
}

func (m *MockSession) Add(ctx context.Context, req *ldap.AddRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockSession) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockSession) ModifyDN(ctx context.Context, req *ldap.ModifyDNRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockSession) Del(ctx context.Context, req *ldap.DelRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockSession) Extended(ctx context.Context, req *ldap.ExtendedRequest) (*ldap.ExtendedResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*ldap.ExtendedResponse)
	return resp, args.Error(1)
}

func (m *MockSession) Capabilities(ctx context.Context) (ldapclient.ServerCapabilities, error) {
	args := m.Called(ctx)
	return args.Get(0).(ldapclient.ServerCapabilities), args.Error(1)
}

func (m *MockSession) Close() error {
	return m.Called().Error(0)
}

// newMockProviderData wires a mock client to a session that answers every
// search with entries and advertises no controls.
func newMockProviderData(entries ...*ldap.Entry) (*ldapclient.ProviderData, *MockClient, *MockSession) {
	session := &MockSession{}
	session.On("Capabilities", mock.Anything).Return(ldapclient.ServerCapabilities{}, nil)
	session.On("Search", mock.Anything, mock.Anything).Return(&ldap.SearchResult{Entries: entries}, nil)
	session.On("Close").Return(nil)

	client := &MockClient{}
	client.On("Session", mock.Anything).Return(session, nil)

	return ldapclient.NewProviderData(client, nil), client, session
}
