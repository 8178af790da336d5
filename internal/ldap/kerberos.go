package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

const defaultKrb5ConfPath = "/etc/krb5.conf"

// performKerberosAuth performs a GSSAPI bind on conn.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	if err := prepareKerberosConfig(cfg); err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	krb5conf, cleanup, err := resolveKrb5Conf(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	gssapiClient, source, err := createGSSAPIClient(cfg, krb5conf)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	LogKerberosEvent(ctx, "gssapi_bind", map[string]any{
		"spn":         spn,
		"realm":       cfg.KerberosRealm,
		"credentials": source,
	})
	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// resolveKrb5Conf returns the krb5.conf path to use. When the configured
// file does not exist a DNS-discovery configuration is generated into a
// temporary file, removed by cleanup.
func resolveKrb5Conf(ctx context.Context, cfg *ConnectionConfig) (path string, cleanup func(), err error) {
	path = cfg.KerberosConfig
	if path == "" {
		path = defaultKrb5ConfPath
	}
	if fileExists(path) {
		return path, func() {}, nil
	}
	if cfg.KerberosConfig != "" {
		return "", nil, fmt.Errorf("kerberos configuration file not found at %s; example configuration:\n%s",
			path, generateExampleKrb5Conf(cfg))
	}

	content, err := generateRuntimeKrb5Conf(cfg)
	if err != nil {
		return "", nil, err
	}
	if _, err := krb5config.NewFromString(content); err != nil {
		return "", nil, fmt.Errorf("generated krb5.conf is invalid: %w", err)
	}
	f, err := os.CreateTemp("", "ldapdb-krb5-*.conf")
	if err != nil {
		return "", nil, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	f.Close()

	LogKerberosEvent(ctx, "runtime_krb5_conf", map[string]any{
		"realm": strings.ToUpper(cfg.KerberosRealm),
		"path":  f.Name(),
	})
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// createGSSAPIClient picks credentials in order: explicit credential cache,
// default credential cache, explicit keytab, default keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig, krb5conf string) (ldap.GSSAPIClient, string, error) {
	noFAST := krb5client.DisablePAFXFAST(true)

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		c, err := gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, noFAST)
		return c, "ccache", err
	}
	if ccache := getDefaultCCachePath(); fileExists(ccache) {
		c, err := gssapi.NewClientFromCCache(ccache, krb5conf, noFAST)
		return c, "default_ccache", err
	}
	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		c, err := gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, cfg.KerberosKeytab, krb5conf, noFAST)
		return c, "keytab", err
	}
	if cfg.Username != "" {
		if keytab := getDefaultKeytabPath(); fileExists(keytab) {
			c, err := gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, keytab, krb5conf, noFAST)
			return c, "default_keytab", err
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		c, err := gssapi.NewClientWithPassword(cfg.Username, cfg.KerberosRealm, cfg.Password, krb5conf, noFAST)
		return c, "password", err
	}
	return nil, "", fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal returns cfg.KerberosSPN or ldap/<host>.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}
	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}
	hostname, _, _ := strings.Cut(serverInfo.Host, ":")
	return "ldap/" + hostname, nil
}

// prepareKerberosConfig derives the realm and checks that some credential exists.
func prepareKerberosConfig(cfg *ConnectionConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}

	if cfg.KerberosRealm == "" {
		if user, realm, ok := strings.Cut(cfg.Username, "@"); ok && !strings.Contains(realm, "@") {
			cfg.Username, cfg.KerberosRealm = user, realm
		} else if cfg.Domain != "" {
			cfg.KerberosRealm = strings.ToUpper(cfg.Domain)
		}
	}
	if cfg.KerberosRealm == "" {
		return fmt.Errorf("kerberos realm is required (set kerberos_realm or include realm in username)")
	}

	hasCCache := (cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache)) || fileExists(getDefaultCCachePath())
	if cfg.Username == "" && !hasCCache {
		return fmt.Errorf("username (principal) is required for Kerberos authentication")
	}
	hasKeytab := (cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab)) || fileExists(getDefaultKeytabPath())
	if !hasCCache && !hasKeytab && cfg.Password == "" {
		return fmt.Errorf("no suitable Kerberos credentials found: provide kerberos_ccache, kerberos_keytab, password, or ensure default credential cache/keytab exists")
	}
	return nil
}

func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

// generateRuntimeKrb5Conf renders a krb5.conf that finds KDCs through DNS.
func generateRuntimeKrb5Conf(cfg *ConnectionConfig) (string, error) {
	if cfg.KerberosRealm == "" {
		return "", fmt.Errorf("kerberos realm is required for auto-discovery")
	}
	realm := strings.ToUpper(cfg.KerberosRealm)
	domain := strings.ToLower(cfg.KerberosRealm)
	if cfg.Domain != "" {
		domain = strings.ToLower(cfg.Domain)
	}

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true

[realms]
    %[1]s = {
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain), nil
}

// generateExampleKrb5Conf renders an example for error messages.
func generateExampleKrb5Conf(cfg *ConnectionConfig) string {
	if cfg == nil || cfg.KerberosRealm == "" {
		return "[libdefaults]\n    default_realm = EXAMPLE.COM\n\n[realms]\n    EXAMPLE.COM = {\n        kdc = kdc.example.com:88\n    }"
	}
	realm := strings.ToUpper(cfg.KerberosRealm)
	host := "kdc." + strings.ToLower(realm)
	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s

[realms]
    %[1]s = {
        kdc = %[2]s:88
    }

[domain_realm]
    .%[3]s = %[1]s`, realm, host, strings.ToLower(realm))
}
