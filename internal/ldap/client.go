package ldap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ClientOption configures a client.
type ClientOption func(*client)

// WithClientMetrics records session operations on m.
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *client) { c.metrics = m }
}

// client implements the Client interface.
type client struct {
	pool    ConnectionPool
	config  *ConnectionConfig
	metrics *Metrics
}

// NewClient creates a new LDAP client with connection pooling.
func NewClient(config *ConnectionConfig, opts ...ClientOption) (Client, error) {
	return NewClientWithContext(context.Background(), config, opts...)
}

// NewClientWithContext creates a new LDAP client. ctx carries the logging
// subsystems and bounds server discovery.
func NewClientWithContext(ctx context.Context, config *ConnectionConfig, opts ...ClientOption) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	start := time.Now()
	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemLDAP, "Failed to create connection pool", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	c := &client{pool: pool, config: config}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect checks that a connection can be acquired and answers a ping.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(ctx, SubsystemLDAP, "connection_test", map[string]any{
		"domain": c.config.Domain,
	}, func() error {
		return c.withRetry(ctx, func() error {
			conn, err := c.pool.Get(ctx)
			if err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			defer conn.Close()
			return c.ping(conn)
		})
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// BindWithConfig authenticates a pooled connection with the configured method.
func (c *client) BindWithConfig(ctx context.Context) error {
	if !c.config.HasAuthentication() {
		return fmt.Errorf("no authentication configuration available")
	}

	authMethod := c.config.GetAuthMethod()
	return LogOperation(ctx, SubsystemLDAP, "authentication", map[string]any{
		"auth_method": authMethod.String(),
		"username":    c.config.Username,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()

		return c.withRetry(ctx, func() error {
			return c.authenticate(ctx, conn)
		})
	})
}

// authenticate binds conn with the configured method.
func (c *client) authenticate(ctx context.Context, pc *PooledConnection) error {
	conn := pc.Conn()
	var err error
	switch method := c.config.GetAuthMethod(); method {
	case AuthMethodSimpleBind:
		if c.config.Username == "" {
			return fmt.Errorf("username is required for simple bind authentication")
		}
		err = conn.Bind(c.config.Username, c.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(ctx, conn, c.config, pc.ServerInfo())
	case AuthMethodExternal:
		if err := ctx.Err(); err != nil {
			return err
		}
		err = conn.ExternalBind()
	default:
		return fmt.Errorf("unsupported authentication method: %s", method.String())
	}
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "bind", err, map[string]any{
			"username": c.config.Username,
		})
		return WrapError("bind", err)
	}
	pc.authenticated = true
	pc.authTime = time.Now()
	return nil
}

// Session pins a pooled connection. The caller must Close it.
func (c *client) Session(ctx context.Context) (Session, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	s := newPooledSession(conn, c.config.Timeout, c.metrics)
	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Session opened", map[string]any{
		"session_id": s.id,
		"server":     ServerInfoToURL(conn.ServerInfo()),
	})
	return s, nil
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.withRetry(ctx, func() error {
		return c.ping(conn)
	})
}

// ping reads the root DSE on conn, marking it unhealthy on failure.
func (c *client) ping(conn *PooledConnection) error {
	searchReq := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		DefaultBaseFilter,
		[]string{"1.1"},
		nil,
	)
	if _, err := conn.Conn().Search(searchReq); err != nil {
		conn.markUnhealthy()
		return WrapError("ping", err)
	}
	return nil
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withRetry runs operation with exponential backoff while its error is
// retryable. Only connection setup, bind, ping and whoami go through here;
// directory reads and writes are never retried.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}
		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return contextError("retry", ctx.Err())
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	tflog.SubsystemError(ctx, SubsystemLDAP, "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})
	return NewConnectionError("operation failed after retries", false, lastErr)
}

// isRetryableError determines if an error should be retried.
func (c *client) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryableError(err) {
		return true
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "successful bind must be completed")
}

// WhoAmI performs the RFC 4532 "Who am I?" extended operation.
func (c *client) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var result *ldap.WhoAmIResult
	err = c.withRetry(ctx, func() error {
		var whoamiErr error
		result, whoamiErr = conn.Conn().WhoAmI(nil)
		if whoamiErr != nil {
			return WrapError("whoami", whoamiErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, newQueryError("whoami", ErrorCategoryServer, "server returned no result")
	}
	return ParseAuthzID(result.AuthzID), nil
}

// ParseAuthzID splits an RFC 4513 authzId into its dn: or u: form.
func ParseAuthzID(authzID string) *WhoAmIResult {
	result := &WhoAmIResult{AuthzID: authzID}
	switch {
	case authzID == "":
		result.Format = "empty"
	case strings.HasPrefix(authzID, "dn:"):
		result.Format = "dn"
		result.DN = strings.TrimPrefix(authzID, "dn:")
	case strings.HasPrefix(authzID, "u:"):
		result.Format = "u"
		result.User = strings.TrimPrefix(authzID, "u:")
	default:
		if ValidateDNSyntax(authzID) == nil && strings.Contains(authzID, "=") {
			result.Format = "dn"
			result.DN = authzID
			return result
		}
		result.Format = "unknown"
	}
	return result
}

// RootDSE reads the root DSE of the server behind a pooled connection and
// refreshes that connection's cached capabilities.
func (c *client) RootDSE(ctx context.Context) (*RootDSE, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := ctx.Err(); err != nil {
		return nil, contextError("root dse", err)
	}
	dse, err := fetchRootDSE(conn.Conn())
	if err != nil {
		return nil, WrapError("root dse", err)
	}
	caps := CapabilitiesFromRootDSE(dse)
	conn.capsMu.Lock()
	conn.caps = &caps
	conn.capsMu.Unlock()

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Root DSE read", map[string]any{
		"naming_contexts": len(dse.NamingContexts),
		"vendor":          dse.VendorName,
	})
	return dse, nil
}
