package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 100

// maxAuthAge is how long a bind is trusted before the connection rebinds.
const maxAuthAge = 5 * time.Minute

// connectionPool implements ConnectionPool.
type connectionPool struct {
	ctx         context.Context // Logging context with subsystems configured
	config      *ConnectionConfig
	servers     []*ServerInfo
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool
	discovery   *SRVDiscovery

	activeConns  int64
	totalCreated int64
	totalErrors  int64
	unhealthy    int64
	startTime    time.Time

	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// NewConnectionPool creates a connection pool and resolves its servers.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error) {
	start := time.Now()
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := prepareTLSConfig(config); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	pool := &connectionPool{
		ctx:         ctx,
		config:      config,
		connections: make(chan *PooledConnection, config.MaxConnections),
		discovery:   NewSRVDiscovery(ctx),
		startTime:   time.Now(),
		healthStop:  make(chan struct{}),
	}

	if err := pool.discoverServers(); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}
	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	LogPoolEvent(ctx, "created", map[string]any{
		"max_connections": config.MaxConnections,
		"servers":         len(pool.servers),
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return pool, nil
}

// discoverServers resolves configured URLs, or SRV records for the domain.
func (p *connectionPool) discoverServers() error {
	var servers []*ServerInfo

	switch {
	case len(p.config.LDAPURLs) > 0:
		for _, url := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}
	case p.config.Domain != "":
		ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return fmt.Errorf("SRV discovery failed: %w", err)
		}
		servers = discovered
	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()

	tflog.SubsystemDebug(p.ctx, SubsystemPool, "Servers resolved", map[string]any{
		"server_count": len(servers),
		"first_server": ServerInfoToURL(servers[0]),
	})
	return nil
}

// Get hands out an idle connection or dials a new one.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, NewConnectionError("connection pool is closed", false, nil)
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		if p.isConnectionHealthy(conn) {
			if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
				if err := p.authenticateConnection(ctx, conn); err != nil {
					LogPoolEvent(p.ctx, "rebind_failed", map[string]any{"error": err.Error()})
					p.closeConnection(conn)
					return p.createConnection(ctx)
				}
			}
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}
		p.closeConnection(conn)
	default:
	}

	return p.createConnection(ctx)
}

// createConnection dials the servers in order, retrying with exponential backoff.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	p.mu.RLock()
	servers := p.servers
	p.mu.RUnlock()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range servers {
			conn, err := p.createSingleConnection(ctx, server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				tflog.SubsystemDebug(p.ctx, SubsystemPool, "Connection attempt failed", map[string]any{
					"server":  ServerInfoToURL(server),
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
				if !IsRetryableError(err) && IsAuthenticationError(err) {
					return nil, NewConnectionError("authentication failed", false, err)
				}
				continue
			}

			atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.activeConns, 1)
			LogPoolEvent(p.ctx, "connection_created", map[string]any{
				"server":  ServerInfoToURL(server),
				"attempt": attempt + 1,
			})
			return conn, nil
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, contextError("connect", ctx.Err())
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

// createSingleConnection dials one server, upgrades to TLS and binds.
func (p *connectionPool) createSingleConnection(ctx context.Context, server *ServerInfo) (*PooledConnection, error) {
	url := ServerInfoToURL(server)
	dialer := &net.Dialer{Timeout: p.config.Timeout}

	var tlsConfig *tls.Config
	if p.config.TLSConfig != nil {
		tlsConfig = p.config.TLSConfig.Clone()
		if !tlsConfig.InsecureSkipVerify {
			tlsConfig.ServerName = server.Host
		}
	}

	var conn *ldap.Conn
	var err error
	if server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer))
		if err == nil && p.config.UseTLS && !p.config.SkipTLS {
			if err = conn.StartTLS(tlsConfig); err != nil {
				conn.Close()
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(p.config.Timeout)

	pooledConn := &PooledConnection{
		conn:         conn,
		timeout:      p.config.Timeout,
		lastUsed:     time.Now(),
		healthy:      true,
		serverInfo:   server,
		returnToPool: p.returnConnection,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticateConnection(ctx, pooledConn); err != nil {
			conn.Close()
			return nil, WrapError("bind", err)
		}
	}
	return pooledConn, nil
}

// authenticateConnection binds a pooled connection with the configured method.
func (p *connectionPool) authenticateConnection(ctx context.Context, pooledConn *PooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	authMethod := p.config.GetAuthMethod()
	var err error
	switch authMethod {
	case AuthMethodSimpleBind:
		if p.config.Username == "" {
			return fmt.Errorf("username is required for simple bind authentication")
		}
		err = pooledConn.conn.Bind(p.config.Username, p.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(ctx, pooledConn.conn, p.config, pooledConn.serverInfo)
	case AuthMethodExternal:
		err = pooledConn.conn.ExternalBind()
	default:
		return fmt.Errorf("unsupported authentication method: %s", authMethod.String())
	}

	if err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		return err
	}
	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()
	return nil
}

func (p *connectionPool) needsReAuthentication(conn *PooledConnection) bool {
	if conn == nil || !conn.authenticated {
		return true
	}
	return time.Since(conn.authTime) > maxAuthAge
}

// returnConnection puts conn back in the pool, or closes it when it is
// unhealthy, stale or the pool is full.
func (p *connectionPool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}
	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.closeConnection(conn)
		return
	}

	if !p.isConnectionHealthy(conn) || time.Since(conn.lastUsed) >= p.config.MaxIdleTime {
		p.closeConnection(conn)
		return
	}

	conn.setTimeout(p.config.Timeout)
	conn.lastUsed = time.Now()
	select {
	case p.connections <- conn:
	default:
		p.closeConnection(conn)
	}
}

func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy || conn.conn.IsClosing() {
		return false
	}
	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	if p.config.HasAuthentication() && !conn.authenticated {
		return false
	}
	return true
}

func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		if !conn.healthy {
			atomic.AddInt64(&p.unhealthy, 1)
		}
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
		conn.authTime = time.Time{}
	}
}

// Close closes all idle connections and stops the health checker.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	close(p.connections)
	for conn := range p.connections {
		p.closeConnection(conn)
	}

	LogPoolEvent(p.ctx, "closed", map[string]any{
		"created": atomic.LoadInt64(&p.totalCreated),
		"errors":  atomic.LoadInt64(&p.totalErrors),
	})
	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idle := len(p.connections)
	active := atomic.LoadInt64(&p.activeConns)
	return PoolStats{
		Total:     idle + int(active),
		Active:    active,
		Idle:      idle,
		Unhealthy: int(atomic.LoadInt64(&p.unhealthy)),
		Created:   atomic.LoadInt64(&p.totalCreated),
		Errors:    atomic.LoadInt64(&p.totalErrors),
		Uptime:    time.Since(p.startTime),
	}
}

// HealthCheck probes the idle connections now.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return NewConnectionError("pool is closed", false, nil)
	}
	p.checkIdle(ctx, cap(p.connections))
	return nil
}

func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
				p.checkIdle(ctx, 3)
				cancel()
			case <-p.healthStop:
				return
			}
		}
	})
}

// checkIdle tests up to n idle connections and returns the healthy ones.
func (p *connectionPool) checkIdle(ctx context.Context, n int) {
	var toCheck []*PooledConnection
collect:
	for range n {
		select {
		case conn, ok := <-p.connections:
			if !ok {
				break collect
			}
			toCheck = append(toCheck, conn)
		default:
			break collect
		}
	}

	for _, conn := range toCheck {
		atomic.AddInt64(&p.activeConns, 1)
		if p.testConnection(ctx, conn) {
			p.returnConnection(conn)
			continue
		}
		atomic.AddInt64(&p.activeConns, -1)
		conn.healthy = false
		p.closeConnection(conn)
		LogPoolEvent(p.ctx, "connection_evicted", map[string]any{
			"server": ServerInfoToURL(conn.serverInfo),
		})
	}
}

// testConnection rebinds when needed and reads the root DSE, refreshing the
// cached capabilities.
func (p *connectionPool) testConnection(ctx context.Context, conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}
	if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
		if err := p.authenticateConnection(ctx, conn); err != nil {
			return false
		}
	}

	dse, err := fetchRootDSE(conn.conn)
	if err != nil {
		conn.authenticated = false
		conn.authTime = time.Time{}
		return false
	}
	caps := CapabilitiesFromRootDSE(dse)
	conn.capsMu.Lock()
	conn.caps = &caps
	conn.capsMu.Unlock()
	return true
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}
	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}
	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}
	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}
	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}
	if config.SkipTLS && config.UseTLS && config.TLSConfig == nil {
		return errors.New("SkipTLS and UseTLS are mutually exclusive")
	}
	return nil
}

// prepareTLSConfig loads the CA bundle and client certificate named in
// config into config.TLSConfig.
func prepareTLSConfig(config *ConnectionConfig) error {
	if config.SkipTLS && !config.UseTLS {
		return nil
	}
	if config.TLSConfig == nil {
		config.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if config.TLSConfig.RootCAs == nil {
		pool, err := buildCertPool(config.TLSCACertFile, config.TLSCACert)
		if err != nil {
			return err
		}
		config.TLSConfig.RootCAs = pool
	}
	if config.TLSClientCertFile != "" && config.TLSClientKeyFile != "" && len(config.TLSConfig.Certificates) == 0 {
		cert, err := tls.LoadX509KeyPair(config.TLSClientCertFile, config.TLSClientKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.TLSConfig.Certificates = []tls.Certificate{cert}
	}
	return nil
}

// buildCertPool returns the system roots plus the PEM certificates from
// caFile and caContent.
func buildCertPool(caFile, caContent string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", caFile, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("invalid PEM format in CA certificate file %s", caFile)
		}
	}
	if caContent != "" && !pool.AppendCertsFromPEM([]byte(caContent)) {
		return nil, fmt.Errorf("invalid PEM format in CA certificate content")
	}
	return pool, nil
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

// Conn returns the underlying go-ldap connection.
func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

// IsHealthy reports whether the pool will reuse the connection.
func (pc *PooledConnection) IsHealthy() bool {
	return pc.healthy
}

func (pc *PooledConnection) LastUsed() time.Time {
	return pc.lastUsed
}

// setTimeout applies a request timeout to the connection and returns the
// one it replaces.
func (pc *PooledConnection) setTimeout(d time.Duration) time.Duration {
	prev := pc.timeout
	pc.timeout = d
	if pc.conn != nil {
		pc.conn.SetTimeout(d)
	}
	return prev
}

// markUnhealthy makes the pool discard the connection when it is returned.
func (pc *PooledConnection) markUnhealthy() {
	pc.healthy = false
}
