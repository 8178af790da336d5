package ldap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Session is a single directory connection used for one unit of work.
// Operations on a session run one at a time. Errors are returned as
// *LDAPError and are never retried.
type Session interface {
	Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(ctx context.Context, req *ldap.AddRequest) error
	Modify(ctx context.Context, req *ldap.ModifyRequest) error
	ModifyDN(ctx context.Context, req *ldap.ModifyDNRequest) error
	Del(ctx context.Context, req *ldap.DelRequest) error
	Extended(ctx context.Context, req *ldap.ExtendedRequest) (*ldap.ExtendedResponse, error)

	// Capabilities returns the server capabilities, probed once per connection.
	Capabilities(ctx context.Context) (ServerCapabilities, error)

	// Close returns the connection to the pool.
	Close() error
}

// pooledSession pins a pooled connection.
type pooledSession struct {
	id      string
	pc      *PooledConnection
	timeout time.Duration
	metrics *Metrics

	mu     sync.Mutex
	closed bool
}

func newPooledSession(pc *PooledConnection, timeout time.Duration, metrics *Metrics) *pooledSession {
	return &pooledSession{
		id:      uuid.NewString(),
		pc:      pc,
		timeout: timeout,
		metrics: metrics,
	}
}

// do runs fn on the pinned connection with the context deadline applied as
// the request timeout. The connection's previous timeout is restored when fn
// returns.
func (s *pooledSession) do(ctx context.Context, operation, dn string, fn func(conn *ldap.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newQueryError(operation, ErrorCategoryConnection, "session already closed")
	}
	if err := ctx.Err(); err != nil {
		return contextError(operation, err)
	}

	conn := s.pc.Conn()
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return contextError(operation, context.DeadlineExceeded)
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout > 0 && timeout != s.pc.timeout {
		prev := s.pc.setTimeout(timeout)
		defer s.pc.setTimeout(prev)
	}

	start := time.Now()
	err := fn(conn)
	s.metrics.observeOperation(operation, time.Since(start), err)

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		s.pc.markUnhealthy()
		return contextError(operation, ctxErr)
	}
	if dn != "" {
		err = wrapErrorWithDN(operation, dn, err)
	} else {
		err = WrapError(operation, err)
	}
	if GetErrorCategory(err) == ErrorCategoryConnection {
		s.pc.markUnhealthy()
	}
	return err
}

func (s *pooledSession) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	var result *ldap.SearchResult
	err := s.do(ctx, "search", req.BaseDN, func(conn *ldap.Conn) error {
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Issuing search", map[string]any{
			"session_id": s.id,
			"base_dn":    req.BaseDN,
			"filter":     req.Filter,
			"controls":   len(req.Controls),
		})
		var err error
		result, err = conn.Search(req)
		return err
	})
	return result, err
}

func (s *pooledSession) Add(ctx context.Context, req *ldap.AddRequest) error {
	return s.do(ctx, "add", req.DN, func(conn *ldap.Conn) error {
		return conn.Add(req)
	})
}

func (s *pooledSession) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	return s.do(ctx, "modify", req.DN, func(conn *ldap.Conn) error {
		return conn.Modify(req)
	})
}

func (s *pooledSession) ModifyDN(ctx context.Context, req *ldap.ModifyDNRequest) error {
	return s.do(ctx, "modify dn", req.DN, func(conn *ldap.Conn) error {
		return conn.ModifyDN(req)
	})
}

func (s *pooledSession) Del(ctx context.Context, req *ldap.DelRequest) error {
	return s.do(ctx, "delete", req.DN, func(conn *ldap.Conn) error {
		return conn.Del(req)
	})
}

func (s *pooledSession) Extended(ctx context.Context, req *ldap.ExtendedRequest) (*ldap.ExtendedResponse, error) {
	var resp *ldap.ExtendedResponse
	err := s.do(ctx, "extended", "", func(conn *ldap.Conn) error {
		var err error
		resp, err = conn.Extended(req)
		return err
	})
	return resp, err
}

// Capabilities returns the cached root DSE capabilities of the pinned connection.
func (s *pooledSession) Capabilities(ctx context.Context) (ServerCapabilities, error) {
	var caps ServerCapabilities
	err := s.do(ctx, "root dse", "", func(*ldap.Conn) error {
		var err error
		caps, err = s.pc.capabilities()
		return err
	})
	if err == nil {
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Server capabilities", map[string]any{
			"session_id":      s.id,
			"sort_and_window": caps.SortAndWindow,
			"simple_paging":   caps.SimplePaging,
			"transactions":    caps.Transactions,
		})
	}
	return caps, err
}

// Close returns the connection to the pool. Closing twice is a no-op.
func (s *pooledSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pc.Close()
	return nil
}

// contextError converts a context failure into the package taxonomy.
func contextError(operation string, err error) error {
	category := ErrorCategoryUnknown
	retryable := false
	if errors.Is(err, context.DeadlineExceeded) {
		category = ErrorCategoryTimeout
		retryable = true
	}
	return &LDAPError{
		Operation: operation,
		Category:  category,
		Message:   err.Error(),
		Retryable: retryable,
		Cause:     err,
	}
}
