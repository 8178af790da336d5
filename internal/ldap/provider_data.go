package ldap

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ProviderData is handed to every resource and data source of the provider.
type ProviderData struct {
	Client          Client
	Metrics         *Metrics
	CursorConfig    *CursorConfig
	UseTransactions bool
	BaseDN          string
}

// NewProviderData wraps client with default cursor settings.
func NewProviderData(client Client, metrics *Metrics) *ProviderData {
	return &ProviderData{
		Client:       client,
		Metrics:      metrics,
		CursorConfig: DefaultCursorConfig(),
	}
}

// ValidateConnection pings the directory.
func (pd *ProviderData) ValidateConnection(ctx context.Context) error {
	if pd.Client == nil {
		return fmt.Errorf("LDAP client is not initialized")
	}
	if err := pd.Client.Ping(ctx); err != nil {
		return fmt.Errorf("LDAP client connection failed: %w", err)
	}
	return nil
}

// Query opens a session, compiles q against the capabilities of the server
// behind it and hands the executed cursor to fn. The session is released
// when fn returns.
func (pd *ProviderData) Query(ctx context.Context, q *Query, fn func(*Cursor) error) error {
	session, err := pd.Client.Session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	caps, err := session.Capabilities(ctx)
	if err != nil {
		return err
	}
	req, err := CompileSearch(q, caps)
	if err != nil {
		return err
	}

	cursor := NewCursor(session, pd.CursorConfig, WithCursorMetrics(pd.Metrics))
	defer cursor.Close()

	if err := cursor.Execute(ctx, req); err != nil {
		return err
	}
	return fn(cursor)
}

// Write opens a session and runs fn with a writer for model. When
// transactions are enabled fn runs inside one, committed on success.
func (pd *ProviderData) Write(ctx context.Context, model *Model, fn func(ctx context.Context, w *Writer) error, opts ...WriterOption) error {
	session, err := pd.Client.Session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	opts = append([]WriterOption{WithWriterMetrics(pd.Metrics)}, opts...)
	if !pd.UseTransactions {
		return fn(ctx, NewWriter(session, model, opts...))
	}

	coord := NewTransactionCoordinator(session, WithTxnMetrics(pd.Metrics))
	w := NewWriter(session, model, append(opts, WithTransactionCoordinator(coord))...)
	tflog.SubsystemDebug(ctx, SubsystemLDAPDB, "Running write in transaction", map[string]any{
		"model": model.Name,
	})
	return WithTransaction(ctx, coord, func(ctx context.Context) error {
		return fn(ctx, w)
	})
}

// GetClientStats returns LDAP client pool statistics.
func (pd *ProviderData) GetClientStats() PoolStats {
	if pd.Client == nil {
		return PoolStats{}
	}
	return pd.Client.Stats()
}

// Close closes the client.
func (pd *ProviderData) Close() error {
	if pd.Client == nil {
		return nil
	}
	return pd.Client.Close()
}
