package ldap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// TxnState is the lifecycle state of a transaction handle.
type TxnState int

const (
	TxnOpen TxnState = iota
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return fmt.Sprintf("txn(%d)", int(s))
	}
}

// Transaction is a handle on one server transaction. Autocommit handles are
// returned when the server has no transaction support; writes made under
// them apply immediately.
type Transaction struct {
	ID         []byte
	TraceID    string
	Autocommit bool
	state      TxnState
	started    time.Time
}

// State returns the current state.
func (t *Transaction) State() TxnState {
	return t.state
}

// Closed reports whether the handle has been ended.
func (t *Transaction) Closed() bool {
	return t.state != TxnOpen
}

func (t *Transaction) logFields() map[string]any {
	return map[string]any{
		"txn_id":     hex.EncodeToString(t.ID),
		"trace_id":   t.TraceID,
		"autocommit": t.Autocommit,
		"state":      t.state.String(),
	}
}

// TransactionCoordinator runs the RFC 5805 start/attach/end protocol on one
// session. At most one transaction is open at a time.
type TransactionCoordinator struct {
	session Session
	metrics *Metrics

	mu     sync.Mutex
	active *Transaction
	ended  *Transaction
}

// TxnOption configures a TransactionCoordinator.
type TxnOption func(*TransactionCoordinator)

// WithTxnMetrics records transaction outcomes on m.
func WithTxnMetrics(m *Metrics) TxnOption {
	return func(c *TransactionCoordinator) { c.metrics = m }
}

// NewTransactionCoordinator returns a coordinator for session.
func NewTransactionCoordinator(session Session, opts ...TxnOption) *TransactionCoordinator {
	c := &TransactionCoordinator{session: session}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active returns the open transaction, or nil.
func (c *TransactionCoordinator) Active() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Begin starts a transaction. Without server support it returns an
// autocommit handle.
func (c *TransactionCoordinator) Begin(ctx context.Context) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, newQueryError("begin transaction", ErrorCategoryTransaction, "a transaction is already open")
	}

	caps, err := c.session.Capabilities(ctx)
	if err != nil {
		return nil, err
	}

	txn := &Transaction{TraceID: uuid.NewString(), started: time.Now()}
	if !caps.Transactions {
		txn.Autocommit = true
		c.active, c.ended = txn, nil
		LogTransactionEvent(ctx, "autocommit", txn.logFields())
		return txn, nil
	}

	resp, err := c.session.Extended(ctx, newTxnStartRequest())
	if err != nil && !isMalformedExtendedResponse(err) {
		c.metrics.observeTransaction("start_failed")
		return nil, err
	}
	txn.ID = extendedResponseValue(resp)

	c.active, c.ended = txn, nil
	LogTransactionEvent(ctx, "started", txn.logFields())
	return txn, nil
}

// AttachControls returns controls plus the transaction specification
// control of the open transaction. With no transaction, or an autocommit
// one, controls are returned unchanged.
func (c *TransactionCoordinator) AttachControls(controls []ldap.Control) ([]ldap.Control, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		if c.ended != nil {
			return nil, newQueryError("attach transaction", ErrorCategoryTransaction, "transaction is %s", c.ended.state)
		}
		return controls, nil
	}
	if c.active.Autocommit {
		return controls, nil
	}
	out := make([]ldap.Control, 0, len(controls)+1)
	out = append(out, controls...)
	return append(out, NewTxnSpecificationControl(c.active.ID)), nil
}

// End commits or aborts the open transaction. The handle is closed whatever
// the outcome.
func (c *TransactionCoordinator) End(ctx context.Context, commit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn := c.active
	if txn == nil {
		return newQueryError("end transaction", ErrorCategoryTransaction, "no open transaction")
	}
	c.active, c.ended = nil, txn

	outcome := TxnAborted
	if commit {
		outcome = TxnCommitted
	}

	if txn.Autocommit {
		txn.state = outcome
		LogTransactionEvent(ctx, "ended", txn.logFields())
		return nil
	}

	err := c.end(ctx, txn, commit)
	if err != nil {
		outcome = TxnAborted
	}
	txn.state = outcome

	fields := txn.logFields()
	fields["duration_ms"] = time.Since(txn.started).Milliseconds()
	if err != nil {
		c.metrics.observeTransaction("failed")
		LogLDAPError(ctx, SubsystemLDAPDB, "end transaction", err, fields)
		return err
	}
	c.metrics.observeTransaction(outcome.String())
	LogTransactionEvent(ctx, "ended", fields)
	return nil
}

func (c *TransactionCoordinator) end(ctx context.Context, txn *Transaction, commit bool) error {
	resp, err := c.session.Extended(ctx, newTxnEndRequest(txn.ID, commit))
	if err != nil {
		if isMalformedExtendedResponse(err) {
			return nil
		}
		return &LDAPError{
			Operation: "end transaction",
			Category:  ErrorCategoryTransaction,
			LDAPCode:  lderrCode(err),
			Message:   "transaction end failed",
			Cause:     err,
		}
	}

	res, err := decodeTxnEndResponse(extendedResponseValue(resp))
	if err != nil {
		return newQueryError("end transaction", ErrorCategoryTransaction, "%v", err)
	}
	if res.HasMessageID {
		return newQueryError("end transaction", ErrorCategoryTransaction, "update with message ID %d failed", res.MessageID)
	}
	return nil
}

// WithTransaction runs fn inside a transaction, committing when fn succeeds
// and aborting when it fails or panics.
func WithTransaction(ctx context.Context, coord *TransactionCoordinator, fn func(ctx context.Context) error) (err error) {
	if _, err := coord.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = coord.End(ctx, false)
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if endErr := coord.End(ctx, false); endErr != nil {
			return errors.Join(err, endErr)
		}
		return err
	}
	return coord.End(ctx, true)
}

// isMalformedExtendedResponse detects go-ldap rejecting an extended
// response that carries neither responseName nor responseValue.
func isMalformedExtendedResponse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "malformed extended response")
}

func lderrCode(err error) uint16 {
	var lerr *LDAPError
	if errors.As(err, &lerr) {
		return lerr.LDAPCode
	}
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode
	}
	return 0
}
