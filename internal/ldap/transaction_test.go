package ldap

import (
	"context"
	"errors"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func txnStartResponse(id string) *ldap.ExtendedResponse {
	return &ldap.ExtendedResponse{
		Value: ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, id, "responseValue"),
	}
}

func txnEndResponseValue(messageID int64) *ldap.ExtendedResponse {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "txnEndRes")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "messageID"))
	raw := seq.Bytes()
	return &ldap.ExtendedResponse{
		Value: ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, string(raw), "responseValue"),
	}
}

func isTxnEnd(commit bool) func(*ldap.ExtendedRequest) bool {
	return func(req *ldap.ExtendedRequest) bool {
		if req.Name != OIDTxnEnd || req.Value == nil || len(req.Value.Children) != 1 {
			return false
		}
		seq := req.Value.Children[0]
		hasFalse := len(seq.Children) == 2 && seq.Children[0].Value == false
		return hasFalse != commit
	}
}

func txnSession(t *testing.T, ctx context.Context) *MockSession {
	t.Helper()
	session := new(MockSession)
	session.On("Capabilities", ctx).Return(ServerCapabilities{Transactions: true}, nil)
	session.On("Extended", ctx, mock.MatchedBy(func(req *ldap.ExtendedRequest) bool {
		return req.Name == OIDTxnStart && req.Value == nil
	})).Return(txnStartResponse("txn-1"), nil)
	return session
}

func TestTransactionCoordinator_Commit(t *testing.T) {
	ctx := context.Background()
	session := txnSession(t, ctx)
	session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(true))).Return(&ldap.ExtendedResponse{}, nil).Once()

	metrics, err := NewMetrics(nil)
	require.NoError(t, err)
	coord := NewTransactionCoordinator(session, WithTxnMetrics(metrics))

	txn, err := coord.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("txn-1"), txn.ID)
	assert.False(t, txn.Autocommit)
	assert.NotEmpty(t, txn.TraceID)
	assert.Equal(t, TxnOpen, txn.State())
	assert.Same(t, txn, coord.Active())

	controls, err := coord.AttachControls([]ldap.Control{ldap.NewControlManageDsaIT(false)})
	require.NoError(t, err)
	require.Len(t, controls, 2)
	spec, ok := controls[1].(*ldap.ControlString)
	require.True(t, ok)
	assert.Equal(t, OIDTxnSpecification, spec.ControlType)
	assert.True(t, spec.Criticality)
	assert.Equal(t, "txn-1", spec.ControlValue)

	require.NoError(t, coord.End(ctx, true))
	assert.Equal(t, TxnCommitted, txn.State())
	assert.True(t, txn.Closed())
	assert.Nil(t, coord.Active())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TransactionsTotal.WithLabelValues("committed")))
	session.AssertExpectations(t)
}

func TestTransactionCoordinator_Abort(t *testing.T) {
	ctx := context.Background()
	session := txnSession(t, ctx)
	session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(false))).Return(&ldap.ExtendedResponse{}, nil).Once()

	coord := NewTransactionCoordinator(session)
	txn, err := coord.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, coord.End(ctx, false))
	assert.Equal(t, TxnAborted, txn.State())
	session.AssertExpectations(t)
}

func TestTransactionCoordinator_Autocommit(t *testing.T) {
	ctx := context.Background()
	session := new(MockSession)
	session.On("Capabilities", ctx).Return(ServerCapabilities{SimplePaging: true}, nil)

	coord := NewTransactionCoordinator(session)
	txn, err := coord.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, txn.Autocommit)
	assert.Nil(t, txn.ID)

	controls, err := coord.AttachControls(nil)
	require.NoError(t, err)
	assert.Empty(t, controls)

	require.NoError(t, coord.End(ctx, true))
	assert.Equal(t, TxnCommitted, txn.State())
	session.AssertNotCalled(t, "Extended", mock.Anything, mock.Anything)
}

func TestTransactionCoordinator_Misuse(t *testing.T) {
	ctx := context.Background()
	session := txnSession(t, ctx)
	session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(true))).Return(&ldap.ExtendedResponse{}, nil)

	coord := NewTransactionCoordinator(session)

	err := coord.End(ctx, true)
	assert.ErrorIs(t, err, ErrTransaction, "end without begin")

	controls, err := coord.AttachControls(nil)
	require.NoError(t, err, "no transaction attaches nothing")
	assert.Empty(t, controls)

	_, err = coord.Begin(ctx)
	require.NoError(t, err)
	_, err = coord.Begin(ctx)
	assert.ErrorIs(t, err, ErrTransaction, "nested begin")

	require.NoError(t, coord.End(ctx, true))
	_, err = coord.AttachControls(nil)
	assert.ErrorIs(t, err, ErrTransaction, "attach after end")
	assert.ErrorIs(t, coord.End(ctx, true), ErrTransaction, "double end")

	_, err = coord.Begin(ctx)
	require.NoError(t, err, "a new transaction may start after the previous one ended")
	_, err = coord.AttachControls(nil)
	assert.NoError(t, err)
}

func TestTransactionCoordinator_BeginErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("capabilities unavailable", func(t *testing.T) {
		session := new(MockSession)
		session.On("Capabilities", ctx).Return(ServerCapabilities{}, errors.New("connection refused"))

		_, err := NewTransactionCoordinator(session).Begin(ctx)
		assert.Error(t, err)
	})

	t.Run("start rejected", func(t *testing.T) {
		session := new(MockSession)
		session.On("Capabilities", ctx).Return(ServerCapabilities{Transactions: true}, nil)
		session.On("Extended", ctx, mock.Anything).
			Return(nil, ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("no"))).Once()

		coord := NewTransactionCoordinator(session)
		_, err := coord.Begin(ctx)
		assert.Error(t, err)
		assert.Nil(t, coord.Active())
	})

	t.Run("malformed start response tolerated", func(t *testing.T) {
		session := new(MockSession)
		session.On("Capabilities", ctx).Return(ServerCapabilities{Transactions: true}, nil)
		session.On("Extended", ctx, mock.Anything).
			Return(nil, errors.New("ldap: malformed extended response")).Once()

		txn, err := NewTransactionCoordinator(session).Begin(ctx)
		require.NoError(t, err)
		assert.Empty(t, txn.ID)
	})
}

func TestTransactionCoordinator_EndFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("failed update reported", func(t *testing.T) {
		session := txnSession(t, ctx)
		session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(true))).Return(txnEndResponseValue(7), nil).Once()

		metrics, err := NewMetrics(nil)
		require.NoError(t, err)
		coord := NewTransactionCoordinator(session, WithTxnMetrics(metrics))
		txn, err := coord.Begin(ctx)
		require.NoError(t, err)

		err = coord.End(ctx, true)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransaction)
		assert.Contains(t, err.Error(), "message ID 7")
		assert.Equal(t, TxnAborted, txn.State())
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TransactionsTotal.WithLabelValues("failed")))
	})

	t.Run("server error closes the handle", func(t *testing.T) {
		session := txnSession(t, ctx)
		session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(true))).
			Return(nil, ldap.NewError(ldap.LDAPResultOther, errors.New("boom"))).Once()

		coord := NewTransactionCoordinator(session)
		txn, err := coord.Begin(ctx)
		require.NoError(t, err)

		err = coord.End(ctx, true)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransaction)
		assert.True(t, txn.Closed())
		assert.Nil(t, coord.Active())
	})

	t.Run("malformed end response tolerated", func(t *testing.T) {
		session := txnSession(t, ctx)
		session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(true))).
			Return(nil, errors.New("ldap: malformed extended response")).Once()

		coord := NewTransactionCoordinator(session)
		txn, err := coord.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, coord.End(ctx, true))
		assert.Equal(t, TxnCommitted, txn.State())
	})
}

func TestWithTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		session := txnSession(t, ctx)
		session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(true))).Return(&ldap.ExtendedResponse{}, nil).Once()

		coord := NewTransactionCoordinator(session)
		err := WithTransaction(ctx, coord, func(ctx context.Context) error {
			assert.NotNil(t, coord.Active())
			return nil
		})
		require.NoError(t, err)
		session.AssertExpectations(t)
	})

	t.Run("aborts on error", func(t *testing.T) {
		session := txnSession(t, ctx)
		session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(false))).Return(&ldap.ExtendedResponse{}, nil).Once()

		boom := errors.New("boom")
		err := WithTransaction(ctx, NewTransactionCoordinator(session), func(context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		session.AssertExpectations(t)
	})

	t.Run("aborts and repanics", func(t *testing.T) {
		session := txnSession(t, ctx)
		session.On("Extended", ctx, mock.MatchedBy(isTxnEnd(false))).Return(&ldap.ExtendedResponse{}, nil).Once()

		coord := NewTransactionCoordinator(session)
		assert.PanicsWithValue(t, "kaboom", func() {
			_ = WithTransaction(ctx, coord, func(context.Context) error {
				panic("kaboom")
			})
		})
		assert.Nil(t, coord.Active())
		session.AssertExpectations(t)
	})

	t.Run("begin failure skips fn", func(t *testing.T) {
		session := new(MockSession)
		session.On("Capabilities", ctx).Return(ServerCapabilities{}, errors.New("down"))

		called := false
		err := WithTransaction(ctx, NewTransactionCoordinator(session), func(context.Context) error {
			called = true
			return nil
		})
		assert.Error(t, err)
		assert.False(t, called)
	})
}

func TestTxnState_String(t *testing.T) {
	assert.Equal(t, "open", TxnOpen.String())
	assert.Equal(t, "committed", TxnCommitted.String())
	assert.Equal(t, "aborted", TxnAborted.String())
	assert.Equal(t, "txn(5)", TxnState(5).String())
}

func TestNewTxnEndRequest(t *testing.T) {
	req := newTxnEndRequest([]byte{0x01, 0x02}, true)
	assert.Equal(t, OIDTxnEnd, req.Name)
	require.Len(t, req.Value.Children, 1)
	seq := req.Value.Children[0]
	require.Len(t, seq.Children, 1, "commit defaults to TRUE and is omitted")
	assert.Equal(t, "\x01\x02", seq.Children[0].Value)

	req = newTxnEndRequest([]byte("abc"), false)
	seq = req.Value.Children[0]
	require.Len(t, seq.Children, 2)
	assert.Equal(t, false, seq.Children[0].Value)
	assert.Equal(t, "abc", seq.Children[1].Value)

	start := newTxnStartRequest()
	assert.Equal(t, OIDTxnStart, start.Name)
	assert.Nil(t, start.Value)
}

func TestDecodeTxnEndResponse(t *testing.T) {
	res, err := decodeTxnEndResponse(nil)
	require.NoError(t, err)
	assert.False(t, res.HasMessageID)

	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "txnEndRes")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(3), "messageID"))
	updates := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "updatesControls")
	for _, id := range []int64{1, 2} {
		update := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "updateControls")
		update.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "messageID"))
		update.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "controls"))
		updates.AppendChild(update)
	}
	seq.AppendChild(updates)

	res, err = decodeTxnEndResponse(seq.Bytes())
	require.NoError(t, err)
	assert.True(t, res.HasMessageID)
	assert.Equal(t, int64(3), res.MessageID)
	assert.Equal(t, 2, res.UpdatesControls)

	notSeq := ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "x", "")
	_, err = decodeTxnEndResponse(notSeq.Bytes())
	assert.Error(t, err)

	_, err = decodeTxnEndResponse([]byte{0x30, 0x05, 0x02})
	assert.Error(t, err)
}

func TestExtendedResponseValue(t *testing.T) {
	assert.Nil(t, extendedResponseValue(nil))
	assert.Equal(t, []byte("txn-1"), extendedResponseValue(txnStartResponse("txn-1")))
	assert.Equal(t, []byte("opaque"), extendedResponseValue(&ldap.ExtendedResponse{Name: "opaque"}), "value decoded into the name field")
	assert.Nil(t, extendedResponseValue(&ldap.ExtendedResponse{Name: OIDTxnStart}))
}
