package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &TimeoutError{Adapter: "a", Op: "submit"}, true},
		{"connection", &ConnectionError{Adapter: "a", Op: "submit", Err: errors.New("refused")}, true},
		{"signature", &SignatureError{Adapter: "a", Reason: "bad sig"}, true},
		{"wrapped timeout", fmt.Errorf("attempt 2: %w", &TimeoutError{Adapter: "a"}), true},
		{"rejection", NewRejection("a", "", "market closed"), false},
		{"insufficient funds", NewInsufficientFunds("a", "balance 0"), false},
		{"invalid nonce", NewInvalidNonce("a", 7, "stale"), false},
		{"order not found", NewOrderNotFound("a", "o-1", "gone"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestRejectionSubtypesMatchParent(t *testing.T) {
	for _, err := range []error{
		NewInsufficientFunds("a", "x"),
		NewInvalidNonce("a", 1, "x"),
		NewOrderNotFound("a", "o", "x"),
		fmt.Errorf("wrapped: %w", NewInsufficientFunds("a", "x")),
	} {
		var rej *RejectionError
		require.True(t, errors.As(err, &rej), err.Error())
		assert.Equal(t, "a", rej.Adapter)
		assert.True(t, IsRejection(err))
	}

	var ife *InsufficientFundsError
	assert.False(t, errors.As(NewRejection("a", "", "x"), &ife), "parent does not match subtype")
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "timeout", Kind(&TimeoutError{}))
	assert.Equal(t, "connection", Kind(&ConnectionError{}))
	assert.Equal(t, "signature", Kind(&SignatureError{}))
	assert.Equal(t, "insufficient_funds", Kind(NewInsufficientFunds("a", "")))
	assert.Equal(t, "invalid_nonce", Kind(NewInvalidNonce("a", 0, "")))
	assert.Equal(t, "order_not_found", Kind(NewOrderNotFound("a", "", "")))
	assert.Equal(t, "rejection", Kind(NewRejection("a", "", "")))
	assert.Equal(t, "unknown", Kind(errors.New("x")))
}

func TestOrderStateTransitions(t *testing.T) {
	assert.True(t, OrderStatePending.CanTransition(OrderStatePartial))
	assert.True(t, OrderStatePending.CanTransition(OrderStateFilled))
	assert.True(t, OrderStatePartial.CanTransition(OrderStatePartial))
	assert.True(t, OrderStatePartial.CanTransition(OrderStateCancelled))
	assert.False(t, OrderStatePartial.CanTransition(OrderStatePending))

	for _, terminal := range []OrderState{OrderStateFilled, OrderStateFailed, OrderStateCancelled} {
		assert.True(t, terminal.IsTerminal())
		assert.False(t, terminal.CanTransition(OrderStatePending))
		assert.False(t, terminal.CanTransition(OrderStateFilled))
	}
	assert.False(t, OrderStatePending.IsTerminal())
}
