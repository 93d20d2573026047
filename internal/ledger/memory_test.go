package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemoryLedger_HoldTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	require.NoError(t, m.Deposit(ctx, "founder", dec("1000")))

	ref, err := m.HoldFunds(ctx, "founder", dec("500"), "listing", "reward", "h1:hold")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	bal := m.GetBalance(ctx, "founder")
	assert.True(t, bal.Available.Equal(dec("500")))
	assert.True(t, bal.Held.Equal(dec("500")))

	require.NoError(t, m.CompleteEscrowTransfer(ctx, "founder", "claimer", dec("500"), "listing", "reward", "h1:release"))

	assert.True(t, m.GetBalance(ctx, "founder").Held.IsZero())
	assert.True(t, m.GetBalance(ctx, "claimer").Available.Equal(dec("500")))
	assert.Len(t, m.Entries(), 2)
}

func TestMemoryLedger_Refund(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	require.NoError(t, m.Deposit(ctx, "founder", dec("100")))
	_, err := m.HoldFunds(ctx, "founder", dec("40.5"), "listing", "reward", "h1:hold")
	require.NoError(t, err)

	require.NoError(t, m.RefundHeldFunds(ctx, "founder", dec("40.5"), "listing", "reward_refund", "h1:refund"))

	bal := m.GetBalance(ctx, "founder")
	assert.True(t, bal.Available.Equal(dec("100")))
	assert.True(t, bal.Held.IsZero())
}

func TestMemoryLedger_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	require.NoError(t, m.Deposit(ctx, "founder", dec("10")))

	_, err := m.HoldFunds(ctx, "founder", dec("10.01"), "listing", "reward", "h1:hold")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, m.Entries())

	// A failed key is not remembered and may be retried after a deposit.
	require.NoError(t, m.Deposit(ctx, "founder", dec("1")))
	_, err = m.HoldFunds(ctx, "founder", dec("10.01"), "listing", "reward", "h1:hold")
	assert.NoError(t, err)
}

func TestMemoryLedger_InsufficientHeld(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	err := m.CompleteEscrowTransfer(ctx, "founder", "claimer", dec("1"), "listing", "reward", "k")
	assert.ErrorIs(t, err, ErrInsufficientHeld)
	err = m.RefundHeldFunds(ctx, "founder", dec("1"), "listing", "reward_refund", "k2")
	assert.ErrorIs(t, err, ErrInsufficientHeld)
}

func TestMemoryLedger_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	require.NoError(t, m.Deposit(ctx, "founder", dec("1000")))

	ref1, err := m.HoldFunds(ctx, "founder", dec("500"), "listing", "reward", "h1:hold")
	require.NoError(t, err)
	ref2, err := m.HoldFunds(ctx, "founder", dec("500"), "listing", "reward", "h1:hold")
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	require.NoError(t, m.CompleteEscrowTransfer(ctx, "founder", "claimer", dec("500"), "listing", "reward", "h1:release"))
	require.NoError(t, m.CompleteEscrowTransfer(ctx, "founder", "claimer", dec("500"), "listing", "reward", "h1:release"))

	assert.True(t, m.GetBalance(ctx, "founder").Available.Equal(dec("500")))
	assert.True(t, m.GetBalance(ctx, "claimer").Available.Equal(dec("500")))
	assert.Len(t, m.Entries(), 2)
}

func TestMemoryLedger_InvalidAmount(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	assert.ErrorIs(t, m.Deposit(ctx, "a", decimal.Zero), ErrInvalidAmount)
	_, err := m.HoldFunds(ctx, "a", dec("-1"), "l", "reward", "k")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
