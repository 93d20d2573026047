package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mbd888/rewardescrow/internal/circuitbreaker"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL: srv.URL + "/",
		APIKey:  "secret",
		Timeout: time.Second,
		Breaker: circuitbreaker.New(2, time.Minute),
	}), srv
}

func TestClient_HoldFunds(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	var gotBody []byte
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"txRef":"tx-123"}`))
	})

	ref, err := c.HoldFunds(context.Background(), "owner-1", decimal.RequireFromString("500"), "listing-1", "reward", "h1:hold")
	require.NoError(t, err)
	assert.Equal(t, "tx-123", ref)
	assert.Equal(t, pathHold, gotPath)
	assert.Equal(t, "h1:hold", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "owner-1", gjson.GetBytes(gotBody, "ownerId").String())
	assert.Equal(t, "500", gjson.GetBytes(gotBody, "amount").String())
	assert.Equal(t, "listing-1", gjson.GetBytes(gotBody, "subjectId").String())
	assert.Equal(t, "reward", gjson.GetBytes(gotBody, "reason").String())
}

func TestClient_HoldFunds_NestedTransactionID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transaction":{"id":"tx-nested"}}`))
	})

	ref, err := c.HoldFunds(context.Background(), "o", decimal.NewFromInt(1), "s", "reward", "k")
	require.NoError(t, err)
	assert.Equal(t, "tx-nested", ref)
}

func TestClient_HoldFunds_MissingReference(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.HoldFunds(context.Background(), "o", decimal.NewFromInt(1), "s", "reward", "k")
	assert.ErrorIs(t, err, ErrMissingReference)
	assert.False(t, Refused(err), "a 2xx was applied even without a reference")
}

func TestRefused(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"insufficient funds", fmt.Errorf("%w: x", ErrInsufficientFunds), true},
		{"insufficient held", ErrInsufficientHeld, true},
		{"invalid amount", ErrInvalidAmount, true},
		{"circuit open", fmt.Errorf("%w: hold circuit open", ErrUnavailable), true},
		{"bad request", &StatusError{Op: "hold", Status: 400}, true},
		{"throttled", &StatusError{Op: "hold", Status: 429}, true},
		{"request timeout", &StatusError{Op: "hold", Status: 408}, false},
		{"server error", &StatusError{Op: "hold", Status: 503}, false},
		{"missing reference", fmt.Errorf("ledger hold: %w", ErrMissingReference), false},
		{"transport", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Refused(tt.err))
		})
	}
}

func TestClient_Transfer(t *testing.T) {
	var gotBody []byte
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathTransfer, r.URL.Path)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.CompleteEscrowTransfer(context.Background(), "a", "b", decimal.RequireFromString("12.5"), "l", "reward", "h1:release")
	require.NoError(t, err)
	assert.Equal(t, "a", gjson.GetBytes(gotBody, "fromId").String())
	assert.Equal(t, "b", gjson.GetBytes(gotBody, "toId").String())
	assert.Equal(t, "12.5", gjson.GetBytes(gotBody, "amount").String())
}

func TestClient_InsufficientFunds(t *testing.T) {
	for _, status := range []int{http.StatusPaymentRequired, http.StatusConflict} {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"insufficient_funds"}`))
		})

		_, err := c.HoldFunds(context.Background(), "o", decimal.NewFromInt(1), "s", "reward", "k")
		assert.ErrorIs(t, err, ErrInsufficientFunds, "status %d", status)

		var serr *StatusError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, status, serr.Status)
	}
}

func TestClient_ServerErrorTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := c.RefundHeldFunds(ctx, "o", decimal.NewFromInt(1), "s", "reward_refund", "k")
		var serr *StatusError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, http.StatusInternalServerError, serr.Status)
	}
	assert.False(t, c.Available())

	err := c.RefundHeldFunds(ctx, "o", decimal.NewFromInt(1), "s", "reward_refund", "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the server")

	// Other endpoints have their own circuit.
	err = c.CompleteEscrowTransfer(ctx, "a", "b", decimal.NewFromInt(1), "s", "reward", "k2")
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestClient_BusinessErrorsDoNotTrip(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"insufficient_funds"}`))
	})

	for i := 0; i < 5; i++ {
		_, _ = c.HoldFunds(context.Background(), "o", decimal.NewFromInt(1), "s", "reward", "k")
	}
	assert.True(t, c.Available())
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	err := c.CompleteEscrowTransfer(context.Background(), "a", "b", decimal.NewFromInt(1), "s", "reward", "k")
	assert.Error(t, err)
}

func TestCountsAgainstBreaker(t *testing.T) {
	assert.True(t, countsAgainstBreaker(errors.New("dial tcp: refused")))
	assert.True(t, countsAgainstBreaker(&StatusError{Status: 503}))
	assert.True(t, countsAgainstBreaker(&StatusError{Status: 429}))
	assert.False(t, countsAgainstBreaker(&StatusError{Status: 400}))
	assert.False(t, countsAgainstBreaker(ErrInsufficientFunds))
}
