package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/rewardescrow/internal/circuitbreaker"
	"github.com/mbd888/rewardescrow/internal/traces"
)

const (
	pathHold     = "/v1/escrow/hold"
	pathTransfer = "/v1/escrow/transfer"
	pathRefund   = "/v1/escrow/refund"

	maxResponseBody = 1 << 20
)

// Config configures the HTTP ledger client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Breaker is shared across calls. Nil gets a breaker that opens after
	// 5 consecutive failures for 30s.
	Breaker    *circuitbreaker.Breaker
	HTTPClient *http.Client
}

// Client calls the wallet service's escrow endpoints. Every call carries an
// Idempotency-Key; the service applies a key at most once and answers a
// replay with the original result.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
		breaker: cfg.Breaker,
	}
}

type holdRequest struct {
	OwnerID   string          `json:"ownerId"`
	Amount    decimal.Decimal `json:"amount"`
	SubjectID string          `json:"subjectId"`
	Reason    string          `json:"reason"`
}

type transferRequest struct {
	FromID    string          `json:"fromId"`
	ToID      string          `json:"toId"`
	Amount    decimal.Decimal `json:"amount"`
	SubjectID string          `json:"subjectId"`
	Reason    string          `json:"reason"`
}

// HoldFunds moves amount from the owner's available balance to held and
// returns the ledger's transaction reference.
func (c *Client) HoldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) (string, error) {
	body, err := c.post(ctx, EntryHold, pathHold, idempotencyKey, holdRequest{
		OwnerID: ownerID, Amount: amount, SubjectID: subjectID, Reason: reason,
	})
	if err != nil {
		return "", err
	}

	ref := gjson.GetBytes(body, "txRef").String()
	if ref == "" {
		ref = gjson.GetBytes(body, "transaction.id").String()
	}
	if ref == "" {
		return "", fmt.Errorf("ledger hold: %w", ErrMissingReference)
	}
	return ref, nil
}

// CompleteEscrowTransfer pays held funds of fromID to toID's available balance.
func (c *Client) CompleteEscrowTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error {
	_, err := c.post(ctx, EntryTransfer, pathTransfer, idempotencyKey, transferRequest{
		FromID: fromID, ToID: toID, Amount: amount, SubjectID: subjectID, Reason: reason,
	})
	return err
}

// RefundHeldFunds moves held funds back to the owner's available balance.
func (c *Client) RefundHeldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error {
	_, err := c.post(ctx, EntryRefund, pathRefund, idempotencyKey, holdRequest{
		OwnerID: ownerID, Amount: amount, SubjectID: subjectID, Reason: reason,
	})
	return err
}

// Available reports whether the breaker currently lets calls through to
// every endpoint. Used by the readiness check.
func (c *Client) Available() bool {
	for _, op := range []string{EntryHold, EntryTransfer, EntryRefund} {
		if c.breaker.State(op) == circuitbreaker.StateOpen {
			return false
		}
	}
	return true
}

func (c *Client) post(ctx context.Context, op, path, idempotencyKey string, payload any) ([]byte, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.http."+op,
		traces.LedgerOp(op), attribute.String("idempotency_key", idempotencyKey))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode ledger %s request: %w", op, err)
	}

	var body []byte
	err = c.breaker.Execute(op, countsAgainstBreaker, func() error {
		body, err = c.do(ctx, op, path, idempotencyKey, raw)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %s circuit open", ErrUnavailable, op)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, op, path, idempotencyKey string, raw []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("ledger %s: read response: %w", op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	code := gjson.GetBytes(body, "error").String()
	if code == "" {
		code = gjson.GetBytes(body, "code").String()
	}
	serr := &StatusError{Op: op, Status: resp.StatusCode, Code: code, Body: string(body)}
	if (resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict) &&
		code == "insufficient_funds" {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientFunds, serr)
	}
	return nil, serr
}

// countsAgainstBreaker is false for answers that prove the ledger is up:
// business refusals and other 4xx except timeouts and throttling.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, ErrInsufficientFunds) {
		return false
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		switch {
		case serr.Status == http.StatusRequestTimeout, serr.Status == http.StatusTooManyRequests:
			return true
		case serr.Status >= 400 && serr.Status < 500:
			return false
		}
	}
	return true
}
