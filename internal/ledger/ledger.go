// Package ledger talks to the external balance ledger. The platform never
// holds balances itself: all monetary moves run through the ledger's
// reserve/release/settle protocol, keyed by a correlation id so retries are
// idempotent on the ledger side.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nivora/platform/internal/config"
	"github.com/nivora/platform/internal/domain"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Interface
// ──────────────────────────────────────────────────────────────────────────────

// Ledger is the balance protocol consumed by the lending and swap flows.
//
// Reserve places a hold on a user's available balance; Release cancels a hold
// (the compensation step when a later write fails); Settle converts a hold
// into a final debit; Credit adds funds with no prior hold. Every call
// carries the correlation id of the business entity that caused it.
type Ledger interface {
	Reserve(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error
	Release(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error
	Settle(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error
	Credit(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error
}

// Reservation is an open hold as reported by the ledger.
type Reservation struct {
	UserID        uuid.UUID       `json:"user_id"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReservationLister exposes open holds older than a cutoff. The orphan
// recovery sweep compares them against persisted entities and releases holds
// whose entity never made it to storage.
type ReservationLister interface {
	ListReservations(ctx context.Context, olderThan time.Duration) ([]Reservation, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP client
// ──────────────────────────────────────────────────────────────────────────────

// Client is the HTTP implementation of Ledger.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient constructs a ledger client from config.
func NewClient(cfg *config.LedgerConfig) *Client {
	return &Client{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
	}
}

// opRequest is the wire form of every ledger operation.
type opRequest struct {
	UserID        uuid.UUID       `json:"user_id"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
}

// Reserve places a hold on the user's available balance.
func (c *Client) Reserve(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error {
	return c.do(ctx, "/v1/reserve", opRequest{userID, asset, amount, correlationID})
}

// Release cancels a previously placed hold.
func (c *Client) Release(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error {
	return c.do(ctx, "/v1/release", opRequest{userID, asset, amount, correlationID})
}

// Settle converts a hold into a final debit.
func (c *Client) Settle(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error {
	return c.do(ctx, "/v1/settle", opRequest{userID, asset, amount, correlationID})
}

// Credit adds funds to the user's available balance.
func (c *Client) Credit(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) error {
	return c.do(ctx, "/v1/credit", opRequest{userID, asset, amount, correlationID})
}

// ListReservations returns open holds older than the cutoff.
func (c *Client) ListReservations(ctx context.Context, olderThan time.Duration) ([]Reservation, error) {
	url := fmt.Sprintf("%s/v1/reservations?older_than=%s", c.baseURL, olderThan)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger reservations: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ledger reservations: status %d: %s", resp.StatusCode, body)
	}

	var out []Reservation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ledger reservations: decode: %w", err)
	}
	return out, nil
}

// do POSTs one ledger operation and maps the response status to domain
// errors. 402 means the ledger refused the reservation for lack of funds.
func (c *Client) do(ctx context.Context, path string, req opRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ledger %s: %w: %w", path, domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return domain.ErrInsufficientFunds
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger %s: %w: status %d: %s", path, domain.ErrTransient, resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger %s: status %d: %s", path, resp.StatusCode, body)
	}
}
