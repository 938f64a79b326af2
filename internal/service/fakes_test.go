package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/oracle"
)

// Shared in-memory doubles for the service tests.  Every fake copies entities on
// the way in and out so tests cannot observe aliasing artifacts.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedClock returns the same instant until advanced.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ──────────────────────────────────────────────────────────────────────────────
// Stores
// ──────────────────────────────────────────────────────────────────────────────

type memProducts struct {
	mu    sync.Mutex
	items map[string]*domain.LendingProduct
}

func newMemProducts() *memProducts {
	return &memProducts{items: map[string]*domain.LendingProduct{}}
}

func (m *memProducts) Create(_ context.Context, p *domain.LendingProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.items[p.ProductID] = &cp
	return nil
}

func (m *memProducts) GetByID(_ context.Context, productID string) (*domain.LendingProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[productID]
	if !ok {
		return nil, fmt.Errorf("memProducts.GetByID: %w", domain.ErrProductNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memProducts) ListActive(_ context.Context, asset string) ([]*domain.LendingProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.LendingProduct, 0, len(m.items))
	for _, p := range m.items {
		if !p.IsActive {
			continue
		}
		if asset != "" && p.Asset != asset {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *memProducts) SetActive(_ context.Context, productID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	p.IsActive = active
	return nil
}

func (m *memProducts) UpdateRate(_ context.Context, productID string, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	p.InterestRate = rate
	return nil
}

func (m *memProducts) SyncCurrentAmount(_ context.Context, _ string) error { return nil }

type memPositions struct {
	mu       sync.Mutex
	items    map[uuid.UUID]*domain.UserPosition
	failOn   string // "create" or "update" to force failure
	updates  int
	sumDelay time.Duration // widens the window between sum read and insert
}

func newMemPositions() *memPositions {
	return &memPositions{items: map[uuid.UUID]*domain.UserPosition{}}
}

func (m *memPositions) Create(_ context.Context, p *domain.UserPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "create" {
		return errors.New("storage unavailable")
	}
	cp := *p
	m.items[p.PositionID] = &cp
	return nil
}

func (m *memPositions) GetByID(_ context.Context, id uuid.UUID) (*domain.UserPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("memPositions.GetByID: %w", domain.ErrPositionNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memPositions) ListByUser(_ context.Context, userID uuid.UUID, activeOnly bool) ([]*domain.UserPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.UserPosition
	for _, p := range m.items {
		if p.UserID != userID {
			continue
		}
		if activeOnly && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memPositions) ListActive(_ context.Context) ([]*domain.UserPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.UserPosition
	for _, p := range m.items {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPositions) ListMatured(_ context.Context, now time.Time) ([]*domain.UserPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.UserPosition
	for _, p := range m.items {
		if p.IsActive && p.IsMatured(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPositions) Update(_ context.Context, p *domain.UserPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "update" {
		return errors.New("storage unavailable")
	}
	if _, ok := m.items[p.PositionID]; !ok {
		return domain.ErrPositionNotFound
	}
	cp := *p
	m.items[p.PositionID] = &cp
	m.updates++
	return nil
}

func (m *memPositions) SumActiveByProduct(_ context.Context, productID string) (decimal.Decimal, error) {
	m.mu.Lock()
	sum := decimal.Zero
	for _, p := range m.items {
		if p.IsActive && p.ProductID == productID {
			sum = sum.Add(p.CurrentAmount)
		}
	}
	delay := m.sumDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return sum, nil
}

type memLoans struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*domain.Loan
	failOn  string
	updates int
}

func newMemLoans() *memLoans { return &memLoans{items: map[uuid.UUID]*domain.Loan{}} }

func (m *memLoans) Create(_ context.Context, l *domain.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "create" {
		return errors.New("storage unavailable")
	}
	cp := *l
	m.items[l.LoanID] = &cp
	return nil
}

func (m *memLoans) GetByID(_ context.Context, id uuid.UUID) (*domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("memLoans.GetByID: %w", domain.ErrLoanNotFound)
	}
	cp := *l
	return &cp, nil
}

func (m *memLoans) ListByUser(_ context.Context, userID uuid.UUID) ([]*domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Loan
	for _, l := range m.items {
		if l.UserID == userID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memLoans) ListByStatus(_ context.Context, status domain.LoanStatus) ([]*domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Loan
	for _, l := range m.items {
		if l.Status == status {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memLoans) Update(_ context.Context, l *domain.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "update" {
		return errors.New("storage unavailable")
	}
	if _, ok := m.items[l.LoanID]; !ok {
		return domain.ErrLoanNotFound
	}
	cp := *l
	m.items[l.LoanID] = &cp
	m.updates++
	return nil
}

func (m *memLoans) MarkCollateralLiquidating(_ context.Context, loanID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.items[loanID]
	if !ok {
		return false, domain.ErrLoanNotFound
	}
	if l.Status != domain.LoanActive || l.CollateralStatus != domain.CollateralActive {
		return false, nil
	}
	l.CollateralStatus = domain.CollateralLiquidating
	return true, nil
}

func (m *memLoans) TotalOutstandingByUser(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, l := range m.items {
		if l.UserID == userID && l.IsActive() {
			sum = sum.Add(l.OutstandingAmount)
		}
	}
	return sum, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Ledger, oracle, bus
// ──────────────────────────────────────────────────────────────────────────────

type ledgerOp struct {
	Op            string // reserve, release, settle, credit
	UserID        uuid.UUID
	Asset         string
	Amount        decimal.Decimal
	CorrelationID uuid.UUID
}

// memLedger records all operations and can be told to fail a specific op.
type memLedger struct {
	mu     sync.Mutex
	ops    []ledgerOp
	failOp string
	err    error
}

func newMemLedger() *memLedger { return &memLedger{} }

func (m *memLedger) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOp, m.err = op, err
}

func (m *memLedger) do(op string, userID uuid.UUID, asset string, amount decimal.Decimal, cid uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOp == op {
		if m.err != nil {
			return m.err
		}
		return errors.New("ledger unavailable")
	}
	m.ops = append(m.ops, ledgerOp{op, userID, asset, amount, cid})
	return nil
}

func (m *memLedger) Reserve(_ context.Context, u uuid.UUID, a string, amt decimal.Decimal, c uuid.UUID) error {
	return m.do("reserve", u, a, amt, c)
}
func (m *memLedger) Release(_ context.Context, u uuid.UUID, a string, amt decimal.Decimal, c uuid.UUID) error {
	return m.do("release", u, a, amt, c)
}
func (m *memLedger) Settle(_ context.Context, u uuid.UUID, a string, amt decimal.Decimal, c uuid.UUID) error {
	return m.do("settle", u, a, amt, c)
}
func (m *memLedger) Credit(_ context.Context, u uuid.UUID, a string, amt decimal.Decimal, c uuid.UUID) error {
	return m.do("credit", u, a, amt, c)
}

func (m *memLedger) recorded(op string) []ledgerOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledgerOp
	for _, o := range m.ops {
		if o.Op == op {
			out = append(out, o)
		}
	}
	return out
}

// staticPrices serves fixed USD prices per asset.
type staticPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newStaticPrices(prices map[string]string) *staticPrices {
	out := map[string]decimal.Decimal{}
	for asset, p := range prices {
		out[asset] = decimal.RequireFromString(p)
	}
	return &staticPrices{prices: out}
}

func (s *staticPrices) set(asset, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = decimal.RequireFromString(price)
}

func (s *staticPrices) GetPrice(_ context.Context, asset string) (oracle.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[asset]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("staticPrices: no price for %s", asset)
	}
	return oracle.Quote{Asset: asset, Price: p, AsOf: time.Now()}, nil
}

// memBus counts published messages per topic.
type memBus struct {
	mu     sync.Mutex
	counts map[string]int
	last   map[string]interface{}
}

func newMemBus() *memBus {
	return &memBus{counts: map[string]int{}, last: map[string]interface{}{}}
}

func (b *memBus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[topic]++
	b.last[topic] = payload
}

func (b *memBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[topic]
}
