package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/ledger"
	"github.com/nivora/platform/internal/oracle"
)

// orphanCutoff is how old a ledger hold must be before the recovery sweep
// treats a missing entity as a crashed write rather than an in-flight one.
const orphanCutoff = 10 * time.Minute

// ──────────────────────────────────────────────────────────────────────────────
// LendingService
// ──────────────────────────────────────────────────────────────────────────────

// LendingService implements the product/position/loan flows. Monetary moves
// run reserve-first through the ledger; when a later write fails, the
// reservation is released before the error returns, so an operation either
// lands completely or leaves no trace.
type LendingService struct {
	products  ProductStore
	positions PositionStore
	loans     LoanStore
	ledger    ledger.Ledger
	risk      *RiskEngine
	interest  *InterestEngine
	prices    oracle.Provider
	bus       publisher
	clock     domain.Clock
	log       *slog.Logger

	posLocks  *keyMutex[uuid.UUID]
	loanLocks *keyMutex[uuid.UUID]
	prodLocks *keyMutex[string]
}

// NewLendingService wires a LendingService.
func NewLendingService(
	products ProductStore,
	positions PositionStore,
	loans LoanStore,
	ldg ledger.Ledger,
	risk *RiskEngine,
	interest *InterestEngine,
	prices oracle.Provider,
	bus publisher,
	clock domain.Clock,
	log *slog.Logger,
) *LendingService {
	return &LendingService{
		products:  products,
		positions: positions,
		loans:     loans,
		ledger:    ldg,
		risk:      risk,
		interest:  interest,
		prices:    prices,
		bus:       bus,
		clock:     clock,
		log:       log,
		posLocks:  newKeyMutex[uuid.UUID](),
		loanLocks: newKeyMutex[uuid.UUID](),
		prodLocks: newKeyMutex[string](),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Products
// ──────────────────────────────────────────────────────────────────────────────

// ListProducts returns active products with subscription headroom, optionally
// filtered by asset.
func (s *LendingService) ListProducts(ctx context.Context, asset string) ([]*domain.LendingProduct, error) {
	products, err := s.products.ListActive(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("lending.ListProducts: %w", err)
	}

	available := make([]*domain.LendingProduct, 0, len(products))
	for _, p := range products {
		if rem, capped := p.RemainingCap(p.CurrentAmount); capped && rem.IsZero() {
			continue
		}
		available = append(available, p)
	}
	return available, nil
}

// CreateProduct validates and persists a new product definition.
func (s *LendingService) CreateProduct(ctx context.Context, p *domain.LendingProduct) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("lending.CreateProduct: %w", err)
	}
	now := s.clock.Now()
	p.CurrentAmount = decimal.Zero
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.products.Create(ctx, p); err != nil {
		return fmt.Errorf("lending.CreateProduct: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Subscribe / redeem
// ──────────────────────────────────────────────────────────────────────────────

// Subscribe opens a position in a product. The ledger hold is placed first,
// keyed by the new position id; a failed persist releases it.
func (s *LendingService) Subscribe(ctx context.Context, userID uuid.UUID, req domain.SubscribeRequest) (*domain.UserPosition, error) {
	product, err := s.products.GetByID(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lending.Subscribe: %w", err)
	}
	if !product.IsActive {
		return nil, fmt.Errorf("lending.Subscribe: %s: %w", req.ProductID, domain.ErrProductInactive)
	}
	if !product.AcceptsAmount(req.Amount) {
		return nil, fmt.Errorf("lending.Subscribe: %s: %w", req.Amount, domain.ErrAmountOutOfRange)
	}

	// Admission must be serialised per product: between the utilisation read
	// and the position insert a concurrent subscribe could otherwise pass the
	// same cap check and jointly overshoot TotalCap.
	unlock := s.prodLocks.Lock(product.ProductID)
	defer unlock()

	sumActive, err := s.positions.SumActiveByProduct(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lending.Subscribe: %w", err)
	}
	if rem, capped := product.RemainingCap(sumActive); capped && req.Amount.GreaterThan(rem) {
		return nil, fmt.Errorf("lending.Subscribe: %s over remaining cap %s: %w",
			req.Amount, rem, domain.ErrCapacityExceeded)
	}

	now := s.clock.Now()
	positionID := uuid.New()

	if err := s.ledger.Reserve(ctx, userID, product.Asset, req.Amount, positionID); err != nil {
		return nil, fmt.Errorf("lending.Subscribe: reserve: %w", err)
	}

	pos := &domain.UserPosition{
		PositionID:       positionID,
		UserID:           userID,
		ProductID:        product.ProductID,
		Principal:        req.Amount,
		CurrentAmount:    req.Amount,
		InterestRate:     product.InterestRate,
		AccruedInterest:  decimal.Zero,
		TotalEarnings:    decimal.Zero,
		StartDate:        now,
		LastInterestDate: now,
		IsActive:         true,
		IsAutoRenew:      req.AutoRenew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if product.DurationDays > 0 {
		end := now.AddDate(0, 0, product.DurationDays)
		pos.EndDate = &end
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		s.compensateRelease(userID, product.Asset, req.Amount, positionID)
		return nil, fmt.Errorf("lending.Subscribe: persist: %w", err)
	}

	if err := s.products.SyncCurrentAmount(ctx, product.ProductID); err != nil {
		s.log.Warn("lending: product utilisation sync failed",
			"product_id", product.ProductID, "error", err)
	}

	s.publishLendingEvent(domain.EventPositionCreated, pos, now)
	return pos, nil
}

// Redeem pays out all or part of a position's current value. Full
// redemptions close the position; partial redemptions reset the principal to
// the remaining balance while preserving the earnings history.
func (s *LendingService) Redeem(ctx context.Context, userID uuid.UUID, req domain.RedeemRequest) (*domain.UserPosition, error) {
	unlock := s.posLocks.Lock(req.PositionID)
	defer unlock()

	pos, err := s.positions.GetByID(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("lending.Redeem: %w", err)
	}
	if pos.UserID != userID {
		return nil, fmt.Errorf("lending.Redeem: %w", domain.ErrForbidden)
	}
	if !pos.IsActive {
		return nil, fmt.Errorf("lending.Redeem: %w", domain.ErrPositionClosed)
	}

	product, err := s.products.GetByID(ctx, pos.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lending.Redeem: %w", err)
	}

	now := s.clock.Now()
	if !product.IsFlexible && pos.EndDate != nil && now.Before(*pos.EndDate) {
		return nil, fmt.Errorf("lending.Redeem: matures %s: %w", pos.EndDate, domain.ErrEarlyRedeem)
	}

	currentValue := s.interest.ValueOf(pos, product, now)

	full := req.Amount == nil || req.Amount.GreaterThanOrEqual(currentValue)
	payout := currentValue
	if !full {
		payout = *req.Amount
	}
	if payout.Sign() <= 0 {
		return nil, fmt.Errorf("lending.Redeem: %w", domain.ErrAmountOutOfRange)
	}

	if err := s.ledger.Release(ctx, userID, product.Asset, payout, pos.PositionID); err != nil {
		return nil, fmt.Errorf("lending.Redeem: release: %w", err)
	}

	if full {
		pos.Close(now)
	} else {
		pos.CurrentAmount = currentValue.Sub(payout)
		pos.Principal = pos.CurrentAmount
		pos.LastInterestDate = now
		pos.UpdatedAt = now
	}

	if err := s.positions.Update(ctx, pos); err != nil {
		// The payout already left the platform; the position row is now stale.
		// Surface loudly rather than re-reserving user funds.
		return nil, fmt.Errorf("lending.Redeem: persist after payout of %s: %w", payout, err)
	}

	if err := s.products.SyncCurrentAmount(ctx, product.ProductID); err != nil {
		s.log.Warn("lending: product utilisation sync failed",
			"product_id", product.ProductID, "error", err)
	}

	s.publishLendingEvent(domain.EventPositionRedeemed, pos, now)
	return pos, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Loans
// ──────────────────────────────────────────────────────────────────────────────

// CreateLoan originates a collateral-backed loan: risk admission, LTV check,
// collateral hold, loan disbursement, persistence. Compensation on a failed
// persist claws back the disbursement and releases the collateral.
func (s *LendingService) CreateLoan(ctx context.Context, userID uuid.UUID, req domain.LoanRequest) (*domain.Loan, error) {
	if req.LoanAmount.Sign() <= 0 || req.CollateralAmount.Sign() <= 0 {
		return nil, fmt.Errorf("lending.CreateLoan: %w", domain.ErrInvalidCollateral)
	}

	loanQuote, err := s.prices.GetPrice(ctx, req.LoanAsset)
	if err != nil {
		return nil, fmt.Errorf("lending.CreateLoan: price %s: %w", req.LoanAsset, err)
	}
	collQuote, err := s.prices.GetPrice(ctx, req.CollateralAsset)
	if err != nil {
		return nil, fmt.Errorf("lending.CreateLoan: price %s: %w", req.CollateralAsset, err)
	}

	loanValue := req.LoanAmount.Mul(loanQuote.Price)
	collValue := req.CollateralAmount.Mul(collQuote.Price)
	if collValue.Sign() <= 0 {
		return nil, fmt.Errorf("lending.CreateLoan: %w", domain.ErrInvalidCollateral)
	}

	if err := s.risk.IsLoanAllowed(ctx, userID, loanValue); err != nil {
		return nil, fmt.Errorf("lending.CreateLoan: %w", err)
	}

	ltv := loanValue.DivRound(collValue, 4)
	if maxLTV := s.risk.MaxLTV(req.CollateralAsset); ltv.GreaterThan(maxLTV) {
		return nil, fmt.Errorf("lending.CreateLoan: ltv %s over max %s: %w",
			ltv, maxLTV, domain.ErrLTVExceeded)
	}

	now := s.clock.Now()
	loanID := uuid.New()

	if err := s.ledger.Reserve(ctx, userID, req.CollateralAsset, req.CollateralAmount, loanID); err != nil {
		return nil, fmt.Errorf("lending.CreateLoan: reserve collateral: %w", err)
	}
	if err := s.ledger.Credit(ctx, userID, req.LoanAsset, req.LoanAmount, loanID); err != nil {
		s.compensateRelease(userID, req.CollateralAsset, req.CollateralAmount, loanID)
		return nil, fmt.Errorf("lending.CreateLoan: disburse: %w", err)
	}

	loan := &domain.Loan{
		LoanID:               loanID,
		UserID:               userID,
		LoanAsset:            req.LoanAsset,
		LoanAmount:           req.LoanAmount,
		CollateralAsset:      req.CollateralAsset,
		CollateralAmount:     req.CollateralAmount,
		InterestRate:         s.risk.PriceRate(ltv),
		LTV:                  ltv,
		LiquidationThreshold: s.risk.Threshold(req.CollateralAsset),
		OutstandingAmount:    req.LoanAmount,
		AccruedInterest:      decimal.Zero,
		Status:               domain.LoanActive,
		CollateralStatus:     domain.CollateralActive,
		StartDate:            now,
		LastInterestDate:     now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.TermDays != nil && *req.TermDays > 0 {
		due := now.AddDate(0, 0, *req.TermDays)
		loan.DueDate = &due
	}

	if err := s.loans.Create(ctx, loan); err != nil {
		s.compensateClawback(userID, req.LoanAsset, req.LoanAmount, loanID)
		s.compensateRelease(userID, req.CollateralAsset, req.CollateralAmount, loanID)
		return nil, fmt.Errorf("lending.CreateLoan: persist: %w", err)
	}

	s.publishLendingEvent(domain.EventLoanCreated, loan, now)
	return loan, nil
}

// Repay pays down a loan. The repayment is reserve-then-settle: funds are
// held, the hold is converted to a debit, and only then does the loan state
// change. Full repayment releases the collateral.
func (s *LendingService) Repay(ctx context.Context, userID uuid.UUID, req domain.RepayRequest) (*domain.Loan, error) {
	unlock := s.loanLocks.Lock(req.LoanID)
	defer unlock()

	loan, err := s.loans.GetByID(ctx, req.LoanID)
	if err != nil {
		return nil, fmt.Errorf("lending.Repay: %w", err)
	}
	if loan.UserID != userID {
		return nil, fmt.Errorf("lending.Repay: %w", domain.ErrForbidden)
	}
	if !loan.IsActive() {
		return nil, fmt.Errorf("lending.Repay: %w", domain.ErrLoanNotActive)
	}

	now := s.clock.Now()
	outstandingNow := s.interest.LoanOutstanding(loan, now)

	amount := req.Amount
	full := req.IsFullRepayment || amount.GreaterThanOrEqual(outstandingNow)
	if full {
		amount = outstandingNow
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("lending.Repay: %w", domain.ErrAmountOutOfRange)
	}

	// The repayment hold gets its own correlation id: the loan id already
	// names the origination collateral hold, and the orphan sweep relies on
	// one id meaning one reservation. An abandoned repay hold matches no
	// entity and is released by the sweep.
	repayID := uuid.New()
	if err := s.ledger.Reserve(ctx, userID, loan.LoanAsset, amount, repayID); err != nil {
		return nil, fmt.Errorf("lending.Repay: reserve: %w", err)
	}
	if err := s.ledger.Settle(ctx, userID, loan.LoanAsset, amount, repayID); err != nil {
		s.compensateRelease(userID, loan.LoanAsset, amount, repayID)
		return nil, fmt.Errorf("lending.Repay: settle: %w", err)
	}

	if full {
		if err := s.ledger.Release(ctx, userID, loan.CollateralAsset, loan.CollateralAmount, loan.LoanID); err != nil {
			s.log.Error("lending: collateral release failed after full repayment",
				"loan_id", loan.LoanID, "error", err)
		}
		loan.MarkRepaid(now)
	} else {
		loan.OutstandingAmount = outstandingNow.Sub(amount)
		loan.LastInterestDate = now
		loan.UpdatedAt = now
	}

	if err := s.loans.Update(ctx, loan); err != nil {
		return nil, fmt.Errorf("lending.Repay: persist after settlement of %s: %w", amount, err)
	}

	s.publishLendingEvent(domain.EventLoanRepaid, loan, now)
	return loan, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Sweeps
// ──────────────────────────────────────────────────────────────────────────────

// RunMaturitySweep settles every matured fixed-term position: auto-renew
// positions roll their full value into a fresh term at the product's current
// rate, everything else is redeemed in full to the user's ledger balance.
func (s *LendingService) RunMaturitySweep(ctx context.Context) {
	now := s.clock.Now()

	matured, err := s.positions.ListMatured(ctx, now)
	if err != nil {
		s.log.Error("lending: list matured failed", "error", err)
		return
	}

	for _, pos := range matured {
		if err := s.settleMatured(ctx, pos.PositionID); err != nil {
			s.log.Error("lending: maturity settlement failed",
				"position_id", pos.PositionID, "error", err)
		}
	}
}

func (s *LendingService) settleMatured(ctx context.Context, positionID uuid.UUID) error {
	unlock := s.posLocks.Lock(positionID)
	defer unlock()

	// Reload under the lock: a concurrent redeem may have beaten the sweep.
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if !pos.IsActive || !pos.IsMatured(now) {
		return nil
	}

	product, err := s.products.GetByID(ctx, pos.ProductID)
	if err != nil {
		return err
	}

	value := s.interest.ValueOf(pos, product, now)

	if pos.IsAutoRenew && product.IsActive {
		pos.Principal = value
		pos.CurrentAmount = value
		pos.InterestRate = product.InterestRate
		pos.AccruedInterest = decimal.Zero
		pos.StartDate = now
		pos.LastInterestDate = now
		pos.UpdatedAt = now
		if product.DurationDays > 0 {
			end := now.AddDate(0, 0, product.DurationDays)
			pos.EndDate = &end
		}
		if err := s.positions.Update(ctx, pos); err != nil {
			return err
		}
		s.publishLendingEvent(domain.EventPositionRenewed, pos, now)
		return nil
	}

	if err := s.ledger.Release(ctx, pos.UserID, product.Asset, value, pos.PositionID); err != nil {
		return err
	}
	pos.Close(now)
	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("persist after payout of %s: %w", value, err)
	}
	if err := s.products.SyncCurrentAmount(ctx, product.ProductID); err != nil {
		s.log.Warn("lending: product utilisation sync failed",
			"product_id", product.ProductID, "error", err)
	}
	s.publishLendingEvent(domain.EventPositionRedeemed, pos, now)
	return nil
}

// RecoverOrphans releases aged ledger holds whose entity never made it to
// storage (a crash between reserve and persist). Holds are keyed by the
// entity id they fund, so a hold with neither a position nor a loan behind
// it is an orphan.
func (s *LendingService) RecoverOrphans(ctx context.Context, lister ledger.ReservationLister) {
	holds, err := lister.ListReservations(ctx, orphanCutoff)
	if err != nil {
		s.log.Error("lending: list reservations failed", "error", err)
		return
	}

	for _, hold := range holds {
		if _, err := s.positions.GetByID(ctx, hold.CorrelationID); err == nil {
			continue
		} else if !domain.IsNotFound(err) {
			continue
		}
		if _, err := s.loans.GetByID(ctx, hold.CorrelationID); err == nil {
			continue
		} else if !domain.IsNotFound(err) {
			continue
		}

		if err := s.ledger.Release(ctx, hold.UserID, hold.Asset, hold.Amount, hold.CorrelationID); err != nil {
			s.log.Error("lending: orphan release failed",
				"correlation_id", hold.CorrelationID, "error", err)
			continue
		}
		s.log.Warn("lending: released orphaned reservation",
			"correlation_id", hold.CorrelationID, "asset", hold.Asset, "amount", hold.Amount)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// ListPositions returns the user's positions.
func (s *LendingService) ListPositions(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*domain.UserPosition, error) {
	positions, err := s.positions.ListByUser(ctx, userID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("lending.ListPositions: %w", err)
	}
	return positions, nil
}

// ListLoans returns the user's loans.
func (s *LendingService) ListLoans(ctx context.Context, userID uuid.UUID) ([]*domain.Loan, error) {
	loans, err := s.loans.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lending.ListLoans: %w", err)
	}
	return loans, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────────────────────────────────

// compensateRelease undoes a reserve after a later step failed. A detached
// context keeps the compensation alive even when the caller's deadline has
// already expired.
func (s *LendingService) compensateRelease(userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) {
	compCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Release(compCtx, userID, asset, amount, correlationID); err != nil {
		// The recovery sweep will release the hold by correlation id.
		s.log.Error("lending: compensation release failed",
			"correlation_id", correlationID, "error", err)
	}
}

// compensateClawback pulls back a disbursement via reserve+settle.
func (s *LendingService) compensateClawback(userID uuid.UUID, asset string, amount decimal.Decimal, correlationID uuid.UUID) {
	compCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Reserve(compCtx, userID, asset, amount, correlationID); err != nil {
		s.log.Error("lending: clawback reserve failed",
			"correlation_id", correlationID, "error", err)
		return
	}
	if err := s.ledger.Settle(compCtx, userID, asset, amount, correlationID); err != nil {
		s.log.Error("lending: clawback settle failed",
			"correlation_id", correlationID, "error", err)
	}
}

// publishLendingEvent mirrors a lifecycle transition to both the named topic
// and the generic lending-events envelope.
func (s *LendingService) publishLendingEvent(eventType string, data interface{}, now time.Time) {
	s.bus.Publish(eventType, data)
	s.bus.Publish(domain.TopicLendingEvents, domain.NewEnvelope(eventType, data, now))
}
