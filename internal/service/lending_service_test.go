package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/config"
	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/ledger"
)

func testLendingConfig() *config.LendingConfig {
	return &config.LendingConfig{
		AccrualInterval:     time.Hour,
		LiquidationInterval: 5 * time.Minute,
		MaturityInterval:    time.Minute,
		PerUserLoanCap:      1_000_000,
		BaseRate:            0.05,
		RiskSlope:           0.10,
	}
}

type lendingHarness struct {
	svc       *LendingService
	products  *memProducts
	positions *memPositions
	loans     *memLoans
	ledger    *memLedger
	prices    *staticPrices
	bus       *memBus
	clock     *fixedClock
}

func newLendingHarness(t *testing.T) *lendingHarness {
	t.Helper()

	products := newMemProducts()
	positions := newMemPositions()
	loans := newMemLoans()
	ldg := newMemLedger()
	prices := newStaticPrices(map[string]string{
		"BTC":  "90000",
		"ETH":  "3000",
		"USDT": "1",
	})
	bus := newMemBus()
	clock := newClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := testLogger()
	cfg := testLendingConfig()

	interest := NewInterestEngine(products, positions, loans, clock, log)
	risk := NewRiskEngine(loans, interest, prices, nil, ldg, bus, cfg, clock, log)
	svc := NewLendingService(products, positions, loans, ldg, risk, interest, prices, bus, clock, log)

	return &lendingHarness{
		svc:       svc,
		products:  products,
		positions: positions,
		loans:     loans,
		ledger:    ldg,
		prices:    prices,
		bus:       bus,
		clock:     clock,
	}
}

func flexUSDTProduct(cap string) *domain.LendingProduct {
	p := &domain.LendingProduct{
		ProductID:    "usdt_flex",
		Name:         "USDT Flexible",
		Type:         domain.ProductFlexibleSavings,
		Asset:        "USDT",
		MinAmount:    decimal.RequireFromString("10"),
		InterestRate: decimal.RequireFromString("0.05"),
		InterestType: domain.InterestSimple,
		IsActive:     true,
		IsFlexible:   true,
	}
	if cap != "" {
		c := decimal.RequireFromString(cap)
		p.TotalCap = &c
	}
	return p
}

func fixedBTCProduct(days int) *domain.LendingProduct {
	return &domain.LendingProduct{
		ProductID:    "btc_fixed",
		Name:         "BTC Fixed",
		Type:         domain.ProductFixedSavings,
		Asset:        "BTC",
		MinAmount:    decimal.RequireFromString("0.01"),
		InterestRate: decimal.RequireFromString("0.08"),
		InterestType: domain.InterestSimple,
		DurationDays: days,
		IsActive:     true,
		IsFlexible:   false,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Subscribe
// ──────────────────────────────────────────────────────────────────────────────

func TestSubscribe_HappyPath(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	if err := h.products.Create(context.Background(), flexUSDTProduct("")); err != nil {
		t.Fatal(err)
	}

	pos, err := h.svc.Subscribe(context.Background(), userID, domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("1000"),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if !pos.Principal.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("principal = %s, want 1000", pos.Principal)
	}
	if pos.EndDate != nil {
		t.Errorf("flexible product must have no end date, got %v", pos.EndDate)
	}

	reserves := h.ledger.recorded("reserve")
	if len(reserves) != 1 {
		t.Fatalf("ledger reserves = %d, want 1", len(reserves))
	}
	if reserves[0].CorrelationID != pos.PositionID {
		t.Errorf("reserve correlation = %s, want position id %s",
			reserves[0].CorrelationID, pos.PositionID)
	}
	if got := h.bus.count(domain.EventPositionCreated); got != 1 {
		t.Errorf("position.created events = %d, want 1", got)
	}
	if got := h.bus.count(domain.TopicLendingEvents); got != 1 {
		t.Errorf("lending-events envelopes = %d, want 1", got)
	}
}

func TestSubscribe_CapacityAcrossPositions(t *testing.T) {
	h := newLendingHarness(t)
	if err := h.products.Create(context.Background(), flexUSDTProduct("1500")); err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("1000"),
	}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	// 500 remains; 600 must be rejected, 500 must pass.
	_, err := h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("600"),
	})
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("over-cap subscribe error = %v, want ErrCapacityExceeded", err)
	}

	if _, err := h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("500"),
	}); err != nil {
		t.Fatalf("exact-cap subscribe: %v", err)
	}
}

// TestSubscribe_ConcurrentCapacity: two simultaneous subscribes race for a
// cap with room for only one. The store widens the window between the
// utilisation read and the insert; without per-product admission
// serialisation both would pass the check and overshoot the cap together.
func TestSubscribe_ConcurrentCapacity(t *testing.T) {
	h := newLendingHarness(t)
	h.positions.sumDelay = 50 * time.Millisecond
	if err := h.products.Create(context.Background(), flexUSDTProduct("1000")); err != nil {
		t.Fatal(err)
	}

	start := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
				ProductID: "usdt_flex",
				Amount:    decimal.RequireFromString("600"),
			})
			errs <- err
		}()
	}
	close(start)

	var admitted, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			admitted++
		case errors.Is(err, domain.ErrCapacityExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 || rejected != 1 {
		t.Fatalf("admitted %d, rejected %d, want exactly one of each", admitted, rejected)
	}

	sum, err := h.positions.SumActiveByProduct(context.Background(), "usdt_flex")
	if err != nil {
		t.Fatal(err)
	}
	if sum.GreaterThan(decimal.RequireFromString("1000")) {
		t.Errorf("active sum %s exceeds the 1000 cap", sum)
	}
	if got := len(h.ledger.recorded("reserve")); got != 1 {
		t.Errorf("ledger holds = %d, want 1", got)
	}
}

func TestSubscribe_InactiveAndBounds(t *testing.T) {
	h := newLendingHarness(t)
	p := flexUSDTProduct("")
	p.IsActive = false
	if err := h.products.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("100"),
	})
	if !errors.Is(err, domain.ErrProductInactive) {
		t.Fatalf("error = %v, want ErrProductInactive", err)
	}

	p2 := flexUSDTProduct("")
	p2.ProductID = "usdt_flex2"
	if err := h.products.Create(context.Background(), p2); err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
		ProductID: "usdt_flex2",
		Amount:    decimal.RequireFromString("5"), // below MinAmount 10
	})
	if !errors.Is(err, domain.ErrAmountOutOfRange) {
		t.Fatalf("error = %v, want ErrAmountOutOfRange", err)
	}
	if len(h.ledger.recorded("reserve")) != 0 {
		t.Error("rejected subscriptions must not touch the ledger")
	}
}

func TestSubscribe_PersistFailureReleasesHold(t *testing.T) {
	h := newLendingHarness(t)
	if err := h.products.Create(context.Background(), flexUSDTProduct("")); err != nil {
		t.Fatal(err)
	}
	h.positions.failOn = "create"

	_, err := h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("1000"),
	})
	if err == nil {
		t.Fatal("expected persist failure")
	}

	reserves := h.ledger.recorded("reserve")
	releases := h.ledger.recorded("release")
	if len(reserves) != 1 || len(releases) != 1 {
		t.Fatalf("reserves=%d releases=%d, want 1/1", len(reserves), len(releases))
	}
	if releases[0].CorrelationID != reserves[0].CorrelationID {
		t.Error("compensation must release the same correlation id it reserved")
	}
	if got := h.bus.count(domain.EventPositionCreated); got != 0 {
		t.Errorf("failed subscribe published %d events, want 0", got)
	}
}

func TestSubscribe_InsufficientFunds(t *testing.T) {
	h := newLendingHarness(t)
	if err := h.products.Create(context.Background(), flexUSDTProduct("")); err != nil {
		t.Fatal(err)
	}
	h.ledger.failOn("reserve", domain.ErrInsufficientFunds)

	_, err := h.svc.Subscribe(context.Background(), uuid.New(), domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("1000"),
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Redeem
// ──────────────────────────────────────────────────────────────────────────────

func TestRedeem_FullClosesPosition(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	if err := h.products.Create(context.Background(), flexUSDTProduct("")); err != nil {
		t.Fatal(err)
	}
	pos, err := h.svc.Subscribe(context.Background(), userID, domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("1000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.svc.Redeem(context.Background(), userID, domain.RedeemRequest{
		PositionID: pos.PositionID,
	})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got.IsActive {
		t.Error("full redemption must close the position")
	}

	releases := h.ledger.recorded("release")
	if len(releases) != 1 || !releases[0].Amount.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("releases = %+v, want one of 1000", releases)
	}

	// A second redeem on the closed position must be rejected.
	_, err = h.svc.Redeem(context.Background(), userID, domain.RedeemRequest{
		PositionID: pos.PositionID,
	})
	if !errors.Is(err, domain.ErrPositionClosed) {
		t.Fatalf("redeem on closed position: %v, want ErrPositionClosed", err)
	}
}

func TestRedeem_PartialResetsPrincipal(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	if err := h.products.Create(context.Background(), flexUSDTProduct("")); err != nil {
		t.Fatal(err)
	}
	pos, err := h.svc.Subscribe(context.Background(), userID, domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("1000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	part := decimal.RequireFromString("400")
	got, err := h.svc.Redeem(context.Background(), userID, domain.RedeemRequest{
		PositionID: pos.PositionID,
		Amount:     &part,
	})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !got.IsActive {
		t.Error("partial redemption must keep the position open")
	}
	want := decimal.RequireFromString("600")
	if !got.CurrentAmount.Equal(want) || !got.Principal.Equal(want) {
		t.Errorf("current=%s principal=%s, want both 600", got.CurrentAmount, got.Principal)
	}
}

func TestRedeem_OwnershipAndEarlyExit(t *testing.T) {
	h := newLendingHarness(t)
	owner := uuid.New()
	if err := h.products.Create(context.Background(), fixedBTCProduct(30)); err != nil {
		t.Fatal(err)
	}
	pos, err := h.svc.Subscribe(context.Background(), owner, domain.SubscribeRequest{
		ProductID: "btc_fixed",
		Amount:    decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.svc.Redeem(context.Background(), uuid.New(), domain.RedeemRequest{
		PositionID: pos.PositionID,
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign redeem: %v, want ErrForbidden", err)
	}

	_, err = h.svc.Redeem(context.Background(), owner, domain.RedeemRequest{
		PositionID: pos.PositionID,
	})
	if !errors.Is(err, domain.ErrEarlyRedeem) {
		t.Fatalf("pre-maturity redeem: %v, want ErrEarlyRedeem", err)
	}

	// After maturity the same call must pass.
	h.clock.Advance(31 * 24 * time.Hour)
	if _, err := h.svc.Redeem(context.Background(), owner, domain.RedeemRequest{
		PositionID: pos.PositionID,
	}); err != nil {
		t.Fatalf("post-maturity redeem: %v", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Loans
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateLoan_HappyPath(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()

	// 1 BTC collateral ($90000), borrow $50000 USDT: LTV 0.5556 < 0.65.
	loan, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("50000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}

	if loan.Status != domain.LoanActive || loan.CollateralStatus != domain.CollateralActive {
		t.Errorf("status=%s collateral=%s, want ACTIVE/ACTIVE", loan.Status, loan.CollateralStatus)
	}
	if !loan.LTV.Equal(decimal.RequireFromString("0.5556")) {
		t.Errorf("ltv = %s, want 0.5556", loan.LTV)
	}
	// rate = 0.05 + 0.5556*0.10 = 0.1055... rounded to RateScale.
	if loan.InterestRate.LessThanOrEqual(decimal.RequireFromString("0.05")) {
		t.Errorf("rate = %s, must price above the base rate", loan.InterestRate)
	}

	if len(h.ledger.recorded("reserve")) != 1 {
		t.Error("collateral must be reserved exactly once")
	}
	credits := h.ledger.recorded("credit")
	if len(credits) != 1 || credits[0].Asset != "USDT" {
		t.Fatalf("credits = %+v, want one USDT disbursement", credits)
	}
	if got := h.bus.count(domain.EventLoanCreated); got != 1 {
		t.Errorf("loan.created events = %d, want 1", got)
	}
}

func TestCreateLoan_LTVRejected(t *testing.T) {
	h := newLendingHarness(t)

	// $80000 against 1 BTC ($90000) is LTV 0.8889, above BTC's 0.65 max.
	_, err := h.svc.CreateLoan(context.Background(), uuid.New(), domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("80000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrLTVExceeded) {
		t.Fatalf("error = %v, want ErrLTVExceeded", err)
	}
	if len(h.ledger.recorded("reserve")) != 0 {
		t.Error("rejected loans must not touch the ledger")
	}
}

func TestCreateLoan_PersistFailureCompensates(t *testing.T) {
	h := newLendingHarness(t)
	h.loans.failOn = "create"

	_, err := h.svc.CreateLoan(context.Background(), uuid.New(), domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("10000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if err == nil {
		t.Fatal("expected persist failure")
	}

	// Clawback: one extra reserve+settle on the loan asset, plus the
	// collateral release.
	if got := len(h.ledger.recorded("reserve")); got != 2 {
		t.Errorf("reserves = %d, want 2 (collateral + clawback)", got)
	}
	if got := len(h.ledger.recorded("settle")); got != 1 {
		t.Errorf("settles = %d, want 1 (clawback)", got)
	}
	if got := len(h.ledger.recorded("release")); got != 1 {
		t.Errorf("releases = %d, want 1 (collateral)", got)
	}
}

func TestCreateLoan_PerUserCap(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()

	// First loan: $900k outstanding.
	if _, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("900000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("20"),
	}); err != nil {
		t.Fatalf("first loan: %v", err)
	}

	// Second loan of $200k would breach the $1M per-user cap.
	_, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("200000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("5"),
	})
	if !errors.Is(err, domain.ErrRiskRejected) {
		t.Fatalf("error = %v, want ErrRiskRejected", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Repay
// ──────────────────────────────────────────────────────────────────────────────

func TestRepay_FullReleasesCollateral(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	loan, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("10000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.svc.Repay(context.Background(), userID, domain.RepayRequest{
		LoanID:          loan.LoanID,
		Amount:          decimal.RequireFromString("10000"),
		IsFullRepayment: true,
	})
	if err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if got.Status != domain.LoanRepaid {
		t.Errorf("status = %s, want REPAID", got.Status)
	}
	if got.CollateralStatus != domain.CollateralReleased {
		t.Errorf("collateral = %s, want RELEASED", got.CollateralStatus)
	}
	if !got.OutstandingAmount.IsZero() {
		t.Errorf("outstanding = %s, want 0", got.OutstandingAmount)
	}

	var collateralReleased bool
	for _, r := range h.ledger.recorded("release") {
		if r.Asset == "BTC" && r.Amount.Equal(decimal.RequireFromString("1")) {
			collateralReleased = true
		}
	}
	if !collateralReleased {
		t.Error("full repayment must release the BTC collateral")
	}

	// A repaid loan rejects further repayments.
	_, err = h.svc.Repay(context.Background(), userID, domain.RepayRequest{
		LoanID: loan.LoanID,
		Amount: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrLoanNotActive) {
		t.Fatalf("repay on repaid loan: %v, want ErrLoanNotActive", err)
	}
}

func TestRepay_PartialReducesOutstanding(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	loan, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("10000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.svc.Repay(context.Background(), userID, domain.RepayRequest{
		LoanID: loan.LoanID,
		Amount: decimal.RequireFromString("4000"),
	})
	if err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if got.Status != domain.LoanActive {
		t.Errorf("status = %s, want ACTIVE", got.Status)
	}
	if !got.OutstandingAmount.Equal(decimal.RequireFromString("6000")) {
		t.Errorf("outstanding = %s, want 6000", got.OutstandingAmount)
	}
	if len(h.ledger.recorded("settle")) != 1 {
		t.Error("partial repayment must settle exactly once")
	}
}

func TestRepay_OverpaymentClampedToOutstanding(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	loan, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("10000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.svc.Repay(context.Background(), userID, domain.RepayRequest{
		LoanID: loan.LoanID,
		Amount: decimal.RequireFromString("999999"),
	})
	if err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if got.Status != domain.LoanRepaid {
		t.Errorf("status = %s, want REPAID", got.Status)
	}

	settles := h.ledger.recorded("settle")
	if len(settles) != 1 || !settles[0].Amount.Equal(decimal.RequireFromString("10000")) {
		t.Fatalf("settles = %+v, want exactly the outstanding 10000", settles)
	}
}

func TestRepay_SettleFailureReleasesHold(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	loan, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("10000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.ledger.failOn("settle", errors.New("ledger unavailable"))

	_, err = h.svc.Repay(context.Background(), userID, domain.RepayRequest{
		LoanID: loan.LoanID,
		Amount: decimal.RequireFromString("4000"),
	})
	if err == nil {
		t.Fatal("expected settle failure")
	}

	// The hold placed for this repayment must have been released, and the
	// loan untouched.
	var repayReleases int
	for _, r := range h.ledger.recorded("release") {
		if r.Asset == "USDT" && r.Amount.Equal(decimal.RequireFromString("4000")) {
			repayReleases++
		}
	}
	if repayReleases != 1 {
		t.Errorf("repay-hold releases = %d, want 1", repayReleases)
	}
	reloaded, err := h.loans.GetByID(context.Background(), loan.LoanID)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.OutstandingAmount.Equal(decimal.RequireFromString("10000")) {
		t.Errorf("outstanding = %s, must be unchanged", reloaded.OutstandingAmount)
	}
}

// TestRepay_HoldsCarryOwnCorrelationIDs: the loan id names the origination
// collateral hold, so repayment holds must be keyed by fresh ids or the
// ledger can no longer tell the two reservations apart.
func TestRepay_HoldsCarryOwnCorrelationIDs(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	loan, err := h.svc.CreateLoan(context.Background(), userID, domain.LoanRequest{
		LoanAsset:        "USDT",
		LoanAmount:       decimal.RequireFromString("10000"),
		CollateralAsset:  "BTC",
		CollateralAmount: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Repay(context.Background(), userID, domain.RepayRequest{
			LoanID: loan.LoanID,
			Amount: decimal.RequireFromString("2000"),
		}); err != nil {
			t.Fatalf("repay %d: %v", i, err)
		}
	}

	seen := map[uuid.UUID]bool{}
	for _, op := range h.ledger.recorded("settle") {
		if op.CorrelationID == loan.LoanID {
			t.Error("repay settle reuses the loan id as correlation id")
		}
		if seen[op.CorrelationID] {
			t.Error("two repayments share one correlation id")
		}
		seen[op.CorrelationID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("distinct repay settles = %d, want 2", len(seen))
	}

	// Each settle converts the hold reserved under the same id.
	reserves := map[uuid.UUID]bool{}
	for _, op := range h.ledger.recorded("reserve") {
		reserves[op.CorrelationID] = true
	}
	for cid := range seen {
		if !reserves[cid] {
			t.Errorf("settle %s has no matching reserve", cid)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Maturity sweep & orphan recovery
// ──────────────────────────────────────────────────────────────────────────────

func TestMaturitySweep_AutoRenewRolls(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	if err := h.products.Create(context.Background(), fixedBTCProduct(30)); err != nil {
		t.Fatal(err)
	}
	pos, err := h.svc.Subscribe(context.Background(), userID, domain.SubscribeRequest{
		ProductID: "btc_fixed",
		Amount:    decimal.RequireFromString("1"),
		AutoRenew: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(31 * 24 * time.Hour)
	h.svc.RunMaturitySweep(context.Background())

	got, err := h.positions.GetByID(context.Background(), pos.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsActive {
		t.Fatal("auto-renew position must stay open")
	}
	if got.EndDate == nil || !got.EndDate.After(h.clock.Now()) {
		t.Error("renewed position must carry a fresh future end date")
	}
	if !got.AccruedInterest.IsZero() {
		t.Errorf("renewed accrued = %s, want 0", got.AccruedInterest)
	}
	// 31 days of 8% simple interest on 1 BTC rolled into the new principal.
	if !got.Principal.GreaterThan(decimal.RequireFromString("1")) {
		t.Errorf("renewed principal = %s, must include earned interest", got.Principal)
	}
	if h.bus.count(domain.EventPositionRenewed) != 1 {
		t.Error("renewal must publish position.renewed")
	}
}

func TestMaturitySweep_NonRenewPaysOut(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	if err := h.products.Create(context.Background(), fixedBTCProduct(30)); err != nil {
		t.Fatal(err)
	}
	pos, err := h.svc.Subscribe(context.Background(), userID, domain.SubscribeRequest{
		ProductID: "btc_fixed",
		Amount:    decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(31 * 24 * time.Hour)
	h.svc.RunMaturitySweep(context.Background())

	got, err := h.positions.GetByID(context.Background(), pos.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Fatal("matured non-renew position must close")
	}
	if len(h.ledger.recorded("release")) != 1 {
		t.Error("payout must release the position value once")
	}

	// Idempotence: a second sweep finds nothing to do.
	before := len(h.ledger.recorded("release"))
	h.svc.RunMaturitySweep(context.Background())
	if after := len(h.ledger.recorded("release")); after != before {
		t.Error("second sweep must not pay out again")
	}
}

type memLister struct {
	holds []ledger.Reservation
}

func (m *memLister) ListReservations(_ context.Context, _ time.Duration) ([]ledger.Reservation, error) {
	return m.holds, nil
}

func TestRecoverOrphans_ReleasesOnlyUnmatchedHolds(t *testing.T) {
	h := newLendingHarness(t)
	userID := uuid.New()
	if err := h.products.Create(context.Background(), flexUSDTProduct("")); err != nil {
		t.Fatal(err)
	}
	pos, err := h.svc.Subscribe(context.Background(), userID, domain.SubscribeRequest{
		ProductID: "usdt_flex",
		Amount:    decimal.RequireFromString("1000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	orphanID := uuid.New()
	lister := &memLister{holds: []ledger.Reservation{
		{UserID: userID, Asset: "USDT", Amount: decimal.RequireFromString("1000"), CorrelationID: pos.PositionID},
		{UserID: userID, Asset: "BTC", Amount: decimal.RequireFromString("2"), CorrelationID: orphanID},
	}}

	h.svc.RecoverOrphans(context.Background(), lister)

	releases := h.ledger.recorded("release")
	if len(releases) != 1 {
		t.Fatalf("releases = %d, want only the orphan", len(releases))
	}
	if releases[0].CorrelationID != orphanID {
		t.Errorf("released %s, want orphan %s", releases[0].CorrelationID, orphanID)
	}
}
