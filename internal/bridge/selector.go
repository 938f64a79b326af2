package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nivora/platform/internal/config"
	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/eventbus"
)

// TransferStore persists initiated transfers and serves the reconciliation
// sweep.
type TransferStore interface {
	Create(ctx context.Context, t *domain.BridgeTransfer) error
	ListPending(ctx context.Context) ([]*domain.BridgeTransfer, error)
	UpdateStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus, txHash string) error
}

// ──────────────────────────────────────────────────────────────────────────────
// Selector
// ──────────────────────────────────────────────────────────────────────────────

// Selector estimates a transfer on every bridge supporting the route in
// parallel and initiates it on the cheapest one.
type Selector struct {
	bridges []Protocol
	store   TransferStore
	bus     eventbus.Publisher
	cfg     *config.BridgeConfig
	clock   domain.Clock
	log     *slog.Logger
}

// NewSelector wires a Selector over the given bridge set.
func NewSelector(bridges []Protocol, store TransferStore, bus eventbus.Publisher, cfg *config.BridgeConfig, clock domain.Clock, log *slog.Logger) *Selector {
	return &Selector{
		bridges: bridges,
		store:   store,
		bus:     bus,
		cfg:     cfg,
		clock:   clock,
		log:     log,
	}
}

// Estimate returns the cheapest bridge's quote for the route without
// initiating anything. Ties break on shorter ETA, then lexicographic bridge
// id.
func (s *Selector) Estimate(ctx context.Context, req domain.BridgeTransferRequest) (domain.BridgeEstimate, error) {
	best, _, err := s.selectBridge(ctx, req)
	if err != nil {
		return domain.BridgeEstimate{}, err
	}
	return best, nil
}

// Transfer picks the cheapest supporting bridge, initiates the transfer,
// persists the PENDING record, and publishes the initiation event. A persist
// failure after a successful initiation is surfaced: the caller must know the
// durable record is missing even though the transfer is in flight.
func (s *Selector) Transfer(ctx context.Context, req domain.BridgeTransferRequest) (domain.BridgeTransferResult, error) {
	estimate, protocol, err := s.selectBridge(ctx, req)
	if err != nil {
		return domain.BridgeTransferResult{}, err
	}
	s.log.Info("bridge: route selected",
		"bridge", estimate.BridgeID,
		"from", req.FromChain, "to", req.ToChain,
		"cost", estimate.TotalCost, "eta_s", estimate.ETASeconds)

	result, err := protocol.Initiate(ctx, req)
	if err != nil {
		return domain.BridgeTransferResult{}, fmt.Errorf("bridge.Transfer: initiate on %s: %w", estimate.BridgeID, err)
	}

	record := domain.NewBridgeTransfer(req, result, s.clock.Now())
	if err := s.store.Create(ctx, record); err != nil {
		return result, fmt.Errorf("bridge.Transfer: persist %s: %w", result.TransferID, err)
	}

	s.bus.Publish(domain.TopicBridgeTransfers, result)
	return result, nil
}

// selectBridge runs the estimate fan-out and returns the winner.
func (s *Selector) selectBridge(ctx context.Context, req domain.BridgeTransferRequest) (domain.BridgeEstimate, Protocol, error) {
	if !req.FromChain.IsValid() || !req.ToChain.IsValid() {
		return domain.BridgeEstimate{}, nil, fmt.Errorf("bridge: invalid route %s->%s: %w", req.FromChain, req.ToChain, domain.ErrNoBridgeRoute)
	}

	candidates := make([]Protocol, 0, len(s.bridges))
	for _, b := range s.bridges {
		if b.SupportsRoute(req.FromChain, req.ToChain) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return domain.BridgeEstimate{}, nil, domain.ErrNoBridgeRoute
	}

	estCtx, cancel := context.WithTimeout(ctx, s.cfg.EstimateTimeout)
	defer cancel()

	type estResult struct {
		protocol Protocol
		estimate domain.BridgeEstimate
		err      error
	}
	resultCh := make(chan estResult, len(candidates))
	for _, b := range candidates {
		b := b
		go func() {
			est, err := b.Estimate(estCtx, req)
			resultCh <- estResult{protocol: b, estimate: est, err: err}
		}()
	}

	var bestEst domain.BridgeEstimate
	var bestProto Protocol
collect:
	for range candidates {
		select {
		case r := <-resultCh:
			if r.err != nil {
				s.log.Debug("bridge: estimate failed", "bridge", r.protocol.Name(), "error", r.err)
				continue
			}
			if bestProto == nil || cheaper(r.estimate, bestEst) {
				bestEst = r.estimate
				bestProto = r.protocol
			}
		case <-estCtx.Done():
			// A bridge that ignores its context must not hold the round
			// open past the estimate deadline.
			break collect
		}
	}
	if bestProto == nil {
		return domain.BridgeEstimate{}, nil, domain.ErrNoBridgeRoute
	}
	return bestEst, bestProto, nil
}

// ReconcilePending confirms pending transfers whose bridge ETA has elapsed.
// ETAs come from a fresh estimate on the transfer's own bridge, so a bridge
// that slows its schedule delays confirmation accordingly. Transfers whose
// bridge is no longer registered are marked FAILED.
func (s *Selector) ReconcilePending(ctx context.Context) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		s.log.Error("bridge: list pending failed", "error", err)
		return
	}
	now := s.clock.Now()

	for _, t := range pending {
		if err := s.reconcileTransfer(ctx, t, now); err != nil {
			s.log.Error("bridge: reconcile failed",
				"transfer_id", t.TransferID, "error", err)
		}
	}
}

func (s *Selector) reconcileTransfer(ctx context.Context, t *domain.BridgeTransfer, now time.Time) error {
	protocol := s.protocolByName(t.BridgeID)
	if protocol == nil {
		s.log.Warn("bridge: pending transfer on unknown bridge", "transfer_id", t.TransferID, "bridge", t.BridgeID)
		return s.finishTransfer(ctx, t, domain.TransferFailed)
	}

	estCtx, cancel := context.WithTimeout(ctx, s.cfg.EstimateTimeout)
	est, err := protocol.Estimate(estCtx, domain.BridgeTransferRequest{
		FromChain: t.FromChain,
		ToChain:   t.ToChain,
		Token:     t.Token,
		Amount:    t.Amount,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("estimate on %s: %w", t.BridgeID, err)
	}

	eta := time.Duration(est.ETASeconds) * time.Second
	if now.Sub(t.CreatedAt) < eta {
		return nil
	}
	return s.finishTransfer(ctx, t, domain.TransferConfirmed)
}

func (s *Selector) finishTransfer(ctx context.Context, t *domain.BridgeTransfer, status domain.TransferStatus) error {
	if err := s.store.UpdateStatus(ctx, t.TransferID, status, t.TxHash); err != nil {
		return err
	}
	s.bus.Publish(domain.TopicBridgeTransfers, domain.BridgeTransferResult{
		TransferID: t.TransferID,
		BridgeID:   t.BridgeID,
		Status:     status,
		TxHash:     t.TxHash,
		At:         s.clock.Now(),
	})
	s.log.Info("bridge: transfer finalised", "transfer_id", t.TransferID, "status", status)
	return nil
}

// protocolByName finds a registered bridge by id.
func (s *Selector) protocolByName(name string) Protocol {
	for _, b := range s.bridges {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// cheaper ranks estimates: lower TotalCost wins; ties go to shorter ETA, then
// to the lexicographically smaller bridge id.
func cheaper(a, b domain.BridgeEstimate) bool {
	switch a.TotalCost.Cmp(b.TotalCost) {
	case -1:
		return true
	case 1:
		return false
	}
	if a.ETASeconds != b.ETASeconds {
		return a.ETASeconds < b.ETASeconds
	}
	return a.BridgeID < b.BridgeID
}
