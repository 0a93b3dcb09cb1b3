// Package ledger tracks per-strategy position lifecycle: it is the sole
// authority on whether a strategy may enter or exit, and the only writer of
// position rows.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/models"
	"github.com/marketflow/signalbridge/internal/storage"
)

// Ledger enforces the single-direction-at-a-time rule and aggregates P&L.
// Legality checks and the mutation they guard must run under the strategy's
// lock (StrategyLock) so concurrent signals cannot both pass CanEnter.
type Ledger struct {
	store  storage.Interface
	logger *logrus.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a Ledger backed by the given repository.
func New(store storage.Interface, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{
		store:  store,
		logger: logger,
		locks:  make(map[int64]*sync.Mutex),
	}
}

// StrategyLock returns the mutex serializing entry/exit decisioning for one
// strategy. The caller locks it around check-then-mutate sequences.
func (l *Ledger) StrategyLock(strategyID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[strategyID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[strategyID] = m
	}
	return m
}

// OpenPosition creates an active position for the leg. The stored quantity's
// sign follows entryType: BUY positive, SELL negative. Legality is NOT
// checked here; the caller must have verified CanEnter under StrategyLock.
func (l *Ledger) OpenPosition(ctx context.Context, strategyID int64, leg models.Leg, entryType models.OrderAction) (*models.Position, error) {
	qty := leg.Quantity
	if qty < 0 {
		qty = -qty
	}
	if entryType == models.ActionSell {
		qty = -qty
	}

	pos := &models.Position{
		StrategyID:   strategyID,
		Symbol:       leg.Symbol,
		Exchange:     leg.Exchange,
		Quantity:     qty,
		AveragePrice: leg.ReferencePrice,
		CurrentPrice: leg.ReferencePrice,
		ProductType:  leg.ProductType,
		EntryType:    entryType,
		EntryTime:    time.Now().UTC(),
		IsActive:     true,
	}
	if err := l.store.CreatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("opening position for %s: %w", leg.Symbol, err)
	}

	l.logger.WithFields(logrus.Fields{
		"strategy_id": strategyID,
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"quantity":    pos.Quantity,
	}).Info("position opened")
	return pos, nil
}

// ClosePosition marks a position inactive, stamps the exit time and records
// the realized P&L. Closing an already-closed position is a no-op: the first
// close wins, which makes a square-off firing alongside a manual exit safe.
func (l *Ledger) ClosePosition(ctx context.Context, positionID int64, realizedPnL float64) error {
	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return fmt.Errorf("closing position %d: %w", positionID, err)
	}
	if !pos.IsActive {
		l.logger.WithField("position_id", positionID).Debug("position already closed")
		return nil
	}

	pos.IsActive = false
	pos.ExitTime = time.Now().UTC()
	pos.RealizedPnL = realizedPnL
	pos.UnrealizedPnL = 0
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("closing position %d: %w", positionID, err)
	}

	l.logger.WithFields(logrus.Fields{
		"strategy_id": pos.StrategyID,
		"position_id": positionID,
		"symbol":      pos.Symbol,
	}).Info("position closed")
	return nil
}

// CanEnter reports whether the strategy may open new positions: true iff it
// has zero active positions.
func (l *Ledger) CanEnter(ctx context.Context, strategyID int64) (bool, error) {
	active, err := l.store.ListActivePositions(ctx, strategyID)
	if err != nil {
		return false, fmt.Errorf("checking entry legality: %w", err)
	}
	return len(active) == 0, nil
}

// CanExit reports whether the strategy may exit: true iff at least one
// active position exists.
func (l *Ledger) CanExit(ctx context.Context, strategyID int64) (bool, error) {
	active, err := l.store.ListActivePositions(ctx, strategyID)
	if err != nil {
		return false, fmt.Errorf("checking exit legality: %w", err)
	}
	return len(active) > 0, nil
}

// ActivePositions returns the strategy's open positions in creation order.
func (l *Ledger) ActivePositions(ctx context.Context, strategyID int64) ([]models.Position, error) {
	return l.store.ListActivePositions(ctx, strategyID)
}

// AggregatePnL sums unrealized P&L over active positions and realized P&L
// over all positions of the strategy.
func (l *Ledger) AggregatePnL(ctx context.Context, strategyID int64) (*models.PnLSummary, error) {
	all, err := l.store.ListPositions(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("aggregating pnl: %w", err)
	}

	var sum models.PnLSummary
	for _, p := range all {
		sum.RealizedPnL += p.RealizedPnL
		if p.IsActive {
			sum.UnrealizedPnL += p.UnrealizedPnL
			sum.ActivePositions++
		}
	}
	sum.TotalPnL = sum.RealizedPnL + sum.UnrealizedPnL
	return &sum, nil
}
