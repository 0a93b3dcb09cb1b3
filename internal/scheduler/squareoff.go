// Package scheduler flattens intraday strategies at their configured daily
// square-off time. One timer per strategy, keyed by id, firing in the market
// timezone and re-arming for the next day.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/broker"
	"github.com/marketflow/signalbridge/internal/dispatch"
	"github.com/marketflow/signalbridge/internal/ledger"
	"github.com/marketflow/signalbridge/internal/models"
	"github.com/marketflow/signalbridge/internal/storage"
)

// Scheduler owns the per-strategy square-off timers. Schedule replaces any
// existing timer for the same strategy, so re-activating a strategy twice
// leaves exactly one trigger armed.
type Scheduler struct {
	store      storage.Interface
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	location   *time.Location
	logger     *logrus.Logger

	mu     sync.Mutex
	timers map[int64]*time.Timer

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Scheduler. location is the market timezone square-off times
// are interpreted in.
func New(store storage.Interface, lg *ledger.Ledger, d *dispatch.Dispatcher, location *time.Location, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		store:      store,
		ledger:     lg,
		dispatcher: d,
		location:   location,
		logger:     logger,
		timers:     make(map[int64]*time.Timer),
		now:        time.Now,
	}
}

// Schedule arms the daily square-off trigger for a strategy, replacing any
// existing one. Strategies that are inactive, non-intraday or without a
// square-off time only get their old timer cancelled.
func (s *Scheduler) Schedule(strat *models.Strategy) {
	s.Cancel(strat.ID)

	if !strat.IsActive || !strat.IsIntraday || strat.SquareoffTime == "" {
		return
	}
	mins, err := models.ParseClock(strat.SquareoffTime)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"strategy_id":    strat.ID,
			"squareoff_time": strat.SquareoffTime,
		}).WithError(err).Error("invalid square-off time, not scheduling")
		return
	}

	id := strat.ID
	delay := s.untilNext(mins)
	s.mu.Lock()
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, mins) })
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"strategy_id": id,
		"fires_in":    delay.Round(time.Second).String(),
	}).Info("square-off scheduled")
}

// Cancel stops and removes the strategy's timer. Missing timers are fine;
// deactivation and deletion both call this unconditionally.
func (s *Scheduler) Cancel(strategyID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[strategyID]; ok {
		t.Stop()
		delete(s.timers, strategyID)
	}
}

// RestoreAll re-arms triggers for every active strategy. Called once at
// process start so timers survive restarts.
func (s *Scheduler) RestoreAll(ctx context.Context) error {
	strategies, err := s.store.ListActiveStrategies(ctx)
	if err != nil {
		return err
	}
	for i := range strategies {
		s.Schedule(&strategies[i])
	}
	s.logger.WithField("count", len(strategies)).Info("square-off triggers restored")
	return nil
}

// untilNext returns the duration until the next occurrence of the wall-clock
// minute in the market timezone, rolling to tomorrow if it already passed.
func (s *Scheduler) untilNext(mins int) time.Duration {
	now := s.now().In(s.location)
	next := time.Date(now.Year(), now.Month(), now.Day(), mins/60, mins%60, 0, 0, s.location)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// fire flattens the strategy's open positions and re-arms for the next day.
// Errors are logged; a failed job never takes the timer subsystem down.
func (s *Scheduler) fire(strategyID int64, mins int) {
	ctx := context.Background()
	log := s.logger.WithField("strategy_id", strategyID)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("square-off job fault")
		}
		s.rearm(strategyID, mins)
	}()

	strat, err := s.store.GetStrategy(ctx, strategyID)
	if err != nil {
		log.WithError(err).Error("square-off: strategy lookup failed")
		return
	}
	// Eligibility can change between scheduling and firing; re-check both
	// flags against the stored row.
	if !strat.IsActive || !strat.IsIntraday {
		log.Debug("square-off: strategy no longer eligible, skipping")
		return
	}

	lock := s.ledger.StrategyLock(strategyID)
	lock.Lock()
	defer lock.Unlock()

	active, err := s.ledger.ActivePositions(ctx, strategyID)
	if err != nil {
		log.WithError(err).Error("square-off: loading positions failed")
		return
	}
	if len(active) == 0 {
		log.Debug("square-off: no active positions")
		return
	}

	apiKey, err := s.store.APIKeyFor(ctx, strat.UserID)
	if err != nil {
		log.WithError(err).Error("square-off: no credential for user")
		return
	}

	// Close long exposure before short to release margin-reducing capital
	// first.
	sort.SliceStable(active, func(i, j int) bool {
		return closePriority(active[i]) < closePriority(active[j])
	})

	closed := 0
	for _, pos := range active {
		s.dispatcher.Submit(dispatch.LaneBulk, broker.OrderPayload{
			APIKey:    apiKey,
			Symbol:    pos.Symbol,
			Exchange:  pos.Exchange,
			Product:   pos.ProductType,
			Strategy:  strat.Name,
			Action:    string(pos.CloseAction()),
			Quantity:  pos.AbsQuantity(),
			PriceType: "MARKET",
		})
		if err := s.ledger.ClosePosition(ctx, pos.ID, 0); err != nil {
			log.WithField("position_id", pos.ID).WithError(err).Error("square-off: close failed")
			continue
		}
		closed++
	}
	log.WithField("closed", closed).Info("square-off completed")
}

// rearm schedules tomorrow's trigger unless Cancel removed the strategy
// while the job ran.
func (s *Scheduler) rearm(strategyID int64, mins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[strategyID]; !ok {
		return
	}
	s.timers[strategyID] = time.AfterFunc(s.untilNext(mins), func() { s.fire(strategyID, mins) })
}

func closePriority(p models.Position) int {
	if p.Quantity > 0 {
		return 0
	}
	return 1
}
