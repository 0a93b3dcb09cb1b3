// Package webhook orchestrates inbound signals: it validates strategy state
// and timing, resolves or loads the legs, and drives the ledger and the
// dispatcher. All user-facing failure modes are typed errors; only the HTTP
// layer turns them into responses.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/broker"
	"github.com/marketflow/signalbridge/internal/dispatch"
	"github.com/marketflow/signalbridge/internal/ledger"
	"github.com/marketflow/signalbridge/internal/models"
	"github.com/marketflow/signalbridge/internal/storage"
	"github.com/marketflow/signalbridge/internal/symbols"
)

// Spread carries the strike-spacing unit of an enhanced signal. TradingView
// templates send it either as a bare number or as an object, so both decode.
type Spread struct {
	Type    string  `json:"type,omitempty"`
	Spacing float64 `json:"spacing"`
}

// UnmarshalJSON accepts the bare number form `50` as well as the object
// forms `{"spacing":50}` and `{"type":"strangle","spacing":50}`.
func (s *Spread) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		s.Spacing = n
		return nil
	}
	type alias Spread
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Spread(a)
	return nil
}

// Signal is the inbound webhook body. The enhanced shape carries symbol,
// expiry, price and spread together with an ENTRY action; everything else is
// the legacy shape that replays the stored configuration.
type Signal struct {
	Symbol string  `json:"symbol"`
	Action string  `json:"action"`
	Expiry string  `json:"expiry,omitempty"`
	Price  float64 `json:"price,omitempty"`
	Spread *Spread `json:"spread,omitempty"`
}

// Enhanced reports whether the signal requests dynamic strike resolution.
func (s *Signal) Enhanced() bool {
	return s.Symbol != "" && s.Expiry != "" && s.Price > 0 && s.Spread != nil &&
		strings.EqualFold(s.Action, string(models.WebhookEntry))
}

// ProcessedOrder is one successfully dispatched leg in the report.
type ProcessedOrder struct {
	Symbol   string `json:"symbol"`
	Action   string `json:"action"`
	Quantity int    `json:"quantity"`
}

// FailedOrder is one leg that could not be processed.
type FailedOrder struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

// Report is the per-invocation result returned to the signal source.
type Report struct {
	Message         string           `json:"message"`
	WebhookAction   string           `json:"webhook_action"`
	ProcessedOrders []ProcessedOrder `json:"processed_orders"`
	TotalProcessed  int              `json:"total_processed"`
	PositionAction  string           `json:"position_action"`
	FailedOrders    []FailedOrder    `json:"failed_orders,omitempty"`
	TotalFailed     int              `json:"total_failed,omitempty"`
}

// Resolver is the strike resolution collaborator.
type Resolver interface {
	Resolve(ctx context.Context, req symbols.Request, mappings []models.SymbolMapping) ([]models.Leg, error)
}

// Processor drives one signal through validation, resolution and dispatch.
type Processor struct {
	store      storage.Interface
	ledger     *ledger.Ledger
	resolver   Resolver
	dispatcher *dispatch.Dispatcher
	location   *time.Location
	logger     *logrus.Logger

	// now is replaceable for trading-window tests.
	now func() time.Time
}

// New creates a Processor. location is the market timezone used for
// trading-window checks.
func New(store storage.Interface, lg *ledger.Ledger, resolver Resolver, d *dispatch.Dispatcher, location *time.Location, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Processor{
		store:      store,
		ledger:     lg,
		resolver:   resolver,
		dispatcher: d,
		location:   location,
		logger:     logger,
		now:        time.Now,
	}
}

// Process executes one signal against the strategy addressed by token.
// Typed errors (ValidationError, StateConflictError, TimingError,
// ResolutionError) describe rejections before any dispatch; per-leg failures
// after dispatch begins are collected in the report instead.
func (p *Processor) Process(ctx context.Context, token string, sig *Signal) (*Report, error) {
	strat, err := p.store.GetStrategyByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !strat.IsActive {
		return nil, &ValidationError{Reason: "strategy is not active"}
	}

	action := models.WebhookAction(strings.ToUpper(strings.TrimSpace(sig.Action)))
	if !action.Valid() {
		return nil, &ValidationError{Reason: "invalid action, use ENTRY or EXIT"}
	}
	if sig.Symbol == "" {
		return nil, &ValidationError{Reason: "missing required field: symbol"}
	}

	mappings, err := p.store.ListMappings(ctx, strat.ID)
	if err != nil {
		return nil, fmt.Errorf("loading symbol mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil, &ValidationError{Reason: "no symbol mappings configured for this strategy"}
	}

	if err := p.checkTradingWindow(strat); err != nil {
		return nil, err
	}

	// Legality check and the position writes it guards run under the
	// strategy lock so two concurrent signals cannot both pass.
	lock := p.ledger.StrategyLock(strat.ID)
	lock.Lock()
	defer lock.Unlock()

	webhookSymbol := sig.Symbol
	var legs []models.Leg
	switch action {
	case models.WebhookEntry:
		ok, err := p.ledger.CanEnter(ctx, strat.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			active, err := p.ledger.ActivePositions(ctx, strat.ID)
			if err != nil {
				return nil, err
			}
			return nil, &StateConflictError{
				Reason:    "strategy already has active positions",
				Hint:      "use EXIT webhook to exit existing positions first",
				Positions: active,
			}
		}
		if sig.Enhanced() {
			legs, err = p.resolveLegs(ctx, sig, mappings)
			if err != nil {
				return nil, err
			}
			webhookSymbol = sig.Symbol + sig.Expiry
		} else {
			legs = make([]models.Leg, 0, len(mappings))
			for _, m := range mappings {
				legs = append(legs, models.LegFromMapping(m))
			}
		}

	case models.WebhookExit:
		active, err := p.ledger.ActivePositions(ctx, strat.ID)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			return nil, &StateConflictError{
				Reason: "no active positions found to exit",
				Hint:   "use ENTRY webhook to enter positions first",
			}
		}
		legs = make([]models.Leg, 0, len(active))
		for _, pos := range active {
			legs = append(legs, models.LegFromPosition(pos))
		}
	}

	apiKey, err := p.store.APIKeyFor(ctx, strat.UserID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].DispatchPriority(action) < legs[j].DispatchPriority(action)
	})

	report := &Report{
		Message:         fmt.Sprintf("Strategy execution completed for webhook symbol %s", webhookSymbol),
		WebhookAction:   string(action),
		ProcessedOrders: make([]ProcessedOrder, 0, len(legs)),
		PositionAction:  string(action),
	}
	for _, leg := range legs {
		if err := p.dispatchLeg(ctx, strat, apiKey, leg, action); err != nil {
			p.logger.WithFields(logrus.Fields{
				"strategy_id": strat.ID,
				"symbol":      leg.Symbol,
			}).WithError(err).Error("leg failed")
			report.FailedOrders = append(report.FailedOrders, FailedOrder{Symbol: leg.Symbol, Error: err.Error()})
			continue
		}
		orderAction, qty := leg.OrderFor(action)
		report.ProcessedOrders = append(report.ProcessedOrders, ProcessedOrder{
			Symbol:   leg.Symbol,
			Action:   string(orderAction),
			Quantity: qty,
		})
	}
	report.TotalProcessed = len(report.ProcessedOrders)
	report.TotalFailed = len(report.FailedOrders)
	return report, nil
}

func (p *Processor) resolveLegs(ctx context.Context, sig *Signal, mappings []models.SymbolMapping) ([]models.Leg, error) {
	if sig.Spread.Spacing <= 0 {
		return nil, &ValidationError{Reason: "spread must supply a positive strike spacing"}
	}
	legs, err := p.resolver.Resolve(ctx, symbols.Request{
		BaseSymbol: sig.Symbol,
		Expiry:     sig.Expiry,
		Price:      sig.Price,
		Spacing:    sig.Spread.Spacing,
	}, mappings)
	if err != nil {
		return nil, &ResolutionError{Reason: "no symbols could be resolved from configuration", Err: err}
	}
	return legs, nil
}

// checkTradingWindow rejects intraday signals outside [start, end] or after
// the square-off time. Non-intraday strategies trade around the clock.
func (p *Processor) checkTradingWindow(strat *models.Strategy) error {
	if !strat.IsIntraday {
		return nil
	}
	now := p.now().In(p.location)
	cur := now.Hour()*60 + now.Minute()

	if strat.StartTime != "" {
		start, err := models.ParseClock(strat.StartTime)
		if err == nil && cur < start {
			return &TimingError{Reason: "orders not allowed before start time"}
		}
	}
	if strat.EndTime != "" {
		end, err := models.ParseClock(strat.EndTime)
		if err == nil && cur > end {
			return &TimingError{Reason: "orders not allowed after end time"}
		}
	}
	if strat.SquareoffTime != "" {
		sq, err := models.ParseClock(strat.SquareoffTime)
		if err == nil && cur > sq {
			return &TimingError{Reason: "orders not allowed after square off time"}
		}
	}
	return nil
}

// dispatchLeg submits one order on the bulk lane and applies the matching
// ledger mutation. The submit and the mutation form one unit relative to
// sibling legs; a failure here never aborts the others.
func (p *Processor) dispatchLeg(ctx context.Context, strat *models.Strategy, apiKey string, leg models.Leg, action models.WebhookAction) error {
	orderAction, qty := leg.OrderFor(action)
	p.dispatcher.Submit(dispatch.LaneBulk, broker.OrderPayload{
		APIKey:    apiKey,
		Symbol:    leg.Symbol,
		Exchange:  leg.Exchange,
		Product:   leg.ProductType,
		Strategy:  strat.Name,
		Action:    string(orderAction),
		Quantity:  qty,
		PriceType: "MARKET",
	})

	if action == models.WebhookEntry {
		if _, err := p.ledger.OpenPosition(ctx, strat.ID, leg, orderAction); err != nil {
			return err
		}
		return nil
	}

	if leg.PositionID != 0 {
		return p.ledger.ClosePosition(ctx, leg.PositionID, 0)
	}
	// No id on the leg: close the first active position with the same
	// symbol and exchange.
	active, err := p.ledger.ActivePositions(ctx, strat.ID)
	if err != nil {
		return err
	}
	for _, pos := range active {
		if pos.Symbol == leg.Symbol && pos.Exchange == leg.Exchange {
			return p.ledger.ClosePosition(ctx, pos.ID, 0)
		}
	}
	return fmt.Errorf("no active position found for %s on %s", leg.Symbol, leg.Exchange)
}
