// Package strategy implements the strategy lifecycle: creation, activation
// toggles, trading-time edits, deletion, and symbol mapping configuration.
package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/models"
	"github.com/marketflow/signalbridge/internal/storage"
)

const (
	// marketOpenMins and marketCloseMins bound configurable trading times
	// (09:15 and 15:30).
	marketOpenMins  = 9*60 + 15
	marketCloseMins = 15*60 + 30
)

// namePattern is the allowed strategy name shape: 3-50 chars of letters,
// digits, spaces, underscores and hyphens.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9 _-]{3,50}$`)

// equityExchanges lists the cash segments; everything else on the whitelist
// is a derivatives segment.
var equityExchanges = map[string]bool{"NSE": true, "BSE": true}

var allowedExchanges = map[string]bool{
	"NSE": true, "BSE": true, "NFO": true, "CDS": true,
	"BFO": true, "BCD": true, "MCX": true, "NCDEX": true,
}

// Squareoff is the trigger registration hook the service drives on
// activation changes.
type Squareoff interface {
	Schedule(strat *models.Strategy)
	Cancel(strategyID int64)
}

// Service owns strategy configuration rules. It validates everything before
// it touches storage and keeps square-off triggers in sync with activation
// state.
type Service struct {
	store     storage.Interface
	squareoff Squareoff
	logger    *logrus.Logger
}

// New creates a strategy Service.
func New(store storage.Interface, squareoff Squareoff, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, squareoff: squareoff, logger: logger}
}

// CreateParams are the caller-supplied fields of a new strategy.
type CreateParams struct {
	Name          string             `json:"name"`
	UserID        string             `json:"user_id"`
	Platform      string             `json:"platform"`
	IsIntraday    bool               `json:"is_intraday"`
	TradingMode   models.TradingMode `json:"trading_mode"`
	StartTime     string             `json:"start_time"`
	EndTime       string             `json:"end_time"`
	SquareoffTime string             `json:"squareoff_time"`
}

// Create validates the parameters, mints a webhook token and stores the
// strategy. The stored name carries the platform prefix; new strategies
// start active, with their square-off trigger armed when applicable.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Strategy, error) {
	name := strings.TrimSpace(p.Name)
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("name must be 3-50 characters of letters, digits, spaces, underscores or hyphens")
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	switch p.TradingMode {
	case models.ModeLong, models.ModeShort, models.ModeBoth:
	default:
		return nil, fmt.Errorf("trading_mode must be LONG, SHORT or BOTH")
	}
	if p.IsIntraday {
		if err := validateTimes(p.StartTime, p.EndTime, p.SquareoffTime); err != nil {
			return nil, err
		}
	}

	platform := strings.TrimSpace(p.Platform)
	if platform == "" {
		platform = "tradingview"
	}

	strat := &models.Strategy{
		Name:          fmt.Sprintf("%s_%s", platform, name),
		WebhookToken:  uuid.NewString(),
		UserID:        p.UserID,
		Platform:      platform,
		IsActive:      true,
		IsIntraday:    p.IsIntraday,
		TradingMode:   p.TradingMode,
		StartTime:     p.StartTime,
		EndTime:       p.EndTime,
		SquareoffTime: p.SquareoffTime,
	}
	if err := s.store.CreateStrategy(ctx, strat); err != nil {
		return nil, fmt.Errorf("creating strategy: %w", err)
	}
	s.squareoff.Schedule(strat)

	s.logger.WithFields(logrus.Fields{
		"strategy_id": strat.ID,
		"name":        strat.Name,
		"user_id":     strat.UserID,
	}).Info("strategy created")
	return strat, nil
}

// Toggle flips the active flag and keeps the square-off trigger in sync:
// activation schedules it, deactivation cancels it.
func (s *Service) Toggle(ctx context.Context, id int64) (*models.Strategy, error) {
	strat, err := s.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	strat.IsActive = !strat.IsActive
	if err := s.store.UpdateStrategy(ctx, strat); err != nil {
		return nil, fmt.Errorf("toggling strategy %d: %w", id, err)
	}

	if strat.IsActive {
		s.squareoff.Schedule(strat)
	} else {
		s.squareoff.Cancel(id)
	}

	s.logger.WithFields(logrus.Fields{
		"strategy_id": id,
		"is_active":   strat.IsActive,
	}).Info("strategy toggled")
	return strat, nil
}

// UpdateTimes edits an intraday strategy's trading window and re-arms its
// square-off trigger.
func (s *Service) UpdateTimes(ctx context.Context, id int64, start, end, squareoff string) (*models.Strategy, error) {
	strat, err := s.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strat.IsIntraday {
		return nil, fmt.Errorf("trading times apply to intraday strategies only")
	}
	if err := validateTimes(start, end, squareoff); err != nil {
		return nil, err
	}

	strat.StartTime = start
	strat.EndTime = end
	strat.SquareoffTime = squareoff
	if err := s.store.UpdateStrategy(ctx, strat); err != nil {
		return nil, fmt.Errorf("updating times for strategy %d: %w", id, err)
	}
	s.squareoff.Schedule(strat)

	s.logger.WithFields(logrus.Fields{
		"strategy_id":    id,
		"start_time":     start,
		"end_time":       end,
		"squareoff_time": squareoff,
	}).Info("strategy times updated")
	return strat, nil
}

// Delete cancels the square-off trigger and removes the strategy; mappings
// and positions cascade in storage.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.squareoff.Cancel(id)
	if err := s.store.DeleteStrategy(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("strategy_id", id).Info("strategy deleted")
	return nil
}

// AddMapping validates and stores one configured leg.
func (s *Service) AddMapping(ctx context.Context, strategyID int64, m models.SymbolMapping) (*models.SymbolMapping, error) {
	if _, err := s.store.GetStrategy(ctx, strategyID); err != nil {
		return nil, err
	}
	if err := validateMapping(&m); err != nil {
		return nil, err
	}
	m.StrategyID = strategyID
	if err := s.store.AddMapping(ctx, &m); err != nil {
		return nil, fmt.Errorf("adding mapping: %w", err)
	}
	return &m, nil
}

// AddMappingsBulk parses newline-separated
// "symbol,exchange,quantity,product,strike_offset,option_type" lines and
// stores them all. Any bad line fails the batch before anything is written.
func (s *Service) AddMappingsBulk(ctx context.Context, strategyID int64, text string) ([]models.SymbolMapping, error) {
	if _, err := s.store.GetStrategy(ctx, strategyID); err != nil {
		return nil, err
	}

	var out []models.SymbolMapping
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m, err := parseMappingLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if err := validateMapping(m); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, *m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no mappings supplied")
	}

	if err := s.store.AddMappings(ctx, strategyID, out); err != nil {
		return nil, fmt.Errorf("adding mappings: %w", err)
	}
	return out, nil
}

// parseMappingLine splits one bulk-import line. The two strike fields are
// optional for cash legs.
func parseMappingLine(line string) (*models.SymbolMapping, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 && len(parts) != 6 {
		return nil, fmt.Errorf("expected symbol,exchange,quantity,product[,strike_offset,option_type], got %d fields", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	qty, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q", parts[2])
	}

	m := &models.SymbolMapping{
		Symbol:      parts[0],
		Exchange:    strings.ToUpper(parts[1]),
		Quantity:    qty,
		ProductType: strings.ToUpper(parts[3]),
		OptionType:  models.OptionNone,
	}
	if len(parts) == 6 {
		off, err := strconv.Atoi(parts[4])
		if err != nil {
			return nil, fmt.Errorf("invalid strike_offset %q", parts[4])
		}
		m.StrikeOffset = off
		m.OptionType = models.OptionType(strings.ToUpper(parts[5]))
	}
	return m, nil
}

func validateMapping(m *models.SymbolMapping) error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !allowedExchanges[m.Exchange] {
		return fmt.Errorf("exchange %q not supported", m.Exchange)
	}
	if m.Quantity == 0 {
		return fmt.Errorf("quantity must not be zero")
	}

	if equityExchanges[m.Exchange] {
		if m.ProductType != "MIS" && m.ProductType != "CNC" {
			return fmt.Errorf("product %q invalid for %s, use MIS or CNC", m.ProductType, m.Exchange)
		}
	} else {
		if m.ProductType != "MIS" && m.ProductType != "NRML" {
			return fmt.Errorf("product %q invalid for %s, use MIS or NRML", m.ProductType, m.Exchange)
		}
	}

	switch m.OptionType {
	case models.OptionCall, models.OptionPut, models.OptionFuture, models.OptionNone:
	default:
		return fmt.Errorf("option type %q invalid, use CE, PE, FUT or XX", m.OptionType)
	}
	return nil
}

// validateTimes enforces the intraday window rules: HH:MM format, inside
// market hours, start before end, square-off no earlier than end.
func validateTimes(start, end, squareoff string) error {
	st, err := models.ParseClock(start)
	if err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	en, err := models.ParseClock(end)
	if err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	sq, err := models.ParseClock(squareoff)
	if err != nil {
		return fmt.Errorf("squareoff_time: %w", err)
	}

	if st < marketOpenMins || sq > marketCloseMins {
		return fmt.Errorf("trading times must fall within market hours 09:15-15:30")
	}
	if st >= en {
		return fmt.Errorf("start_time must be before end_time")
	}
	if sq < en {
		return fmt.Errorf("squareoff_time must not be before end_time")
	}
	return nil
}
