// Package models defines the domain types shared across the execution engine:
// strategies, symbol mappings, positions and the unified leg descriptor.
package models

import (
	"fmt"
	"time"
)

// OrderAction is the direction of a single broker order.
type OrderAction string

const (
	// ActionBuy buys the instrument.
	ActionBuy OrderAction = "BUY"
	// ActionSell sells the instrument.
	ActionSell OrderAction = "SELL"
)

// Opposite returns the inverse order action.
func (a OrderAction) Opposite() OrderAction {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// WebhookAction is the intent carried by an inbound signal.
type WebhookAction string

const (
	// WebhookEntry opens the strategy's configured legs.
	WebhookEntry WebhookAction = "ENTRY"
	// WebhookExit closes the strategy's active positions.
	WebhookExit WebhookAction = "EXIT"
)

// Valid returns true if the WebhookAction is one of the defined constants.
func (a WebhookAction) Valid() bool {
	return a == WebhookEntry || a == WebhookExit
}

// TradingMode restricts the direction a strategy may trade.
type TradingMode string

const (
	// ModeLong allows long entries only.
	ModeLong TradingMode = "LONG"
	// ModeShort allows short entries only.
	ModeShort TradingMode = "SHORT"
	// ModeBoth allows entries in either direction.
	ModeBoth TradingMode = "BOTH"
)

// OptionType identifies the contract type of a configured leg.
type OptionType string

const (
	// OptionCall is a call option (CE).
	OptionCall OptionType = "CE"
	// OptionPut is a put option (PE).
	OptionPut OptionType = "PE"
	// OptionFuture is a futures contract.
	OptionFuture OptionType = "FUT"
	// OptionNone marks a leg with no derivative resolution (cash symbol).
	OptionNone OptionType = "XX"
)

// StrikeSign returns the directional sign used when shifting a strike away
// from at-the-money: calls shift up, puts shift down.
func (t OptionType) StrikeSign() int {
	if t == OptionPut {
		return -1
	}
	return 1
}

// Strategy is one webhook-addressable trading configuration.
type Strategy struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	WebhookToken  string      `json:"webhook_token"`
	UserID        string      `json:"user_id"`
	Platform      string      `json:"platform"`
	IsActive      bool        `json:"is_active"`
	IsIntraday    bool        `json:"is_intraday"`
	TradingMode   TradingMode `json:"trading_mode"`
	StartTime     string      `json:"start_time,omitempty"`     // "HH:MM"
	EndTime       string      `json:"end_time,omitempty"`       // "HH:MM"
	SquareoffTime string      `json:"squareoff_time,omitempty"` // "HH:MM"
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// SymbolMapping is an immutable leg template configured on a strategy.
// Quantity is signed: positive means the entry leg is a BUY, negative a SELL.
type SymbolMapping struct {
	ID           int64      `json:"id"`
	StrategyID   int64      `json:"strategy_id"`
	Symbol       string     `json:"symbol"`
	Exchange     string     `json:"exchange"`
	Quantity     int        `json:"quantity"`
	ProductType  string     `json:"product_type"`
	StrikeOffset int        `json:"strike_offset"`
	OptionType   OptionType `json:"option_type"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Position is one realized leg of exposure. Quantity keeps the sign it was
// created with: positive from a BUY entry, negative from a SELL entry. The
// sign never flips; closing only deactivates the row.
type Position struct {
	ID            int64       `json:"id"`
	StrategyID    int64       `json:"strategy_id"`
	Symbol        string      `json:"symbol"`
	Exchange      string      `json:"exchange"`
	Quantity      int         `json:"quantity"`
	AveragePrice  float64     `json:"average_price"`
	CurrentPrice  float64     `json:"current_price"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	RealizedPnL   float64     `json:"realized_pnl"`
	ProductType   string      `json:"product_type"`
	EntryType     OrderAction `json:"entry_type"`
	EntryTime     time.Time   `json:"entry_time"`
	ExitTime      time.Time   `json:"exit_time,omitempty"`
	IsActive      bool        `json:"is_active"`
}

// CloseAction returns the order action that flattens this position.
func (p *Position) CloseAction() OrderAction {
	if p.Quantity > 0 {
		return ActionSell
	}
	return ActionBuy
}

// AbsQuantity returns the unsigned contract count of the position.
func (p *Position) AbsQuantity() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// PnLSummary aggregates strategy P&L: unrealized over active positions,
// realized over all positions.
type PnLSummary struct {
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	RealizedPnL     float64 `json:"realized_pnl"`
	TotalPnL        float64 `json:"total_pnl"`
	ActivePositions int     `json:"active_positions"`
}

// LegSource discriminates where a leg descriptor came from.
type LegSource string

const (
	// LegConfigured comes verbatim from a stored SymbolMapping.
	LegConfigured LegSource = "configured"
	// LegResolved was produced by dynamic strike resolution.
	LegResolved LegSource = "resolved"
	// LegPosition wraps an open Position being closed.
	LegPosition LegSource = "position"
)

// Leg is the unified descriptor the processor dispatches. Configured legs,
// dynamically resolved legs and position-close legs all flatten into this one
// shape; branch on Source, never on where the value happened to come from.
type Leg struct {
	Source      LegSource
	Symbol      string
	Exchange    string
	Quantity    int // signed, same convention as SymbolMapping/Position
	ProductType string
	OptionType  OptionType

	// Set when Source == LegResolved.
	StrikeOffset   int
	ActualStrike   float64
	ATMStrike      float64
	ReferencePrice float64
	Token          string
	LotSize        int

	// Set when Source == LegPosition.
	PositionID int64
	EntryType  OrderAction
}

// OrderFor returns the order action and unsigned quantity for this leg under
// the given webhook action. For ENTRY the configured sign decides the
// direction; for EXIT the direction is inverted to flatten the exposure.
func (l *Leg) OrderFor(action WebhookAction) (OrderAction, int) {
	qty := l.Quantity
	if qty < 0 {
		qty = -qty
	}
	if action == WebhookEntry {
		if l.Quantity > 0 {
			return ActionBuy, qty
		}
		return ActionSell, qty
	}
	if l.Quantity > 0 {
		return ActionSell, qty
	}
	return ActionBuy, qty
}

// DispatchPriority orders legs deterministically before dispatch: ENTRY
// sends BUY legs (positive quantity) first, EXIT sends the legs that close
// short exposure (negative quantity) first.
func (l *Leg) DispatchPriority(action WebhookAction) int {
	if action == WebhookEntry {
		if l.Quantity > 0 {
			return 0
		}
		return 1
	}
	if l.Quantity < 0 {
		return 0
	}
	return 1
}

// LegFromMapping wraps a stored symbol mapping as a configured leg.
func LegFromMapping(m SymbolMapping) Leg {
	return Leg{
		Source:       LegConfigured,
		Symbol:       m.Symbol,
		Exchange:     m.Exchange,
		Quantity:     m.Quantity,
		ProductType:  m.ProductType,
		OptionType:   m.OptionType,
		StrikeOffset: m.StrikeOffset,
	}
}

// LegFromPosition wraps an open position as a close leg.
func LegFromPosition(p Position) Leg {
	return Leg{
		Source:      LegPosition,
		Symbol:      p.Symbol,
		Exchange:    p.Exchange,
		Quantity:    p.Quantity,
		ProductType: p.ProductType,
		PositionID:  p.ID,
		EntryType:   p.EntryType,
	}
}

// Instrument is one result row from the symbol lookup collaborator.
type Instrument struct {
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Expiry         string  `json:"expiry"`
	Strike         float64 `json:"strike"`
	InstrumentType string  `json:"instrumenttype"`
	Exchange       string  `json:"exchange"`
	Token          string  `json:"token"`
	LotSize        int     `json:"lotsize"`
}

// ParseClock parses an "HH:MM" wall-clock string into minutes past midnight.
// Trailing text and out-of-range fields are rejected.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
