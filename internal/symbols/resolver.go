// Package symbols resolves configured strike-offset legs into concrete
// tradable option contracts against a symbol reference service.
package symbols

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/models"
	"github.com/marketflow/signalbridge/internal/util"
)

// strikeEpsilon bounds float comparison when matching returned strikes
// against the computed target.
const strikeEpsilon = 1e-6

// Lookup is the symbol reference collaborator.
type Lookup interface {
	SearchSymbols(ctx context.Context, query, exchange string) ([]models.Instrument, error)
}

// Request carries the signal-level inputs shared by every leg of one
// resolution pass. Per-leg inputs (exchange, offset, option type) come from
// the mapping itself.
type Request struct {
	BaseSymbol string
	Expiry     string
	Price      float64
	Spacing    float64
}

// Resolver computes ATM-relative strikes and verifies them against the
// lookup service. Exact match or nothing: a leg whose computed contract does
// not come back verbatim from the reference data is skipped, never
// approximated to a nearby strike.
type Resolver struct {
	lookup Lookup
	logger *logrus.Logger
}

// New creates a Resolver backed by the given lookup collaborator.
func New(lookup Lookup, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{lookup: lookup, logger: logger}
}

// ATMStrike returns the at-the-money strike for the reference price: the
// price rounded to the nearest spacing unit.
func ATMStrike(price, spacing float64) float64 {
	return util.RoundToTick(price, spacing)
}

// TargetStrike shifts the ATM strike by offset spacing units in the
// direction the option type trades out-of-the-money: calls up, puts down.
func TargetStrike(atm float64, offset int, spacing float64, optType models.OptionType) float64 {
	return atm + float64(offset)*spacing*float64(optType.StrikeSign())
}

// Resolve maps each configured mapping onto a concrete contract. Unresolved
// legs are logged and dropped; resolving zero legs fails the whole pass.
func (r *Resolver) Resolve(ctx context.Context, req Request, mappings []models.SymbolMapping) ([]models.Leg, error) {
	if req.Spacing <= 0 {
		return nil, fmt.Errorf("strike spacing must be positive, got %v", req.Spacing)
	}

	atm := ATMStrike(req.Price, req.Spacing)
	legs := make([]models.Leg, 0, len(mappings))
	for _, m := range mappings {
		leg, err := r.resolveLeg(ctx, req, atm, m)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"strategy_id": m.StrategyID,
				"base":        req.BaseSymbol,
				"offset":      m.StrikeOffset,
				"option_type": m.OptionType,
			}).WithError(err).Warn("leg not resolved, skipping")
			continue
		}
		legs = append(legs, *leg)
	}

	if len(legs) == 0 {
		return nil, fmt.Errorf("no legs resolved for %s %s at %.2f", req.BaseSymbol, req.Expiry, req.Price)
	}
	return legs, nil
}

func (r *Resolver) resolveLeg(ctx context.Context, req Request, atm float64, m models.SymbolMapping) (*models.Leg, error) {
	if m.OptionType == models.OptionNone {
		return nil, fmt.Errorf("cash leg has no contract to resolve")
	}

	target := TargetStrike(atm, m.StrikeOffset, req.Spacing, m.OptionType)
	query := fmt.Sprintf("%s %s %s %s",
		req.BaseSymbol, formatStrike(target), m.OptionType, req.Expiry)

	results, err := r.lookup.SearchSymbols(ctx, query, m.Exchange)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}

	inst := firstExactMatch(results, req, target, m)
	if inst == nil {
		return nil, fmt.Errorf("no exact match for %s strike %s %s expiry %s",
			req.BaseSymbol, formatStrike(target), m.OptionType, req.Expiry)
	}

	return &models.Leg{
		Source:         models.LegResolved,
		Symbol:         inst.Symbol,
		Exchange:       inst.Exchange,
		Quantity:       m.Quantity,
		ProductType:    m.ProductType,
		OptionType:     m.OptionType,
		StrikeOffset:   m.StrikeOffset,
		ActualStrike:   target,
		ATMStrike:      atm,
		ReferencePrice: req.Price,
		Token:          inst.Token,
		LotSize:        inst.LotSize,
	}, nil
}

// firstExactMatch returns the first instrument whose name, expiry, strike,
// instrument type and exchange all match the computed target exactly. The
// exchange comes from the mapping; a contract listed on a different venue is
// never a match.
func firstExactMatch(results []models.Instrument, req Request, target float64, m models.SymbolMapping) *models.Instrument {
	for i := range results {
		in := &results[i]
		if !strings.EqualFold(in.Name, req.BaseSymbol) {
			continue
		}
		if !strings.EqualFold(in.Expiry, req.Expiry) {
			continue
		}
		if math.Abs(in.Strike-target) > strikeEpsilon {
			continue
		}
		if !strings.EqualFold(in.InstrumentType, string(m.OptionType)) {
			continue
		}
		if !strings.EqualFold(in.Exchange, m.Exchange) {
			continue
		}
		return in
	}
	return nil
}

// formatStrike renders a strike without a trailing ".0" for whole values, the
// form the reference service indexes.
func formatStrike(strike float64) string {
	if strike == math.Trunc(strike) {
		return strconv.FormatInt(int64(strike), 10)
	}
	return strconv.FormatFloat(strike, 'f', -1, 64)
}
