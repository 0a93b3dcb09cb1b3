package symbols

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/signalbridge/internal/models"
)

type fakeLookup struct {
	results   map[string][]models.Instrument
	err       error
	queries   []string
	exchanges []string
}

func (f *fakeLookup) SearchSymbols(_ context.Context, query, exchange string) ([]models.Instrument, error) {
	f.queries = append(f.queries, query)
	f.exchanges = append(f.exchanges, exchange)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestATMStrike(t *testing.T) {
	tests := []struct {
		price   float64
		spacing float64
		want    float64
	}{
		{24980, 50, 25000},
		{24920, 50, 24900},
		{25025, 50, 25050},
		{19983.4, 100, 20000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ATMStrike(tt.price, tt.spacing), "price=%v spacing=%v", tt.price, tt.spacing)
	}
}

func TestTargetStrike(t *testing.T) {
	atm := ATMStrike(24980, 50)
	require.Equal(t, 25000.0, atm)

	// Calls shift up with positive offsets, puts shift down.
	assert.Equal(t, 25100.0, TargetStrike(atm, 2, 50, models.OptionCall))
	assert.Equal(t, 24900.0, TargetStrike(atm, 2, 50, models.OptionPut))
	assert.Equal(t, 24900.0, TargetStrike(atm, -2, 50, models.OptionCall))
	assert.Equal(t, 25000.0, TargetStrike(atm, 0, 50, models.OptionPut))
}

func instrument(name, expiry string, strike float64, instType string) models.Instrument {
	return models.Instrument{
		Symbol:         name + expiry + instType,
		Name:           name,
		Expiry:         expiry,
		Strike:         strike,
		InstrumentType: instType,
		Exchange:       "NFO",
		Token:          "12345",
		LotSize:        75,
	}
}

func TestResolveExactMatch(t *testing.T) {
	lookup := &fakeLookup{results: map[string][]models.Instrument{
		"NIFTY 25100 CE 26MAR26": {instrument("NIFTY", "26MAR26", 25100, "CE")},
	}}
	r := New(lookup, quietLogger())

	legs, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY",
		Expiry:     "26MAR26",
		Price:      24980,
		Spacing:    50,
	}, []models.SymbolMapping{
		{StrategyID: 1, Exchange: "NFO", Quantity: 75, ProductType: "MIS", StrikeOffset: 2, OptionType: models.OptionCall},
	})
	require.NoError(t, err)
	require.Len(t, legs, 1)

	leg := legs[0]
	assert.Equal(t, models.LegResolved, leg.Source)
	assert.Equal(t, "NIFTY26MAR26CE", leg.Symbol)
	assert.Equal(t, "NFO", leg.Exchange)
	assert.Equal(t, 25000.0, leg.ATMStrike)
	assert.Equal(t, 25100.0, leg.ActualStrike)
	assert.Equal(t, 75, leg.Quantity)
	assert.Equal(t, 24980.0, leg.ReferencePrice)
	assert.Equal(t, "12345", leg.Token)
	assert.Equal(t, []string{"NFO"}, lookup.exchanges, "search must run against the mapping's exchange")
}

func TestResolveRejectsNearMisses(t *testing.T) {
	// The reference service returns a neighboring strike: not an exact
	// match, so the leg stays unresolved.
	lookup := &fakeLookup{results: map[string][]models.Instrument{
		"NIFTY 25100 CE 26MAR26": {instrument("NIFTY", "26MAR26", 25150, "CE")},
	}}
	r := New(lookup, quietLogger())

	_, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY", Expiry: "26MAR26", Price: 24980, Spacing: 50,
	}, []models.SymbolMapping{
		{Exchange: "NFO", Quantity: 75, StrikeOffset: 2, OptionType: models.OptionCall},
	})
	assert.Error(t, err)
}

func TestResolveRejectsWrongExchange(t *testing.T) {
	// The right contract on the wrong venue is not a match.
	bfo := instrument("NIFTY", "26MAR26", 25100, "CE")
	bfo.Exchange = "BFO"
	lookup := &fakeLookup{results: map[string][]models.Instrument{
		"NIFTY 25100 CE 26MAR26": {bfo},
	}}
	r := New(lookup, quietLogger())

	_, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY", Expiry: "26MAR26", Price: 24980, Spacing: 50,
	}, []models.SymbolMapping{
		{Exchange: "NFO", Quantity: 75, StrikeOffset: 2, OptionType: models.OptionCall},
	})
	assert.Error(t, err)
	assert.Equal(t, []string{"NFO"}, lookup.exchanges)
}

func TestResolveSkipsUnresolvedLegs(t *testing.T) {
	lookup := &fakeLookup{results: map[string][]models.Instrument{
		"NIFTY 25100 CE 26MAR26": {instrument("NIFTY", "26MAR26", 25100, "CE")},
		// The PE query returns nothing.
	}}
	r := New(lookup, quietLogger())

	legs, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY", Expiry: "26MAR26", Price: 24980, Spacing: 50,
	}, []models.SymbolMapping{
		{Exchange: "NFO", Quantity: 75, StrikeOffset: 2, OptionType: models.OptionCall},
		{Exchange: "NFO", Quantity: -75, StrikeOffset: 2, OptionType: models.OptionPut},
	})
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, models.OptionCall, legs[0].OptionType)
}

func TestResolveZeroLegsFails(t *testing.T) {
	r := New(&fakeLookup{}, quietLogger())
	_, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY", Expiry: "26MAR26", Price: 24980, Spacing: 50,
	}, []models.SymbolMapping{
		{Exchange: "NFO", Quantity: 75, StrikeOffset: 2, OptionType: models.OptionCall},
	})
	assert.Error(t, err)
}

func TestResolveSearchErrorSkipsLeg(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("search unavailable")}
	r := New(lookup, quietLogger())
	_, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY", Expiry: "26MAR26", Price: 24980, Spacing: 50,
	}, []models.SymbolMapping{
		{Exchange: "NFO", Quantity: 75, StrikeOffset: 2, OptionType: models.OptionCall},
	})
	assert.Error(t, err)
}

func TestResolveRequiresPositiveSpacing(t *testing.T) {
	r := New(&fakeLookup{}, quietLogger())
	_, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY", Expiry: "26MAR26", Price: 24980,
	}, nil)
	assert.Error(t, err)
}

func TestResolveFuturesLeg(t *testing.T) {
	lookup := &fakeLookup{results: map[string][]models.Instrument{
		"NIFTY 25000 FUT 26MAR26": {instrument("NIFTY", "26MAR26", 25000, "FUT")},
	}}
	r := New(lookup, quietLogger())

	legs, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "NIFTY", Expiry: "26MAR26", Price: 24980, Spacing: 50,
	}, []models.SymbolMapping{
		{Exchange: "NFO", Quantity: 75, OptionType: models.OptionFuture},
	})
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, models.OptionFuture, legs[0].OptionType)
	assert.Equal(t, 25000.0, legs[0].ActualStrike)
}

func TestResolveCashLegDoesNotSearch(t *testing.T) {
	lookup := &fakeLookup{}
	r := New(lookup, quietLogger())
	_, err := r.Resolve(context.Background(), Request{
		BaseSymbol: "RELIANCE", Expiry: "26MAR26", Price: 2800, Spacing: 50,
	}, []models.SymbolMapping{
		{Exchange: "NSE", Quantity: 10, OptionType: models.OptionNone},
	})
	assert.Error(t, err)
	assert.Empty(t, lookup.queries, "cash legs must not hit the search service")
}
