package models

import (
	"testing"
)

func TestOrderActionOpposite(t *testing.T) {
	if ActionBuy.Opposite() != ActionSell {
		t.Error("expected BUY opposite to be SELL")
	}
	if ActionSell.Opposite() != ActionBuy {
		t.Error("expected SELL opposite to be BUY")
	}
}

func TestStrikeSign(t *testing.T) {
	if OptionCall.StrikeSign() != 1 {
		t.Error("CE should shift strikes up")
	}
	if OptionPut.StrikeSign() != -1 {
		t.Error("PE should shift strikes down")
	}
}

func TestPositionCloseAction(t *testing.T) {
	long := Position{Quantity: 50}
	short := Position{Quantity: -50}
	if long.CloseAction() != ActionSell {
		t.Error("long positions close with SELL")
	}
	if short.CloseAction() != ActionBuy {
		t.Error("short positions close with BUY")
	}
	if short.AbsQuantity() != 50 {
		t.Errorf("AbsQuantity = %d, want 50", short.AbsQuantity())
	}
}

func TestLegOrderFor(t *testing.T) {
	tests := []struct {
		name       string
		quantity   int
		action     WebhookAction
		wantAction OrderAction
		wantQty    int
	}{
		{"entry long", 50, WebhookEntry, ActionBuy, 50},
		{"entry short", -50, WebhookEntry, ActionSell, 50},
		{"exit long", 50, WebhookExit, ActionSell, 50},
		{"exit short", -50, WebhookExit, ActionBuy, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leg := Leg{Quantity: tt.quantity}
			action, qty := leg.OrderFor(tt.action)
			if action != tt.wantAction || qty != tt.wantQty {
				t.Errorf("OrderFor(%s) = (%s, %d), want (%s, %d)",
					tt.action, action, qty, tt.wantAction, tt.wantQty)
			}
		})
	}
}

func TestLegDispatchPriority(t *testing.T) {
	buy := Leg{Quantity: 50}
	sell := Leg{Quantity: -50}

	// ENTRY: BUY legs dispatch first.
	if buy.DispatchPriority(WebhookEntry) >= sell.DispatchPriority(WebhookEntry) {
		t.Error("ENTRY must prioritize positive-quantity legs")
	}
	// EXIT: legs closing short exposure dispatch first.
	if sell.DispatchPriority(WebhookExit) >= buy.DispatchPriority(WebhookExit) {
		t.Error("EXIT must prioritize negative-quantity legs")
	}
}

func TestLegFromPosition(t *testing.T) {
	pos := Position{ID: 7, Symbol: "NIFTY", Exchange: "NFO", Quantity: -50, ProductType: "MIS", EntryType: ActionSell}
	leg := LegFromPosition(pos)
	if leg.Source != LegPosition || leg.PositionID != 7 || leg.Quantity != -50 {
		t.Errorf("unexpected leg: %+v", leg)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"09:15", 9*60 + 15, false},
		{"15:30", 15*60 + 30, false},
		{"00:00", 0, false},
		{"24:00", 0, true},
		{"09:60", 0, true},
		{"09:30xx", 0, true},
		{"nope", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseClock(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseClock(%q) = (%d, %v), want %d", tt.in, got, err, tt.want)
		}
	}
}
