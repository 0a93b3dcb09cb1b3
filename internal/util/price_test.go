package util

import "testing"

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		x, tick, want float64
	}{
		{24980, 50, 25000},
		{24920, 50, 24900},
		{24925, 50, 24950},
		{100.25, 0.25, 100.25},
		{17, 0, 17},
		{17, -1, 17},
	}
	for _, tt := range tests {
		if got := RoundToTick(tt.x, tt.tick); got != tt.want {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.want)
		}
	}
}
