package payments

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeWindow(t *testing.T) {
	tests := []struct {
		name       string
		head       uint64
		last       uint64
		maxCatchup uint64
		want       Window
		wantGap    uint64
		wantOK     bool
	}{
		{name: "chain_too_short", head: 5, wantOK: false},
		{name: "young_chain_starts_at_zero", head: 106, want: Window{From: 0, To: 100}, wantOK: true},
		{name: "steady_state", head: 10_006, last: 9_990, want: Window{From: 9_500, To: 10_000}, wantOK: true},
		{name: "gap_caught_up", head: 10_006, last: 9_000, maxCatchup: 1_000, want: Window{From: 9_001, To: 10_000}, wantOK: true},
		{name: "gap_partially_caught_up", head: 10_006, last: 8_000, maxCatchup: 1_000, want: Window{From: 8_500, To: 10_000}, wantGap: 499, wantOK: true},
		{name: "gap_without_catchup", head: 10_006, last: 8_000, want: Window{From: 9_500, To: 10_000}, wantGap: 1_499, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, gap, ok := ComputeWindow(tt.head, 6, 500, tt.last, tt.maxCatchup)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, w)
			assert.Equal(t, tt.wantGap, gap)
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, "1.5", FromBaseUnits(wei, 18).String())
	assert.Equal(t, "12.345678", FromBaseUnits(big.NewInt(12_345_678), 6).String())
	assert.True(t, FromBaseUnits(nil, 6).IsZero())
}
