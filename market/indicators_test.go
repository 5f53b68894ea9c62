package market

import (
	"math"
	"testing"
)

// flatKlines builds identical bars around a constant close, so every true
// range equals the bar spread and the ATR is exactly spread.
func flatKlines(n int, close, spread float64) []Kline {
	klines := make([]Kline, n)
	for i := range klines {
		klines[i] = Kline{
			Open:  close,
			High:  close + spread/2,
			Low:   close - spread/2,
			Close: close,
		}
	}
	return klines
}

func TestATR(t *testing.T) {
	klines := []Kline{
		{High: 101, Low: 99, Close: 100},
		{High: 105, Low: 98, Close: 103},
		{High: 106, Low: 101, Close: 102},
		{High: 104, Low: 99, Close: 100},
	}

	// TRs: max(7,5,2)=7, max(5,3,2)=5, max(5,2,3)=5
	atr, err := ATR(klines, 3)
	if err != nil {
		t.Fatalf("ATR failed: %v", err)
	}
	expected := (7.0 + 5.0 + 5.0) / 3.0
	if math.Abs(atr-expected) > 1e-9 {
		t.Errorf("Expected ATR %.6f, got %.6f", expected, atr)
	}
}

func TestATRGapDominatesBarRange(t *testing.T) {
	klines := []Kline{
		{High: 101, Low: 99, Close: 100},
		{High: 95, Low: 94, Close: 94.5},
	}

	// Gap down: TR = max(1, |95-100|, |94-100|) = 6
	atr, err := ATR(klines, 1)
	if err != nil {
		t.Fatalf("ATR failed: %v", err)
	}
	if math.Abs(atr-6) > 1e-9 {
		t.Errorf("Expected ATR 6, got %.6f", atr)
	}
}

func TestATRInsufficientData(t *testing.T) {
	if _, err := ATR(flatKlines(5, 100, 2), 5); err == nil {
		t.Error("Expected error when klines < period+1")
	}
	if _, err := ATR(nil, 14); err == nil {
		t.Error("Expected error for empty klines")
	}
	if _, err := ATR(flatKlines(10, 100, 2), 0); err == nil {
		t.Error("Expected error for zero period")
	}
}

func TestVolatility(t *testing.T) {
	// Returns +10% then -10%: mean 0, std 0.1 -> 10%.
	klines := []Kline{{Close: 100}, {Close: 110}, {Close: 99}}
	vol := Volatility(klines)
	if math.Abs(vol-10) > 1e-9 {
		t.Errorf("Expected volatility 10%%, got %.6f", vol)
	}

	if v := Volatility(flatKlines(10, 100, 2)); v != 0 {
		t.Errorf("Constant closes should have zero volatility, got %v", v)
	}
	if v := Volatility(nil); v != 0 {
		t.Errorf("Empty klines should have zero volatility, got %v", v)
	}
}

func TestIsRangeMarket(t *testing.T) {
	tests := []struct {
		name      string
		klines    []Kline
		threshold float64
		want      bool
	}{
		{
			name:      "price at band center",
			klines:    []Kline{{High: 110, Low: 90, Close: 100}, {High: 105, Low: 95, Close: 100}},
			threshold: 0.7,
			want:      true,
		},
		{
			name:      "price at band edge",
			klines:    []Kline{{High: 110, Low: 90, Close: 100}, {High: 110, Low: 95, Close: 109.9}},
			threshold: 0.7,
			want:      false,
		},
		{
			name:      "insufficient data defaults to ranging",
			klines:    []Kline{{High: 110, Low: 90, Close: 100}},
			threshold: 0.7,
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRangeMarket(tt.klines, tt.threshold); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRangePercent(t *testing.T) {
	model := RangeModel{Enabled: true, Period: 14, Multiplier: 2.0, Min: 0.02, Max: 0.08}
	price := 50000.0
	fallback := 0.035

	tests := []struct {
		name   string
		model  RangeModel
		klines []Kline
		want   float64
	}{
		{
			name:   "disabled uses fallback",
			model:  RangeModel{Enabled: false},
			klines: flatKlines(20, price, 1000),
			want:   fallback,
		},
		{
			name:   "insufficient klines uses fallback",
			model:  model,
			klines: flatKlines(5, price, 1000),
			want:   fallback,
		},
		{
			name:   "atr scales the range",
			model:  model,
			klines: flatKlines(20, price, 1000), // ATR 1000 * 2 / 50000 = 0.04
			want:   0.04,
		},
		{
			name:   "quiet market clamps to min",
			model:  model,
			klines: flatKlines(20, price, 100), // 0.004 -> min
			want:   0.02,
		},
		{
			name:   "wild market clamps to max",
			model:  model,
			klines: flatKlines(20, price, 5000), // 0.2 -> max
			want:   0.08,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(tt.model)
			got := a.RangePercent(tt.klines, price, fallback)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected range %.4f, got %.4f", tt.want, got)
			}
		})
	}
}
