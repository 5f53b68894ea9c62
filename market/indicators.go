package market

import (
	"fmt"
	"math"

	"gridbot/logger"
)

// RangeModel decides how wide the grid should be around the current price.
// When Enabled, the tier's static range percent is replaced by an ATR-scaled
// one, clamped to [Min, Max].
type RangeModel struct {
	Enabled    bool
	Period     int
	Multiplier float64
	Min        float64
	Max        float64
}

type Analyzer struct {
	model RangeModel
}

func NewAnalyzer(model RangeModel) *Analyzer {
	return &Analyzer{model: model}
}

// ATR computes the average true range over the given period. It needs
// period+1 candles so every true range has a previous close.
func ATR(klines []Kline, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("atr period must be positive, got %d", period)
	}
	if len(klines) < period+1 {
		return 0, fmt.Errorf("atr needs %d klines, got %d", period+1, len(klines))
	}

	trueRanges := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := high - low
		if v := math.Abs(high - prevClose); v > tr {
			tr = v
		}
		if v := math.Abs(low - prevClose); v > tr {
			tr = v
		}
		trueRanges = append(trueRanges, tr)
	}

	sum := 0.0
	for _, tr := range trueRanges[len(trueRanges)-period:] {
		sum += tr
	}
	return sum / float64(period), nil
}

// Volatility is the standard deviation of close-to-close returns, in percent.
func Volatility(klines []Kline) float64 {
	if len(klines) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		if klines[i-1].Close == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-klines[i-1].Close)/klines[i-1].Close)
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * 100
}

// IsRangeMarket reports whether price sits near the center of its recent
// high-low band. Insufficient data counts as ranging so the grid still runs.
func IsRangeMarket(klines []Kline, threshold float64) bool {
	if len(klines) < 2 {
		return true
	}

	maxHigh := klines[0].High
	minLow := klines[0].Low
	for _, k := range klines {
		if k.High > maxHigh {
			maxHigh = k.High
		}
		if k.Low < minLow {
			minLow = k.Low
		}
	}
	if maxHigh == minLow {
		return true
	}

	current := klines[len(klines)-1].Close
	center := (maxHigh + minLow) / 2
	deviation := math.Abs(current-center) / ((maxHigh - minLow) / 2)
	return deviation < threshold
}

// RangePercent returns the grid range to use for the next ladder build.
// fallback is the tier's static range, used when the model is disabled or
// the candles cannot support an ATR.
func (a *Analyzer) RangePercent(klines []Kline, price, fallback float64) float64 {
	if !a.model.Enabled || price <= 0 {
		return fallback
	}

	atr, err := ATR(klines, a.model.Period)
	if err != nil {
		logger.Warnf("[Market] ATR unavailable, using static range %.4f: %v", fallback, err)
		return fallback
	}

	rangePercent := atr * a.model.Multiplier / price
	if rangePercent < a.model.Min {
		rangePercent = a.model.Min
	}
	if rangePercent > a.model.Max {
		rangePercent = a.model.Max
	}

	logger.Debugf("[Market] Dynamic range ±%.2f%% (ATR %.4f)", rangePercent*100, atr)
	return rangePercent
}
