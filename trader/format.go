package trader

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// AlignToStep floors v onto the step grid and renders it without binary
// float noise, so "0.015" goes on the wire instead of "0.014999999999".
// A non-positive step renders v as-is.
func AlignToStep(v, step float64) string {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d.String()
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s).String()
}

// RoundToStep snaps v to the nearest step multiple and renders it.
func RoundToStep(v, step float64) string {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d.String()
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Round(0).Mul(s).String()
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
