package exec

import (
	"math"
	"strconv"
)

// SlippagePrice moves quote against the order by slippage so a limit order
// stays marketable.
func SlippagePrice(quote float64, isBuy bool, slippage float64) float64 {
	if isBuy {
		return quote * (1 + slippage)
	}
	return quote * (1 - slippage)
}

// NormalizeLimitPrice rounds to five significant figures and to the decimals
// the venue allows for the instrument.
func NormalizeLimitPrice(price float64, isSpot bool, szDecimals int) float64 {
	if price == 0 {
		return 0
	}
	if sig, err := strconv.ParseFloat(strconv.FormatFloat(price, 'g', 5, 64), 64); err == nil {
		price = sig
	}
	decimals := 6
	if isSpot {
		decimals = 8
	}
	if szDecimals >= 0 {
		decimals -= szDecimals
		if decimals < 0 {
			decimals = 0
		}
	}
	return roundTo(price, decimals)
}

// SizeStep is the smallest tradable size for szDecimals. Unknown decimals
// round to whole units, as RoundSize does.
func SizeStep(szDecimals int) float64 {
	if szDecimals <= 0 {
		return 1
	}
	return math.Pow10(-szDecimals)
}

func RoundSize(size float64, szDecimals int) float64 {
	return roundDown(size+1e-12, szDecimals)
}

func roundDown(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Floor(value)
	}
	factor := math.Pow10(decimals)
	return math.Floor(value*factor) / factor
}

func roundTo(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(value)
	}
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}
