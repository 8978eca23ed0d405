package exchange

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

const wireDecimals = 8

var (
	cloidPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{32}$`)
	wireTolerance  = decimal.New(1, -12)
	errInvalidTif  = errors.New("tif must be Alo, Ioc or Gtc")
	errInvalidSize = errors.New("size must be > 0")
)

// LimitOrder is one limit order before wire encoding. Price and size must
// already respect the instrument's tick and lot rules.
type LimitOrder struct {
	Asset      int
	IsBuy      bool
	Size       float64
	Price      float64
	ReduceOnly bool
	Tif        Tif
	Cloid      string
}

// Wire validates the order and renders price and size as the venue's
// canonical decimal strings.
func (o LimitOrder) Wire() (OrderWire, error) {
	switch o.Tif {
	case TifAlo, TifIoc, TifGtc:
	default:
		return OrderWire{}, fmt.Errorf("%w: %q", errInvalidTif, o.Tif)
	}
	if o.Size <= 0 {
		return OrderWire{}, errInvalidSize
	}
	if o.Price <= 0 {
		return OrderWire{}, errors.New("limit price must be > 0")
	}
	if o.Cloid != "" && !cloidPattern.MatchString(o.Cloid) {
		return OrderWire{}, fmt.Errorf("cloid %q is not a 16 byte hex string", o.Cloid)
	}
	price, err := floatToWire(o.Price)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	size, err := floatToWire(o.Size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      o.Asset,
		IsBuy:      o.IsBuy,
		Price:      price,
		Size:       size,
		ReduceOnly: o.ReduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: o.Tif}},
		Cloid:      o.Cloid,
	}, nil
}

// floatToWire renders x with at most eight decimals and no trailing zeros.
// Values that would lose precision are rejected.
func floatToWire(x float64) (string, error) {
	exact := decimal.NewFromFloat(x)
	rounded := exact.Round(wireDecimals)
	if rounded.Sub(exact).Abs().GreaterThanOrEqual(wireTolerance) {
		return "", fmt.Errorf("%v needs more than %d decimals", x, wireDecimals)
	}
	if rounded.IsZero() {
		return "0", nil
	}
	return rounded.String(), nil
}
