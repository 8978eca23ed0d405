package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// The action hash is taken over msgpack bytes, so key order and integer
// widths below must match the venue's reference encoder exactly.

// packer latches the first encoder error so the field sequences read top to
// bottom.
type packer struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
	err error
}

func newPacker() *packer {
	p := &packer{}
	p.enc = msgpack.NewEncoder(&p.buf)
	return p
}

func (p *packer) do(fn func() error) {
	if p.err == nil {
		p.err = fn()
	}
}

func (p *packer) mapLen(n int)   { p.do(func() error { return p.enc.EncodeMapLen(n) }) }
func (p *packer) arrayLen(n int) { p.do(func() error { return p.enc.EncodeArrayLen(n) }) }
func (p *packer) str(s string)   { p.do(func() error { return p.enc.EncodeString(s) }) }
func (p *packer) int(v int64)    { p.do(func() error { return p.enc.EncodeInt(v) }) }
func (p *packer) bool(v bool)    { p.do(func() error { return p.enc.EncodeBool(v) }) }

func (p *packer) bytes() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.buf.Bytes(), nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return nil, errors.New("limit order type required")
		}
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	p := newPacker()
	p.mapLen(3)
	p.str("type")
	p.str(action.Type)
	p.str("orders")
	p.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		p.order(order)
	}
	p.str("grouping")
	p.str(action.Grouping)
	return p.bytes()
}

func (p *packer) order(o OrderWire) {
	fields := 6
	if o.Cloid != "" {
		fields++
	}
	p.mapLen(fields)
	p.str("a")
	p.int(int64(o.Asset))
	p.str("b")
	p.bool(o.IsBuy)
	p.str("p")
	p.str(o.Price)
	p.str("s")
	p.str(o.Size)
	p.str("r")
	p.bool(o.ReduceOnly)
	p.str("t")
	p.mapLen(1)
	p.str("limit")
	p.mapLen(1)
	p.str("tif")
	p.str(string(o.OrderType.Limit.Tif))
	if o.Cloid != "" {
		p.str("c")
		p.str(o.Cloid)
	}
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	p := newPacker()
	p.mapLen(2)
	p.str("type")
	p.str(action.Type)
	p.str("cancels")
	p.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		p.mapLen(2)
		p.str("a")
		p.int(int64(cancel.Asset))
		p.str("o")
		p.int(cancel.OrderID)
	}
	return p.bytes()
}

func EncodeCancelByCloidAction(action CancelByCloidAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	p := newPacker()
	p.mapLen(2)
	p.str("type")
	p.str(action.Type)
	p.str("cancels")
	p.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		p.mapLen(2)
		p.str("asset")
		p.int(int64(cancel.Asset))
		p.str("cloid")
		p.str(cancel.Cloid)
	}
	return p.bytes()
}
