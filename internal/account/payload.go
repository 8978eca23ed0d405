package account

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// number decodes the venue's decimal strings as well as plain JSON numbers.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(bytes.Trim(b, `"`)))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decimal %s: %w", b, err)
	}
	*n = number(f)
	return nil
}

// wireID keeps order and trade ids as text whether they arrive quoted or not.
type wireID string

func (i *wireID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(bytes.Trim(b, `"`)))
	if s == "null" {
		s = ""
	}
	*i = wireID(s)
	return nil
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wireOrder struct {
	Coin   string `json:"coin"`
	Oid    wireID `json:"oid"`
	Cloid  string `json:"cloid"`
	OrigSz number `json:"origSz"`
	Sz     number `json:"sz"`
}

type wireOrderUpdate struct {
	Order  wireOrder `json:"order"`
	Status string    `json:"status"`
}

type wireFill struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   number `json:"px"`
	Sz   number `json:"sz"`
	Time int64  `json:"time"`
	Oid  wireID `json:"oid"`
	Hash string `json:"hash"`
	Tid  wireID `json:"tid"`
}

func (w wireFill) fill() Fill {
	return Fill{
		OrderID: string(w.Oid),
		Coin:    strings.TrimSpace(w.Coin),
		Side:    w.Side,
		Size:    float64(w.Sz),
		Price:   float64(w.Px),
		TimeMS:  w.Time,
		Hash:    w.Hash,
		TradeID: string(w.Tid),
	}
}

type wireUserFills struct {
	IsSnapshot bool       `json:"isSnapshot"`
	Fills      []wireFill `json:"fills"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin string `json:"coin"`
			Szi  number `json:"szi"`
		} `json:"position"`
	} `json:"assetPositions"`
}

// positions returns the signed size per perp coin.
func (s clearinghouseState) positions() map[string]float64 {
	out := make(map[string]float64, len(s.AssetPositions))
	for _, entry := range s.AssetPositions {
		if coin := strings.TrimSpace(entry.Position.Coin); coin != "" {
			out[coin] = float64(entry.Position.Szi)
		}
	}
	return out
}

type spotClearinghouseState struct {
	Balances []struct {
		Coin  string `json:"coin"`
		Total number `json:"total"`
	} `json:"balances"`
}

// balances returns the total holding per spot token.
func (s spotClearinghouseState) balances() map[string]float64 {
	out := make(map[string]float64, len(s.Balances))
	for _, b := range s.Balances {
		if coin := strings.TrimSpace(b.Coin); coin != "" {
			out[coin] = float64(b.Total)
		}
	}
	return out
}

// OrderRef identifies a resting order returned by the openOrders query.
type OrderRef struct {
	OrderID string
	Cloid   string
	Coin    string
}

type wireOpenOrder struct {
	Coin  string `json:"coin"`
	Oid   wireID `json:"oid"`
	Cloid string `json:"cloid"`
}

func openOrderRefs(orders []wireOpenOrder) []OrderRef {
	refs := make([]OrderRef, 0, len(orders))
	for _, o := range orders {
		if o.Oid == "" && o.Cloid == "" {
			continue
		}
		refs = append(refs, OrderRef{OrderID: string(o.Oid), Cloid: o.Cloid, Coin: strings.TrimSpace(o.Coin)})
	}
	return refs
}
