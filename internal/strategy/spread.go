package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EvalInput struct {
	Active     Tick
	Passive    Tick
	ActivePos  float64
	PassivePos float64
	Params     Params
}

// Evaluation is the outcome of one spread evaluation. Decisions holds at most
// an open and a close, in that order.
type Evaluation struct {
	At         time.Time
	Case       Case
	SpreadBid  float64
	SpreadAsk  float64
	RateBid    float64
	RateAsk    float64
	BidHolding float64
	AskHolding float64
	Exposure   float64
	Decisions  []Decision
}

type side struct {
	lead     Role
	leadTick Tick
	lagTick  Tick
	leadSym  string
	lagSym   string
}

var one = decimal.NewFromInt(1)

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// BidHolding is the minimum exposure implied by the open-side spread rate.
func BidHolding(rate, pre, gap, num float64) float64 {
	return bidHolding(dec(rate), dec(pre), dec(gap), dec(num)).InexactFloat64()
}

// AskHolding is the maximum exposure permitted by the close-side spread rate.
func AskHolding(rate, pre, gap, num float64) float64 {
	return askHolding(dec(rate), dec(pre), dec(gap), dec(num)).InexactFloat64()
}

func bidHolding(rate, pre, gap, num decimal.Decimal) decimal.Decimal {
	return rate.Sub(pre).Div(gap).Floor().Mul(num)
}

func askHolding(rate, pre, gap, num decimal.Decimal) decimal.Decimal {
	return decimal.Max(rate.Sub(pre).Div(gap).Add(one).Floor().Mul(num), decimal.Zero)
}

// floorLot rounds a non-negative volume down to a whole number of lots.
func floorLot(v decimal.Decimal, lot float64) decimal.Decimal {
	if lot <= 0 {
		return v
	}
	step := dec(lot)
	return v.Div(step).Floor().Mul(step)
}

// Evaluate computes the spread bands for the current books and positions and
// returns the trades they call for. It has no side effects.
func Evaluate(in EvalInput) Evaluation {
	if !in.Active.usable() || !in.Passive.usable() {
		return Evaluation{Case: CaseNone}
	}
	x := dec(in.ActivePos).Add(dec(in.Params.HedgeNum))
	premium := in.Active.BidPrice > in.Passive.AskPrice
	discount := in.Passive.BidPrice > in.Active.AskPrice

	switch {
	case premium || (!discount && x.IsNegative()):
		s := side{
			lead: RoleActive, leadTick: in.Active, lagTick: in.Passive,
			leadSym: in.Params.Active.Symbol, lagSym: in.Params.Passive.Symbol,
		}
		return s.evaluate(signalCase(premium, CasePremium), x.Neg(), in.Params)
	case discount || x.IsPositive():
		s := side{
			lead: RolePassive, leadTick: in.Passive, lagTick: in.Active,
			leadSym: in.Params.Passive.Symbol, lagSym: in.Params.Active.Symbol,
		}
		return s.evaluate(signalCase(discount, CaseDiscount), x, in.Params)
	}
	return Evaluation{Case: CaseNone}
}

func signalCase(signal bool, c Case) Case {
	if signal {
		return c
	}
	return CaseNone
}

// evaluate works in terms of the lead leg, the one sold on open. exposure is
// the lead leg's short exposure net of the hedge offset; a negative value
// means an opposing position that must be unwound first.
func (s side) evaluate(c Case, exposure decimal.Decimal, p Params) Evaluation {
	lead, lag := s.leadTick, s.lagTick
	ev := Evaluation{Case: c, Exposure: exposure.InexactFloat64()}

	if exposure.IsNegative() {
		vol := floorLot(exposure.Neg(), p.LotSize)
		if !vol.IsPositive() {
			return ev
		}
		ev.Decisions = append(ev.Decisions, s.decision(KindUnwind, c, Close, vol,
			fmt.Sprintf("unwind opposing exposure %s", vol.String())))
		return ev
	}

	last := dec(lead.LastPrice)
	spreadBid := dec(lead.BidPrice).Sub(dec(lag.AskPrice))
	spreadAsk := dec(lead.AskPrice).Sub(dec(lag.BidPrice))
	rateBid := spreadBid.Div(last)
	rateAsk := spreadAsk.Div(last)
	pre, gap, num := dec(p.LevelPre), dec(p.LevelGap), dec(p.LevelNum)
	bh := bidHolding(rateBid, pre, gap, num)
	ah := askHolding(rateAsk, pre, gap, num)

	ev.SpreadBid = spreadBid.InexactFloat64()
	ev.SpreadAsk = spreadAsk.InexactFloat64()
	ev.RateBid = rateBid.InexactFloat64()
	ev.RateAsk = rateAsk.InexactFloat64()
	ev.BidHolding = bh.InexactFloat64()
	ev.AskHolding = ah.InexactFloat64()

	if bh.GreaterThan(exposure) {
		depth := decimal.Min(dec(lead.BidVolume), dec(lag.AskVolume))
		vol := floorLot(decimal.Min(depth, bh.Sub(exposure)), p.LotSize)
		if vol.IsPositive() {
			ev.Decisions = append(ev.Decisions, s.decision(KindOpen, c, Open, vol,
				fmt.Sprintf("bid holding %s above exposure %s", bh.String(), exposure.String())))
		}
	}
	if ah.LessThan(exposure) {
		depth := decimal.Min(dec(lead.AskVolume), dec(lag.BidVolume))
		vol := floorLot(decimal.Min(depth, exposure.Sub(ah)), p.LotSize)
		if vol.IsPositive() {
			ev.Decisions = append(ev.Decisions, s.decision(KindClose, c, Close, vol,
				fmt.Sprintf("ask holding %s below exposure %s", ah.String(), exposure.String())))
		}
	}
	return ev
}

// decision builds the paired intents. Opening and unwinding sell the lead leg
// at its bid and buy the lag leg at its ask; closing does the reverse.
func (s side) decision(kind Kind, c Case, offset Offset, vol decimal.Decimal, reason string) Decision {
	volume := vol.InexactFloat64()
	leadDir, lagDir := Short, Long
	leadPx, lagPx := s.leadTick.BidPrice, s.lagTick.AskPrice
	if kind == KindClose {
		leadDir, lagDir = Long, Short
		leadPx, lagPx = s.leadTick.AskPrice, s.lagTick.BidPrice
	}
	leadIntent := OrderIntent{
		Role:      s.lead,
		Symbol:    s.leadSym,
		Direction: leadDir,
		Offset:    offset,
		Price:     leadPx,
		Volume:    volume,
	}
	lagIntent := OrderIntent{
		Role:      s.lead.Other(),
		Symbol:    s.lagSym,
		Direction: lagDir,
		Offset:    offset,
		Price:     lagPx,
		Volume:    volume,
	}
	orders := []OrderIntent{leadIntent, lagIntent}
	if s.lead != RoleActive {
		orders = []OrderIntent{lagIntent, leadIntent}
	}
	return Decision{Kind: kind, Case: c, Volume: volume, Orders: orders, Reason: reason}
}
