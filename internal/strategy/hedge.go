package strategy

import "fmt"

// HedgeCorrection returns the single-leg order that restores
// active + passive == -hedge_num on the configured hedge leg. It reports
// false when the imbalance is smaller than one hedge lot or the hedge leg
// has no usable quote. The volume is rounded down to whole hedge lots.
func HedgeCorrection(in EvalInput) (Decision, bool) {
	vol := dec(in.ActivePos).Add(dec(in.PassivePos)).Add(dec(in.Params.HedgeNum)).Neg()
	mag := floorLot(vol.Abs(), in.Params.HedgeLot)
	if mag.IsZero() {
		return Decision{}, false
	}
	role := in.Params.HedgeLeg
	if role != RoleActive {
		role = RolePassive
	}
	tick, pos := in.Passive, in.PassivePos
	if role == RoleActive {
		tick, pos = in.Active, in.ActivePos
	}
	if !tick.usable() {
		return Decision{}, false
	}

	intent := OrderIntent{
		Role:   role,
		Symbol: in.Params.Leg(role).Symbol,
		Offset: Open,
		Volume: mag.InexactFloat64(),
	}
	if vol.IsPositive() {
		intent.Direction = Long
		intent.Price = tick.AskPrice
		if pos < 0 && intent.Volume <= -pos {
			intent.Offset = Close
		}
	} else {
		intent.Direction = Short
		intent.Price = tick.BidPrice
		if pos > 0 && intent.Volume <= pos {
			intent.Offset = Close
		}
	}
	if vol.IsNegative() {
		mag = mag.Neg()
	}
	return Decision{
		Kind:   KindRebalance,
		Case:   CaseHedge,
		Volume: mag.InexactFloat64(),
		Orders: []OrderIntent{intent},
		Reason: fmt.Sprintf("imbalance %s", vol.Neg().String()),
	}, true
}
