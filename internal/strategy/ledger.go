package strategy

import "github.com/shopspring/decimal"

// Ledger tracks the signed net volume of each leg. Positive is net long.
type Ledger struct {
	positions map[Role]decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{positions: map[Role]decimal.Decimal{
		RoleActive:  decimal.Zero,
		RolePassive: decimal.Zero,
	}}
}

// Set initializes a leg from separately reported long and short holdings.
func (l *Ledger) Set(role Role, long, short float64) {
	l.positions[role] = decimal.NewFromFloat(long).Sub(decimal.NewFromFloat(short))
}

func (l *Ledger) ApplyFill(role Role, dir Direction, volume float64) {
	v := decimal.NewFromFloat(volume)
	if dir != Long {
		v = v.Neg()
	}
	l.positions[role] = l.positions[role].Add(v)
}

func (l *Ledger) Position(role Role) float64 {
	return l.positions[role].InexactFloat64()
}

// Imbalance returns active + passive + hedgeNum. Zero means balanced.
func (l *Ledger) Imbalance(hedgeNum float64) float64 {
	return l.imbalance(hedgeNum).InexactFloat64()
}

func (l *Ledger) Balanced(hedgeNum float64) bool {
	return l.imbalance(hedgeNum).IsZero()
}

// Within reports whether the imbalance is smaller in magnitude than
// tolerance.
func (l *Ledger) Within(hedgeNum, tolerance float64) bool {
	return l.imbalance(hedgeNum).Abs().LessThan(decimal.NewFromFloat(tolerance))
}

func (l *Ledger) imbalance(hedgeNum float64) decimal.Decimal {
	return l.positions[RoleActive].Add(l.positions[RolePassive]).Add(decimal.NewFromFloat(hedgeNum))
}
