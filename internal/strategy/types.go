package strategy

import (
	"errors"
	"math"
	"time"
)

type State string

type Event string

const (
	StateIdle         State = "IDLE"
	StateAwaitingFill State = "AWAITING_FILL"
	StateDegraded     State = "DEGRADED"
	StateLive         State = "LIVE"
)

const (
	EventSubmit  Event = "SUBMIT"
	EventSettle  Event = "SETTLE"
	EventStale   Event = "STALE"
	EventRecover Event = "RECOVER"
	EventReset   Event = "RESET"
)

var (
	ErrDataUnavailable = errors.New("market data unavailable")
	ErrReentrancy      = errors.New("order already in flight")
	ErrMarketStale     = errors.New("market data stale")
)

type Role string

const (
	RoleActive  Role = "active"
	RolePassive Role = "passive"
)

func (r Role) Other() Role {
	if r == RoleActive {
		return RolePassive
	}
	return RoleActive
}

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

type Offset string

const (
	Open  Offset = "open"
	Close Offset = "close"
)

// Leg identifies one instrument on one venue.
type Leg struct {
	Role   Role
	Symbol string
	Venue  string
}

// Tick is the top-of-book snapshot for one leg. It is replaced wholesale on
// every update.
type Tick struct {
	Symbol    string
	BidPrice  float64
	BidVolume float64
	AskPrice  float64
	AskVolume float64
	LastPrice float64
	Time      time.Time
}

func (t Tick) usable() bool {
	return t.BidPrice > 0 && t.AskPrice > 0 && t.LastPrice > 0
}

type Trade struct {
	Symbol    string
	OrderRef  string
	Direction Direction
	Price     float64
	Volume    float64
	Time      time.Time
}

type OrderStatus string

const (
	StatusSubmitting OrderStatus = "submitting"
	StatusNotTraded  OrderStatus = "not_traded"
	StatusPartTraded OrderStatus = "part_traded"
	StatusAllTraded  OrderStatus = "all_traded"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRejected   OrderStatus = "rejected"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusAllTraded, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

type OrderUpdate struct {
	Ref    string
	Symbol string
	Status OrderStatus
	Reason string
}

type OrderIntent struct {
	Role      Role
	Symbol    string
	Direction Direction
	Offset    Offset
	Price     float64
	Volume    float64
}

type Kind string

const (
	KindOpen      Kind = "open"
	KindClose     Kind = "close"
	KindUnwind    Kind = "unwind"
	KindRebalance Kind = "rebalance"
)

type Case string

const (
	CaseNone     Case = "none"
	CasePremium  Case = "premium"
	CaseDiscount Case = "discount"
	CaseHedge    Case = "hedge"
)

type Decision struct {
	Kind   Kind
	Case   Case
	Volume float64
	Orders []OrderIntent
	Reason string
}

// Roles lists the legs a decision would put an order on.
func (d Decision) Roles() []Role {
	roles := make([]Role, 0, len(d.Orders))
	for _, o := range d.Orders {
		roles = append(roles, o.Role)
	}
	return roles
}

// Placement is the order reference assigned to one leg by the router.
type Placement struct {
	Role Role
	Ref  string
}

// Params is the immutable parameter snapshot of one engine instance.
type Params struct {
	Active               Leg
	Passive              Leg
	HedgeNum             float64
	LevelPre             float64
	LevelGap             float64
	LevelNum             float64
	Slippage             float64
	Interval             int
	HedgeLeg             Role
	StaleAfter           time.Duration
	DegradedInterval     int
	AutoRecover          bool
	CancelPendingOnCycle bool

	// LotSize is the coarser venue size step of the two legs and HedgeLot the
	// step of the hedge leg. Zero leaves volumes unrounded.
	LotSize  float64
	HedgeLot float64
}

func (p Params) Leg(role Role) Leg {
	if role == RoleActive {
		return p.Active
	}
	return p.Passive
}

// WithSizeSteps returns p with the lot sizes derived from each leg's venue
// size step.
func (p Params) WithSizeSteps(active, passive float64) Params {
	p.LotSize = math.Max(active, passive)
	p.HedgeLot = passive
	if p.HedgeLeg == RoleActive {
		p.HedgeLot = active
	}
	return p
}

// Variables is the copied-out runtime state published after every
// state-affecting notification.
type Variables struct {
	TimerCount   int       `json:"timer_count"`
	Interval     int       `json:"interval"`
	ActiveRef    string    `json:"active_ref"`
	PassiveRef   string    `json:"passive_ref"`
	ActivePos    float64   `json:"active_pos"`
	PassivePos   float64   `json:"passive_pos"`
	Imbalance    float64   `json:"imbalance"`
	State        State     `json:"state"`
	Monitor      State     `json:"monitor"`
	Paused       bool      `json:"paused"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
	LastPassAt   time.Time `json:"last_passive_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
