package strategy

import (
	"fmt"
	"strings"
	"time"
)

type MonitorConfig struct {
	Interval         int
	DegradedInterval int
	StaleAfter       time.Duration
	AutoRecover      bool
}

// StaleCheck is the result of one timer tick.
type StaleCheck struct {
	Cycle    bool
	Degraded bool
	Stale    map[Role]time.Duration
}

func (c StaleCheck) Summary() string {
	parts := make([]string, 0, len(c.Stale))
	for _, role := range []Role{RoleActive, RolePassive} {
		if delay, ok := c.Stale[role]; ok {
			parts = append(parts, fmt.Sprintf("%s leg last tick %s ago", role, delay.Round(time.Millisecond)))
		}
	}
	return strings.Join(parts, ", ")
}

// StalenessMonitor counts timer ticks and, every interval ticks, compares the
// wall clock against each leg's last tick time.
type StalenessMonitor struct {
	cfg      MonitorConfig
	sm       *StateMachine
	count    int
	interval int
}

func NewStalenessMonitor(cfg MonitorConfig) *StalenessMonitor {
	if cfg.DegradedInterval < cfg.Interval {
		cfg.DegradedInterval = cfg.Interval
	}
	return &StalenessMonitor{
		cfg:      cfg,
		sm:       &StateMachine{State: StateLive},
		interval: cfg.Interval,
	}
}

func (m *StalenessMonitor) State() State {
	return m.sm.Current()
}

func (m *StalenessMonitor) Count() int {
	return m.count
}

func (m *StalenessMonitor) Interval() int {
	return m.interval
}

// Tick advances the timer counter. On a cycle boundary it checks both legs and
// moves Live to Degraded when either delay exceeds the threshold.
func (m *StalenessMonitor) Tick(now time.Time, last map[Role]time.Time) StaleCheck {
	m.count++
	if m.count < m.interval {
		return StaleCheck{}
	}
	m.count = 0
	check := StaleCheck{Cycle: true}
	for _, role := range []Role{RoleActive, RolePassive} {
		delay := absDuration(now.Sub(last[role]))
		if delay > m.cfg.StaleAfter {
			if check.Stale == nil {
				check.Stale = make(map[Role]time.Duration, 2)
			}
			check.Stale[role] = delay
		}
	}
	if len(check.Stale) > 0 && m.sm.State == StateLive {
		m.sm.Apply(EventStale)
		m.interval = m.cfg.DegradedInterval
		check.Degraded = true
	}
	return check
}

// Observe is called on every tick. While degraded with auto recovery enabled,
// it returns true once both legs are back inside the threshold.
func (m *StalenessMonitor) Observe(now time.Time, last map[Role]time.Time) bool {
	if !m.cfg.AutoRecover || m.sm.Current() != StateDegraded {
		return false
	}
	for _, role := range []Role{RoleActive, RolePassive} {
		ts, ok := last[role]
		if !ok || ts.IsZero() || absDuration(now.Sub(ts)) > m.cfg.StaleAfter {
			return false
		}
	}
	return m.restore(EventRecover)
}

// Reset forces the monitor back to Live. It reports whether the state changed.
func (m *StalenessMonitor) Reset() bool {
	return m.restore(EventReset)
}

func (m *StalenessMonitor) restore(event Event) bool {
	if m.sm.Current() != StateDegraded {
		return false
	}
	m.sm.Apply(event)
	m.interval = m.cfg.Interval
	m.count = 0
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
