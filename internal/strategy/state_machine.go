package strategy

import "sync"

// StateMachine tracks whether the engine is settled or waiting on an order.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventSubmit {
			return StateAwaitingFill
		}
	case StateAwaitingFill:
		if event == EventSettle {
			return StateIdle
		}
	case StateLive:
		if event == EventStale {
			return StateDegraded
		}
	case StateDegraded:
		if event == EventRecover || event == EventReset {
			return StateLive
		}
	}
	return current
}
