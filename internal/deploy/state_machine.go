package deploy

import "sync"

type State string

type Event string

const (
	StateSizing      State = "SIZING"
	StateSpotLeg     State = "SPOT_LEG"
	StateFuturesLeg  State = "FUTURES_LEG"
	StateHedgeVerify State = "HEDGE_VERIFY"
	StateConfirmed   State = "CONFIRMED"
	StateFailed      State = "FAILED"
)

const (
	EventSized       Event = "SIZED"
	EventSpotFilled  Event = "SPOT_FILLED"
	EventFuturesDone Event = "FUTURES_DONE"
	EventHedgeOK     Event = "HEDGE_OK"
	EventFail        Event = "FAIL"
	EventSkipSpotLeg Event = "SKIP_SPOT_LEG"
)

// StateMachine tracks one deployment attempt. Terminal states are
// CONFIRMED and FAILED; invalid events leave the state unchanged.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateSizing}
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
	if event == EventFail {
		switch current {
		case StateConfirmed:
			return current
		default:
			return StateFailed
		}
	}
	switch current {
	case StateSizing:
		if event == EventSized {
			return StateSpotLeg
		}
		// Long-only deployments have no spot leg to fill.
		if event == EventSkipSpotLeg {
			return StateFuturesLeg
		}
	case StateSpotLeg:
		if event == EventSpotFilled {
			return StateFuturesLeg
		}
	case StateFuturesLeg:
		if event == EventFuturesDone {
			return StateHedgeVerify
		}
	case StateHedgeVerify:
		if event == EventHedgeOK {
			return StateConfirmed
		}
	}
	return current
}
