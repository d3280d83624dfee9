package hume

import (
	"time"
)

// AttemptEvent describes one HTTP attempt made by the Executor.
type AttemptEvent struct {
	RequestID string
	Method    string
	Path      string
	Attempt   int           // 1-based
	Status    int           // 0 when no response was received
	Elapsed   time.Duration // time spent on this attempt
	Delay     time.Duration // wait before the next attempt, 0 when none follows
	Err       error         // classified error of this attempt, nil on success
}

// TransitionEvent describes a session lifecycle change.
type TransitionEvent struct {
	SessionID string
	From      SessionState
	To        SessionState
	Reason    error // nil for ordinary transitions
	At        time.Time
}

// Observer receives telemetry from the Executor and from Sessions.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	OnAttempt(AttemptEvent)
	OnSessionTransition(TransitionEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Attempt    func(AttemptEvent)
	Transition func(TransitionEvent)
}

// OnAttempt calls f.Attempt.
func (f ObserverFuncs) OnAttempt(e AttemptEvent) {
	if f.Attempt != nil {
		f.Attempt(e)
	}
}

// OnSessionTransition calls f.Transition.
func (f ObserverFuncs) OnSessionTransition(e TransitionEvent) {
	if f.Transition != nil {
		f.Transition(e)
	}
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnAttempt(e AttemptEvent) {
	for _, o := range m {
		o.OnAttempt(e)
	}
}

func (m MultiObserver) OnSessionTransition(e TransitionEvent) {
	for _, o := range m {
		o.OnSessionTransition(e)
	}
}

type nopObserver struct{}

func (nopObserver) OnAttempt(AttemptEvent)             {}
func (nopObserver) OnSessionTransition(TransitionEvent) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
