package search

import (
	"time"

	"github.com/cwbudde/polcomp/internal/device"
)

// State is a step of the per-basis state machine.
type State string

const (
	StateInit        State = "init"
	StateMeasuring   State = "measuring"
	StateSearching1D State = "searching_1d"
	StateSearching2D State = "searching_2d"
	StateRelaxing    State = "relaxing"
	StateSatisfied   State = "satisfied"
	StateExhausted   State = "exhausted"
)

// Phase names the routine that issued a measurement or move.
type Phase string

const (
	PhaseHome   Phase = "home"
	PhaseCheck  Phase = "check"
	PhaseImpact Phase = "impact"
	PhaseLine   Phase = "line"
	PhaseGrid   Phase = "grid"
	PhaseGlobal Phase = "global"
)

// EventKind classifies an Event.
type EventKind string

const (
	EventState       EventKind = "state"
	EventMeasurement EventKind = "measurement"
	EventMoveSkipped EventKind = "move_skipped"
	EventRanking     EventKind = "ranking"
	EventBasisDone   EventKind = "basis_done"
	EventCycleDone   EventKind = "cycle_done"
)

// Event reports progress of a run. Fields that do not apply to a kind are
// left at their zero value.
type Event struct {
	Kind       EventKind                 `json:"kind"`
	Time       time.Time                 `json:"time"`
	Cycle      int                       `json:"cycle,omitempty"`
	Attempt    int                       `json:"attempt,omitempty"`
	Basis      device.Basis              `json:"basis,omitempty"`
	Phase      Phase                     `json:"phase,omitempty"`
	State      State                     `json:"state,omitempty"`
	Visibility float64                   `json:"visibility,omitempty"`
	Threshold  float64                   `json:"threshold,omitempty"`
	Mean       float64                   `json:"mean,omitempty"`
	Success    bool                      `json:"success,omitempty"`
	Paddle     device.Paddle             `json:"paddle,omitempty"`
	Target     float64                   `json:"target,omitempty"`
	Angles     map[device.Paddle]float64 `json:"angles,omitempty"`
	Ranking    Ranking                   `json:"ranking,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
}

// Observer receives events synchronously from the optimizer goroutine.
// Implementations must not block for long.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
