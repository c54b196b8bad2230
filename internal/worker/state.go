// Package worker runs task workers and the controller that grows and
// shrinks the pool under CPU and memory pressure.
package worker

import "time"

type State string

const (
	StateSpawning   State = "SPAWNING"
	StateIdle       State = "IDLE"
	StateBusy       State = "BUSY"
	StateDraining   State = "DRAINING"
	StateTerminated State = "TERMINATED"
)

var stateTransitions = map[State]map[State]struct{}{
	StateSpawning: {
		StateIdle:       {},
		StateDraining:   {},
		StateTerminated: {},
	},
	StateIdle: {
		StateBusy:       {},
		StateDraining:   {},
		StateTerminated: {},
	},
	StateBusy: {
		StateIdle:       {},
		StateDraining:   {},
		StateTerminated: {},
	},
	StateDraining: {
		StateTerminated: {},
	},
}

// CanTransition reports whether from -> to is a legal worker state change.
func CanTransition(from, to State) bool {
	next, ok := stateTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Active reports whether a worker in this state counts toward pool size.
func (s State) Active() bool {
	return s == StateSpawning || s == StateIdle || s == StateBusy
}

// Info is a point-in-time view of one worker.
type Info struct {
	ID            string    `json:"id"`
	Queues        []string  `json:"queues,omitempty"`
	State         State     `json:"state"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	PID           int       `json:"pid,omitempty"`
	// RSS is the resident memory attributed to the worker in bytes.
	RSS uint64 `json:"rss"`
}
