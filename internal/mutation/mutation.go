package mutation

import (
	"fmt"
	"time"
)

// State is where a mutation is in its lifecycle.
type State string

const (
	Idle       State = "idle"
	Applying   State = "applying"
	Confirmed  State = "confirmed"
	RolledBack State = "rolled_back"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == Confirmed || s == RolledBack
}

// Op is the kind of change a mutation makes.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpMove   Op = "move"
)

// Mutation records one optimistic change. EntityID is the provisional id for
// creates until the remote confirms; ConfirmedID then holds the real one.
type Mutation struct {
	ID          string
	Op          Op
	Collection  string
	EntityID    string
	ConfirmedID string
	State       State
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Observer receives a copy of a mutation after every transition.
type Observer func(Mutation)

func ensureTransition(from, to State) error {
	switch from {
	case Idle:
		if to == Applying || to == RolledBack {
			return nil
		}
	case Applying:
		if to == Confirmed || to == RolledBack {
			return nil
		}
	}
	return fmt.Errorf("invalid mutation transition %s -> %s", from, to)
}
