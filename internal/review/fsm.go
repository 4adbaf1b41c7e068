package review

import (
	"time"
)

// transitions is the directed transition graph over case statuses. Terminal
// statuses have no outgoing edges, and every non-terminal status can reach
// all three terminal statuses, so the machine cannot strand a case in a
// state with no path to completion, expiry, or cancellation. Pending may
// complete directly: the inline submit path never visits the review page.
var transitions = map[Status][]Status{
	StatusPending: {
		StatusOpened, StatusCompleted, StatusExpired,
		StatusCancelled,
	},
	StatusOpened: {
		StatusInProgress, StatusCompleted, StatusExpired,
		StatusCancelled,
	},
	StatusInProgress: {
		StatusCompleted, StatusExpired, StatusCancelled,
	},
	StatusCompleted: {},
	StatusExpired:   {},
	StatusCancelled: {},
}

// CanTransition reports whether the table permits moving from one status to
// another. Pure lookup, no side effects.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the case to the target status. If the table disallows
// the move it returns an InvalidTransitionError and leaves the case
// untouched. On success it stamps the entry timestamp (once), increments
// the version, and recomputes the etag. Side effects (notification fan-out,
// resource cleanup) are the orchestrator's job after the mutation is
// durable; the state machine stays pure so it can be tested in isolation.
func Transition(c *Case, to Status, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return &InvalidTransitionError{From: c.Status, To: to}
	}

	c.Status = to
	stampOnce(c, to, now)
	c.Version++
	c.ETag = ETagFor(c.Version, c.Status)

	return nil
}

// stampOnce records the first entry into a status. Terminal statuses cannot
// be re-entered, so the nil guard only documents the set-once contract.
func stampOnce(c *Case, to Status, now time.Time) {
	set := func(field **time.Time) {
		if *field == nil {
			t := now
			*field = &t
		}
	}

	switch to {
	case StatusOpened:
		set(&c.OpenedAt)
	case StatusInProgress:
		set(&c.InProgressAt)
	case StatusCompleted:
		set(&c.CompletedAt)
	case StatusExpired:
		set(&c.ExpiredAt)
	case StatusCancelled:
		set(&c.CancelledAt)
	}
}
