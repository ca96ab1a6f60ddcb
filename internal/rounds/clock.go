// Package rounds derives round identity and phase from wall-clock time.
// A round id is floor(unix(now) / round duration), so every process with a
// synchronized clock derives the same id without any coordination.
package rounds

import (
	"fmt"
	"time"
)

// Phase is where a round sits in its lifecycle at a given instant.
type Phase string

const (
	// PhasePending means the round's start time is still in the future.
	PhasePending Phase = "pending"
	// PhaseEntry is the window during which entries are accepted.
	PhaseEntry Phase = "entry"
	// PhaseClosing is the trailing window between entry close and round end.
	PhaseClosing Phase = "closing"
	// PhaseSettled means the round's end time has passed.
	PhaseSettled Phase = "settled"
)

// Schedule holds the timing constants shared by every round.
type Schedule struct {
	// RoundDuration is the full length of a round.
	RoundDuration time.Duration
	// EntryWindow is how long entries are accepted, measured from round start.
	EntryWindow time.Duration
}

// Validate checks the schedule invariants.
func (s Schedule) Validate() error {
	if s.RoundDuration < time.Second {
		return fmt.Errorf("round duration %v must be at least one second", s.RoundDuration)
	}
	// Round ids are derived from whole unix seconds; a fractional duration
	// would make Bounds and RoundID disagree with the stated schedule.
	if s.RoundDuration%time.Second != 0 {
		return fmt.Errorf("round duration %v must be a whole number of seconds", s.RoundDuration)
	}
	if s.EntryWindow <= 0 {
		return fmt.Errorf("entry window %v must be positive", s.EntryWindow)
	}
	if s.EntryWindow > s.RoundDuration {
		return fmt.Errorf("entry window %v exceeds round duration %v", s.EntryWindow, s.RoundDuration)
	}
	return nil
}

// Snapshot is a consistent view of the active round at one instant.
type Snapshot struct {
	RoundID   int64         `json:"round_id"`
	Phase     Phase         `json:"phase"`
	OpensAt   time.Time     `json:"opens_at"`
	ClosesAt  time.Time     `json:"closes_at"`
	EndsAt    time.Time     `json:"ends_at"`
	Remaining time.Duration `json:"remaining"`
}

// Clock maps instants to rounds under a fixed schedule. It holds no state
// beyond the schedule and the time source, and every method is a pure
// function of its inputs.
type Clock struct {
	sched Schedule
	now   func() time.Time
}

// NewClock builds a clock on the real time source.
func NewClock(sched Schedule) (*Clock, error) {
	return NewClockWithNow(sched, time.Now)
}

// NewClockWithNow builds a clock on an injected time source. Tests use this
// to pin the clock.
func NewClockWithNow(sched Schedule, now func() time.Time) (*Clock, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	return &Clock{sched: sched, now: now}, nil
}

// Schedule returns the timing constants the clock was built with.
func (c *Clock) Schedule() Schedule { return c.sched }

// Now returns the clock's current time.
func (c *Clock) Now() time.Time { return c.now() }

// RoundID derives the round identifier active at t.
func (c *Clock) RoundID(t time.Time) int64 {
	d := int64(c.sched.RoundDuration / time.Second)
	id := t.Unix() / d
	if t.Unix() < 0 && t.Unix()%d != 0 {
		id-- // floor, not truncate
	}
	return id
}

// Bounds returns the start, entry-close, and end instants of a round.
func (c *Clock) Bounds(roundID int64) (opensAt, closesAt, endsAt time.Time) {
	d := int64(c.sched.RoundDuration / time.Second)
	opensAt = time.Unix(roundID*d, 0).UTC()
	closesAt = opensAt.Add(c.sched.EntryWindow)
	endsAt = opensAt.Add(c.sched.RoundDuration)
	return opensAt, closesAt, endsAt
}

// PhaseOf reports the phase of roundID at instant t. Unlike Current, the
// round need not be the active one: past rounds report PhaseSettled and
// future rounds PhasePending.
func (c *Clock) PhaseOf(roundID int64, t time.Time) Phase {
	opensAt, closesAt, endsAt := c.Bounds(roundID)
	switch {
	case t.Before(opensAt):
		return PhasePending
	case t.Before(closesAt):
		return PhaseEntry
	case t.Before(endsAt):
		return PhaseClosing
	default:
		return PhaseSettled
	}
}

// At returns the snapshot of the round active at t.
func (c *Clock) At(t time.Time) Snapshot {
	id := c.RoundID(t)
	opensAt, closesAt, endsAt := c.Bounds(id)
	phase := c.PhaseOf(id, t)

	var remaining time.Duration
	switch phase {
	case PhaseEntry:
		remaining = closesAt.Sub(t)
	case PhaseClosing:
		remaining = endsAt.Sub(t)
	}

	return Snapshot{
		RoundID:   id,
		Phase:     phase,
		OpensAt:   opensAt,
		ClosesAt:  closesAt,
		EndsAt:    endsAt,
		Remaining: remaining,
	}
}

// Current returns the snapshot of the round active right now.
func (c *Clock) Current() Snapshot {
	return c.At(c.now())
}
