// Package engine drives the portal automation: credential rotation, the
// login→challenge→search→booking session pipeline, and the monitor loop
// that repeats attempts on an interval.
package engine

import (
	"time"

	"github.com/slotwatch/slotwatch/store"
)

// OutcomeKind enumerates every terminal result of one session attempt.
type OutcomeKind int

const (
	OutcomeNoSlots OutcomeKind = iota
	OutcomeSlotsFound
	OutcomeBookingSucceeded
	OutcomeChallengeFailed
	OutcomeAuthFailed
	OutcomeTransient
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoSlots:
		return "no_slots"
	case OutcomeSlotsFound:
		return "slots_found"
	case OutcomeBookingSucceeded:
		return "booking_succeeded"
	case OutcomeChallengeFailed:
		return "challenge_failed"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeTransient:
		return "transient_error"
	case OutcomeFatal:
		return "fatal_error"
	}
	return "unknown"
}

// Outcome is the tagged result of one RunOnce. Exactly one payload field is
// meaningful per kind: Slots for SlotsFound, ConfirmationRef for
// BookingSucceeded, Err for the error kinds. Step records how far the
// pipeline got, for attempt-history reconstruction.
type Outcome struct {
	Kind            OutcomeKind
	Step            string
	Slots           []store.Slot
	ConfirmationRef string
	Err             error
}

func NoSlots() Outcome { return Outcome{Kind: OutcomeNoSlots, Step: StepSearching} }

func SlotsFound(s []store.Slot) Outcome {
	return Outcome{Kind: OutcomeSlotsFound, Step: StepSearching, Slots: s}
}

func BookingSucceeded(ref string) Outcome {
	return Outcome{Kind: OutcomeBookingSucceeded, Step: StepBooking, ConfirmationRef: ref}
}

func ChallengeFailed(err error) Outcome {
	return Outcome{Kind: OutcomeChallengeFailed, Step: StepChallenge, Err: err}
}

func AuthFailed(err error) Outcome {
	return Outcome{Kind: OutcomeAuthFailed, Step: StepAuthenticating, Err: err}
}

func Transient(step string, err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Step: step, Err: err}
}

func Fatal(step string, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Step: step, Err: err}
}

// Success reports whether the attempt got through the portal's defenses,
// regardless of whether slots existed. Feeds credential statistics.
func (o Outcome) Success() bool {
	switch o.Kind {
	case OutcomeNoSlots, OutcomeSlotsFound, OutcomeBookingSucceeded:
		return true
	}
	return false
}

// Pipeline step names, recorded in outcomes and log entries.
const (
	StepOpening        = "opening"
	StepAuthenticating = "authenticating"
	StepChallenge      = "challenge"
	StepSearching      = "searching"
	StepBooking        = "booking"
)

// RunConfiguration is the immutable configuration of one monitoring run,
// supplied at start time.
type RunConfiguration struct {
	VisaType        string        `json:"visa_type"`
	VisaSubType     string        `json:"visa_subtype"`
	AppointmentType string        `json:"appointment_type"`
	Members         int           `json:"number_of_members"`
	Interval        time.Duration `json:"-"`
	AutoBook        bool          `json:"auto_book"`
}

// Phase is the monitor lifecycle state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

// RunState is the monitor's externally visible status snapshot. Only the
// monitor loop mutates the live copy; Status() hands out value copies.
type RunState struct {
	Phase       Phase            `json:"phase"`
	Config      RunConfiguration `json:"config"`
	Attempts    int              `json:"attempts"`
	LastOutcome string           `json:"last_outcome,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	StartedAt   int64            `json:"started_at,omitempty"`
	LastAttempt int64            `json:"last_attempt,omitempty"`
}
