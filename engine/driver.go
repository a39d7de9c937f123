package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slotwatch/slotwatch/captcha"
	"github.com/slotwatch/slotwatch/store"
)

// Portal-level sentinel errors. A PageDriver wraps its failures around
// these so the session driver can classify outcomes without knowing the
// transport.
var (
	// ErrAuthRejected means the portal refused the credential (bad
	// password, locked account).
	ErrAuthRejected = errors.New("engine: credentials rejected")
	// ErrChallengeRejected means the portal refused a submitted challenge
	// answer.
	ErrChallengeRejected = errors.New("engine: challenge answer rejected")
	// ErrPortalChanged means the page no longer matches the expected
	// structure. Never retried automatically.
	ErrPortalChanged = errors.New("engine: portal layout changed")
)

// Challenge is one anti-bot puzzle fetched from the portal. Either Target
// (a symbol the matching tiles display) or Reference (an image the tiles
// are compared against) is set, never both.
type Challenge struct {
	Target    string
	Reference []byte
	Tiles     [][]byte
}

// PageDriver is the capability surface one portal session exposes to the
// session driver. The production implementation rides a stealth browser
// page; tests inject fakes.
type PageDriver interface {
	Login(ctx context.Context, email, password string) error
	// FetchChallenge returns the current puzzle, or nil when the portal
	// did not present one.
	FetchChallenge(ctx context.Context) (*Challenge, error)
	SubmitChallenge(ctx context.Context, indices []int) error
	Search(ctx context.Context, rc RunConfiguration) ([]store.Slot, error)
	Book(ctx context.Context, slot store.Slot, applicant *store.Applicant, rc RunConfiguration) (string, error)
	Close() error
}

// PageOpener opens a fresh portal session. Each RunOnce call opens exactly
// one and tears it down before returning.
type PageOpener func(ctx context.Context) (PageDriver, error)

// DriverConfig tunes the session driver.
type DriverConfig struct {
	// ChallengeRetries is how many fresh challenges to attempt within one
	// session before surfacing ChallengeFailed. Default: 3.
	ChallengeRetries int
	Logger           *slog.Logger
}

func (c *DriverConfig) defaults() {
	if c.ChallengeRetries <= 0 {
		c.ChallengeRetries = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SessionDriver executes one full portal attempt:
// open → authenticate → challenge → search → optional booking.
type SessionDriver struct {
	open   PageOpener
	solver *captcha.Solver
	cfg    DriverConfig
}

// NewSessionDriver creates a SessionDriver over the given session factory.
func NewSessionDriver(open PageOpener, solver *captcha.Solver, cfg DriverConfig) *SessionDriver {
	cfg.defaults()
	return &SessionDriver{open: open, solver: solver, cfg: cfg}
}

// RunOnce walks the portal pipeline with one credential and returns the
// terminal outcome. The session is torn down before returning regardless
// of outcome: the next attempt starts from a clean browser identity.
func (d *SessionDriver) RunOnce(ctx context.Context, cred *store.Credential, applicant *store.Applicant, rc RunConfiguration) Outcome {
	log := d.cfg.Logger.With("credential", cred.ID)

	pd, err := d.open(ctx)
	if err != nil {
		return classify(StepOpening, err)
	}
	defer pd.Close()

	log.Debug("session: authenticating", "email", cred.Email)
	if err := pd.Login(ctx, cred.Email, cred.Password); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			return AuthFailed(err)
		}
		return classify(StepAuthenticating, err)
	}

	if out, ok := d.passChallenge(ctx, pd, log); !ok {
		return out
	}

	slots, err := pd.Search(ctx, rc)
	if err != nil {
		return classify(StepSearching, err)
	}
	if len(slots) == 0 {
		return NoSlots()
	}
	for i := range slots {
		if slots[i].VisaType == "" {
			slots[i].VisaType = rc.VisaType
		}
		if slots[i].VisaSubType == "" {
			slots[i].VisaSubType = rc.VisaSubType
		}
	}
	log.Info("session: slots found", "count", len(slots))

	if !rc.AutoBook || applicant == nil {
		return SlotsFound(slots)
	}

	// Booking rejection is transient: the slot may have been taken between
	// discovery and submission, and the next poll can find another.
	ref, err := pd.Book(ctx, slots[0], applicant, rc)
	if err != nil {
		if errors.Is(err, ErrPortalChanged) {
			return Fatal(StepBooking, err)
		}
		return Transient(StepBooking, err)
	}
	log.Info("session: booking confirmed", "ref", ref)
	return BookingSucceeded(ref)
}

// TestLogin opens a session, authenticates with the credential, and tears
// the session down. Used by the credential test endpoint; search and
// booking are never reached.
func (d *SessionDriver) TestLogin(ctx context.Context, cred *store.Credential) error {
	pd, err := d.open(ctx)
	if err != nil {
		return fmt.Errorf("engine: open session: %w", err)
	}
	defer pd.Close()
	return pd.Login(ctx, cred.Email, cred.Password)
}

// passChallenge fetches and answers challenges until one is accepted or
// the in-session retry budget runs out. A fresh challenge is often easier
// than the last, so retrying inside the session is cheap.
func (d *SessionDriver) passChallenge(ctx context.Context, pd PageDriver, log *slog.Logger) (Outcome, bool) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.ChallengeRetries; attempt++ {
		ch, err := pd.FetchChallenge(ctx)
		if err != nil {
			return classify(StepChallenge, err), false
		}
		if ch == nil {
			// Portal skipped the gate this time.
			return Outcome{}, true
		}

		mode := captcha.ModeBasic
		if attempt > 1 {
			mode = captcha.ModeEnhanced
		}

		var res captcha.Result
		if ch.Target != "" {
			res = d.solver.MatchTarget(ch.Target, ch.Tiles, mode)
		} else {
			res = d.solver.Solve(ch.Reference, ch.Tiles, mode)
		}
		if !res.Matched {
			lastErr = fmt.Errorf("engine: no confident tile match (attempt %d)", attempt)
			log.Debug("session: challenge unsolved", "attempt", attempt, "mode", mode.String())
			continue
		}

		err = pd.SubmitChallenge(ctx, res.MatchIndices)
		if err == nil {
			return Outcome{}, true
		}
		if !errors.Is(err, ErrChallengeRejected) {
			return classify(StepChallenge, err), false
		}
		lastErr = err
		log.Debug("session: challenge rejected", "attempt", attempt)
	}
	if lastErr == nil {
		lastErr = errors.New("engine: challenge retries exhausted")
	}
	return ChallengeFailed(lastErr), false
}

// classify maps a raw step error to Transient or Fatal.
func classify(step string, err error) Outcome {
	if errors.Is(err, ErrPortalChanged) {
		return Fatal(step, err)
	}
	return Transient(step, err)
}
