package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/slotwatch/slotwatch/store"
)

// ErrAlreadyRunning is returned by Start while a run is in flight.
var ErrAlreadyRunning = errors.New("engine: monitor already running")

// Driver is the per-attempt surface the monitor drives. Satisfied by
// *SessionDriver; tests inject fakes.
type Driver interface {
	RunOnce(ctx context.Context, cred *store.Credential, applicant *store.Applicant, rc RunConfiguration) Outcome
	TestLogin(ctx context.Context, cred *store.Credential) error
}

// StopReason tells the sink why a run ended. Operator stops and failure
// stops are distinct events: only the latter warrants an alert.
type StopReason struct {
	// Operator is true when the stop came from an explicit Stop call.
	Operator bool
	// Err is the terminal failure, nil for operator stops.
	Err error
}

func (r StopReason) String() string {
	if r.Operator {
		return "stop requested"
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return "stopped"
}

// Sink receives discovery and booking events. Fired at most once per
// discovery, not on every poll; deduplication happens in the sink.
type Sink interface {
	AppointmentFound(ctx context.Context, slot *store.Slot, rc RunConfiguration)
	BookingConfirmed(ctx context.Context, ref string)
	RunStopped(ctx context.Context, reason StopReason)
}

// MonitorConfig tunes the loop's timing.
type MonitorConfig struct {
	// Interval is the default poll interval, overridable per run.
	Interval time.Duration
	// BackoffBase and BackoffCap bound the exponential backoff applied
	// after failed attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MinAttemptGap is the hard floor between consecutive attempts, even
	// when backoff would allow an immediate retry.
	MinAttemptGap time.Duration
	Logger        *slog.Logger
}

func (c *MonitorConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 15 * time.Minute
	}
	if c.MinAttemptGap <= 0 {
		c.MinAttemptGap = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Monitor is the process-wide control loop: one run at a time, one attempt
// at a time. Start/Stop/Status are safe to call concurrently with an
// in-flight attempt; only the loop goroutine mutates RunState.
type Monitor struct {
	cfg     MonitorConfig
	st      *store.Store
	driver  Driver
	sink    Sink
	limiter *rate.Limiter

	mu     sync.Mutex
	state  RunState
	busy   bool
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewMonitor creates a Monitor. The sink may be nil.
func NewMonitor(st *store.Store, driver Driver, sink Sink, cfg MonitorConfig) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:     cfg,
		st:      st,
		driver:  driver,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(cfg.MinAttemptGap), 1),
		state:   RunState{Phase: PhaseIdle},
	}
}

// Start launches a run with the given configuration. Fails with
// ErrAlreadyRunning if a run is in flight; the existing run's
// configuration is left untouched.
func (m *Monitor) Start(ctx context.Context, rc RunConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhaseIdle || m.busy {
		return ErrAlreadyRunning
	}
	if rc.Interval <= 0 {
		rc.Interval = m.cfg.Interval
	}

	// Refuse to start against an empty pool rather than failing on the
	// first iteration.
	pool, err := m.st.ActiveCredentials(ctx)
	if err != nil {
		return fmt.Errorf("engine: load credentials: %w", err)
	}
	if _, err := SelectNext(pool); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.state = RunState{
		Phase:     PhaseRunning,
		Config:    rc,
		StartedAt: time.Now().UnixMilli(),
	}

	if err := m.st.SetSystemStatus(ctx, store.StatusRunning); err != nil {
		m.cfg.Logger.Warn("monitor: persist status", "error", err)
	}

	go m.loop(loopCtx, rc)
	return nil
}

// Stop requests the loop to finish its current attempt and go Idle, then
// waits for it (bounded by ctx). A booking submission in flight is never
// interrupted; the stop takes effect at the next checkpoint.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseIdle:
		m.mu.Unlock()
		return nil
	case PhaseStopping:
		// Another stopper got here first; wait for the same loop exit.
		done := m.done
		m.mu.Unlock()
		return m.awaitDone(ctx, done)
	}
	m.state.Phase = PhaseStopping
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	return m.awaitDone(ctx, done)
}

func (m *Monitor) awaitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: stop: %w", ctx.Err())
	}
}

// Status returns a copy of the current run state.
func (m *Monitor) Status() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// acquire claims the process-wide session slot for an out-of-loop attempt.
// At most one portal session exists at a time: the slot is refused while a
// run is in flight or another manual attempt holds it.
func (m *Monitor) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseIdle || m.busy {
		return ErrAlreadyRunning
	}
	m.busy = true
	return nil
}

func (m *Monitor) release() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// CheckOnce runs a single attempt outside the loop, for interactive
// verification. It holds the session slot for the whole attempt, so Start
// and further manual attempts fail with ErrAlreadyRunning until it returns.
func (m *Monitor) CheckOnce(ctx context.Context, rc RunConfiguration) (Outcome, error) {
	if err := m.acquire(); err != nil {
		return Outcome{}, err
	}
	defer m.release()

	pool, cred, applicant, err := m.pickActors(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := m.driver.RunOnce(ctx, cred, applicant, rc)
	m.recordAttempt(ctx, pool, cred, rc, out)
	return out, nil
}

// TestCredential drives an authentication-only session with the given
// credential. It needs the session slot like any other attempt, so it is
// refused while a run or manual check is in flight, and the attempt gap
// limiter paces back-to-back tests.
func (m *Monitor) TestCredential(ctx context.Context, cred *store.Credential) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("engine: test credential: %w", err)
	}
	return m.driver.TestLogin(ctx, cred)
}

func (m *Monitor) loop(ctx context.Context, rc RunConfiguration) {
	log := m.cfg.Logger
	defer func() {
		m.mu.Lock()
		m.state.Phase = PhaseIdle
		m.cancel()
		m.mu.Unlock()
		close(m.done)
		if err := m.st.SetSystemStatus(context.WithoutCancel(ctx), store.StatusStopped); err != nil {
			log.Warn("monitor: persist status", "error", err)
		}
	}()

	failures := 0
	for {
		if m.stopRequested() {
			m.notifyStopped(ctx, StopReason{Operator: true})
			return
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}

		pool, cred, applicant, err := m.pickActors(ctx)
		if errors.Is(err, ErrPoolExhausted) {
			log.Error("monitor: credential pool exhausted, stopping")
			m.surface(ctx, err)
			m.notifyStopped(ctx, StopReason{Err: err})
			return
		}
		if err != nil {
			log.Error("monitor: load actors", "error", err)
			failures++
			if !m.sleep(ctx, m.backoff(failures)) {
				return
			}
			continue
		}

		out := m.driver.RunOnce(ctx, cred, applicant, rc)
		m.recordAttempt(ctx, pool, cred, rc, out)

		var wait time.Duration
		switch out.Kind {
		case OutcomeNoSlots, OutcomeSlotsFound, OutcomeBookingSucceeded:
			failures = 0
			wait = rc.Interval
		case OutcomeAuthFailed, OutcomeChallengeFailed, OutcomeTransient:
			failures++
			wait = m.backoff(failures)
			log.Warn("monitor: attempt failed",
				"outcome", out.Kind.String(), "step", out.Step,
				"error", out.Err, "backoff", wait)
		case OutcomeFatal:
			log.Error("monitor: fatal outcome, stopping",
				"step", out.Step, "error", out.Err)
			m.surface(ctx, out.Err)
			m.notifyStopped(ctx, StopReason{Err: fmt.Errorf("fatal at %s: %w", out.Step, out.Err)})
			return
		}

		if !m.sleep(ctx, wait) {
			m.notifyStopped(ctx, StopReason{Operator: true})
			return
		}
	}
}

// pickActors loads the credential pool snapshot, selects the next
// credential, and resolves the primary applicant (nil when none exists).
func (m *Monitor) pickActors(ctx context.Context) ([]*store.Credential, *store.Credential, *store.Applicant, error) {
	pool, err := m.st.ActiveCredentials(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("engine: load credentials: %w", err)
	}
	cred, err := SelectNext(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	applicant, err := m.st.PrimaryApplicant(ctx)
	if errors.Is(err, store.ErrNotFound) {
		applicant = nil
	} else if err != nil {
		return nil, nil, nil, fmt.Errorf("engine: load applicant: %w", err)
	}
	return pool, cred, applicant, nil
}

// recordAttempt persists everything one attempt produced: credential
// statistics, counters, slots, logs, and sink events. The credential stats
// come from the rotator's snapshot update applied to the pool the attempt
// was selected from.
func (m *Monitor) recordAttempt(ctx context.Context, pool []*store.Credential, cred *store.Credential, rc RunConfiguration, out Outcome) {
	log := m.cfg.Logger
	now := time.Now()

	for _, c := range Record(pool, cred.ID, out.Success(), now) {
		if c.ID != cred.ID {
			continue
		}
		if err := m.st.SaveCredentialStats(ctx, c); err != nil {
			log.Warn("monitor: record attempt", "error", err)
		}
	}

	bookings, errs := 0, 0
	switch out.Kind {
	case OutcomeBookingSucceeded:
		bookings = 1
	case OutcomeAuthFailed, OutcomeChallengeFailed, OutcomeTransient, OutcomeFatal:
		errs = 1
	}
	if err := m.st.BumpCheckCounters(ctx, len(out.Slots), bookings, errs, now); err != nil {
		log.Warn("monitor: bump counters", "error", err)
	}

	for i := range out.Slots {
		slot := out.Slots[i]
		if err := m.st.AppendSlot(ctx, &slot); err != nil {
			log.Warn("monitor: append slot", "error", err)
			continue
		}
		if m.sink != nil {
			m.sink.AppointmentFound(ctx, &slot, rc)
		}
	}
	if out.Kind == OutcomeBookingSucceeded && m.sink != nil {
		m.sink.BookingConfirmed(ctx, out.ConfirmationRef)
	}

	level := store.LevelInfo
	msg := fmt.Sprintf("check finished: %s", out.Kind)
	switch out.Kind {
	case OutcomeSlotsFound:
		level = store.LevelSuccess
		msg = fmt.Sprintf("found %d slot(s)", len(out.Slots))
	case OutcomeBookingSucceeded:
		level = store.LevelSuccess
		msg = fmt.Sprintf("booking confirmed: %s", out.ConfirmationRef)
	case OutcomeAuthFailed, OutcomeChallengeFailed, OutcomeTransient:
		level = store.LevelWarning
		msg = fmt.Sprintf("%s: %v", out.Kind, out.Err)
	case OutcomeFatal:
		level = store.LevelError
		msg = fmt.Sprintf("fatal at %s: %v", out.Step, out.Err)
	}
	if err := m.st.AppendLog(ctx, &store.LogEntry{
		Level:   level,
		Message: msg,
		Step:    out.Step,
		Details: fmt.Sprintf("credential=%s", cred.ID),
	}); err != nil {
		log.Warn("monitor: append log", "error", err)
	}

	m.mu.Lock()
	m.state.Attempts++
	m.state.LastOutcome = out.Kind.String()
	m.state.LastAttempt = now.UnixMilli()
	if out.Err != nil {
		m.state.LastError = out.Err.Error()
	} else {
		m.state.LastError = ""
	}
	m.mu.Unlock()
}

// surface records a run-ending failure where the operator will see it.
func (m *Monitor) surface(ctx context.Context, err error) {
	m.mu.Lock()
	m.state.LastError = err.Error()
	m.mu.Unlock()
	if logErr := m.st.AppendLog(ctx, &store.LogEntry{
		Level:   store.LevelError,
		Message: fmt.Sprintf("monitoring stopped: %v", err),
	}); logErr != nil {
		m.cfg.Logger.Warn("monitor: append log", "error", logErr)
	}
}

func (m *Monitor) notifyStopped(ctx context.Context, reason StopReason) {
	if m.sink != nil {
		m.sink.RunStopped(ctx, reason)
	}
}

func (m *Monitor) stopRequested() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d, returning false if a stop arrived first.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !m.stopRequested()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// backoff returns the capped exponential wait after n consecutive failures.
func (m *Monitor) backoff(n int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= m.cfg.BackoffCap {
			return m.cfg.BackoffCap
		}
	}
	if d > m.cfg.BackoffCap {
		return m.cfg.BackoffCap
	}
	return d
}
