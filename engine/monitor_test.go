package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slotwatch/slotwatch/dbopen"
	"github.com/slotwatch/slotwatch/store"

	_ "modernc.org/sqlite"
)

// scriptDriver returns outcomes in sequence, repeating the last one, and
// remembers which credential each attempt used.
type scriptDriver struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    int
	creds    []string
}

func (d *scriptDriver) RunOnce(ctx context.Context, cred *store.Credential, _ *store.Applicant, rc RunConfiguration) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	d.creds = append(d.creds, cred.ID)
	if i >= len(d.outcomes) {
		i = len(d.outcomes) - 1
	}
	return d.outcomes[i]
}

func (d *scriptDriver) TestLogin(context.Context, *store.Credential) error { return nil }

func (d *scriptDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// blockingDriver parks inside RunOnce until released, to observe what the
// monitor permits while an attempt is in flight.
type blockingDriver struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingDriver() *blockingDriver {
	return &blockingDriver{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (d *blockingDriver) RunOnce(context.Context, *store.Credential, *store.Applicant, RunConfiguration) Outcome {
	d.entered <- struct{}{}
	<-d.release
	return NoSlots()
}

func (d *blockingDriver) TestLogin(context.Context, *store.Credential) error { return nil }

type recordingSink struct {
	mu      sync.Mutex
	found   []store.Slot
	booked  []string
	stopped []StopReason
}

func (s *recordingSink) AppointmentFound(_ context.Context, slot *store.Slot, _ RunConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found = append(s.found, *slot)
}

func (s *recordingSink) BookingConfirmed(_ context.Context, ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.booked = append(s.booked, ref)
}

func (s *recordingSink) RunStopped(_ context.Context, reason StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, reason)
}

func newTestMonitor(t *testing.T, d Driver, sink Sink) (*Monitor, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewStore(db)
	m := NewMonitor(st, d, sink, MonitorConfig{
		Interval:      time.Millisecond,
		BackoffBase:   time.Millisecond,
		BackoffCap:    4 * time.Millisecond,
		MinAttemptGap: time.Millisecond,
	})
	return m, st
}

func seedCredential(t *testing.T, st *store.Store, c *store.Credential) {
	t.Helper()
	if err := st.InsertCredential(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestStartWhileRunningFails(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{NoSlots()}}
	m, st := newTestMonitor(t, d, nil)
	seedCredential(t, st, &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true})

	rc := RunConfiguration{VisaType: "Tourist Visa", Interval: time.Hour}
	if err := m.Start(context.Background(), rc); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	err := m.Start(context.Background(), RunConfiguration{VisaType: "Work Visa"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: got %v", err)
	}
	if got := m.Status().Config.VisaType; got != "Tourist Visa" {
		t.Errorf("existing config altered: %q", got)
	}
}

func TestStartWithEmptyPoolFails(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{NoSlots()}}
	m, _ := newTestMonitor(t, d, nil)

	err := m.Start(context.Background(), RunConfiguration{})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("got %v, want ErrPoolExhausted", err)
	}
	if m.Status().Phase != PhaseIdle {
		t.Errorf("phase: %s", m.Status().Phase)
	}
}

func TestFatalOutcomeStopsLoop(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{Fatal(StepSearching, errors.New("layout changed"))}}
	sink := &recordingSink{}
	m, st := newTestMonitor(t, d, sink)
	seedCredential(t, st, &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true})

	if err := m.Start(context.Background(), RunConfiguration{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Status().Phase == PhaseIdle }, "idle after fatal")

	s := m.Status()
	if s.LastOutcome != "fatal_error" {
		t.Errorf("last outcome: %q", s.LastOutcome)
	}
	if s.LastError == "" {
		t.Error("fatal error must be surfaced in status")
	}
	if d.callCount() != 1 {
		t.Errorf("attempts after fatal: %d, want 1", d.callCount())
	}

	// Persisted status follows the loop down.
	cfg, err := st.SystemConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Status != store.StatusStopped {
		t.Errorf("persisted status: %q", cfg.Status)
	}

	// The sink sees a failure stop, not an operator stop.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.stopped) != 1 || sink.stopped[0].Operator || sink.stopped[0].Err == nil {
		t.Errorf("stop reasons: %+v, want one failure reason", sink.stopped)
	}
}

func TestLoopContinuesOnNoSlots(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{NoSlots()}}
	m, st := newTestMonitor(t, d, nil)
	seedCredential(t, st, &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true})

	if err := m.Start(context.Background(), RunConfiguration{Interval: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return d.callCount() >= 3 }, "repeated polling")

	if m.Status().Phase != PhaseRunning {
		t.Errorf("phase: %s", m.Status().Phase)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Status().Phase != PhaseIdle {
		t.Errorf("phase after stop: %s", m.Status().Phase)
	}
}

func TestSlotsFoundRecordsAndNotifies(t *testing.T) {
	slots := []store.Slot{
		{Date: "2026-09-01", Time: "09:00", VisaType: "Tourist Visa"},
		{Date: "2026-09-01", Time: "10:00", VisaType: "Tourist Visa"},
		{Date: "2026-09-02", Time: "09:00", VisaType: "Tourist Visa"},
	}
	d := &scriptDriver{outcomes: []Outcome{SlotsFound(slots), NoSlots()}}
	sink := &recordingSink{}
	m, st := newTestMonitor(t, d, sink)
	seedCredential(t, st, &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true})

	if err := m.Start(context.Background(), RunConfiguration{VisaType: "Tourist Visa"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return d.callCount() >= 2 }, "first poll done")
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	stored, err := st.ListSlots(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored slots: %d, want 3", len(stored))
	}
	for _, s := range stored {
		if s.VisaType != "Tourist Visa" {
			t.Errorf("stored visa type: %q", s.VisaType)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.found) != 3 {
		t.Errorf("notifications: %d, want 3 (one per discovery)", len(sink.found))
	}
}

func TestAttemptUpdatesCredentialStats(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{NoSlots()}}
	m, st := newTestMonitor(t, d, nil)
	c := &store.Credential{Name: "prim", Email: "p@x", Password: "p", Active: true, Primary: true}
	seedCredential(t, st, c)

	out, err := m.CheckOnce(context.Background(), RunConfiguration{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeNoSlots {
		t.Fatalf("outcome: %s", out.Kind)
	}
	if len(d.creds) != 1 || d.creds[0] != c.ID {
		t.Errorf("selected credential: %v, want primary %s", d.creds, c.ID)
	}

	got, err := st.GetCredential(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalAttempts != 1 || got.SuccessfulAttempts != 1 {
		t.Errorf("stats: %d/%d, want 1/1", got.SuccessfulAttempts, got.TotalAttempts)
	}
}

func TestCheckOnceHoldsTheRunSlot(t *testing.T) {
	// WHAT: a manual check owns the process-wide session slot; Start,
	// another check, and a credential test are all refused until it ends.
	d := newBlockingDriver()
	m, st := newTestMonitor(t, d, nil)
	seedCredential(t, st, &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true})

	type result struct {
		out Outcome
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := m.CheckOnce(context.Background(), RunConfiguration{})
		res <- result{out, err}
	}()
	<-d.entered

	if err := m.Start(context.Background(), RunConfiguration{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("start during manual check: got %v", err)
	}
	if _, err := m.CheckOnce(context.Background(), RunConfiguration{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second manual check: got %v", err)
	}
	if err := m.TestCredential(context.Background(), &store.Credential{ID: "x"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("credential test during manual check: got %v", err)
	}

	close(d.release)
	r := <-res
	if r.err != nil || r.out.Kind != OutcomeNoSlots {
		t.Fatalf("manual check: err=%v outcome=%s", r.err, r.out.Kind)
	}

	// Slot released again: a run may start.
	if err := m.Start(context.Background(), RunConfiguration{Interval: time.Hour}); err != nil {
		t.Fatalf("start after manual check: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCredentialTestRefusedWhileRunning(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{NoSlots()}}
	m, st := newTestMonitor(t, d, nil)
	c := &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true}
	seedCredential(t, st, c)

	if err := m.Start(context.Background(), RunConfiguration{Interval: time.Hour}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	if err := m.TestCredential(context.Background(), c); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("credential test during run: got %v", err)
	}
}

func TestStopWaitsForStoppingLoop(t *testing.T) {
	// WHAT: a Stop issued while the loop is already Stopping waits for the
	// loop to go Idle instead of returning early.
	d := newBlockingDriver()
	m, st := newTestMonitor(t, d, nil)
	seedCredential(t, st, &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true})

	if err := m.Start(context.Background(), RunConfiguration{Interval: time.Hour}); err != nil {
		t.Fatal(err)
	}
	<-d.entered

	first := make(chan error, 1)
	go func() { first <- m.Stop(context.Background()) }()
	waitFor(t, func() bool { return m.Status().Phase == PhaseStopping }, "stopping phase")

	second := make(chan error, 1)
	go func() { second <- m.Stop(context.Background()) }()
	select {
	case <-second:
		t.Fatal("second stop returned while an attempt was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(d.release)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	if err := <-second; err != nil {
		t.Fatal(err)
	}
	if m.Status().Phase != PhaseIdle {
		t.Errorf("phase after stop: %s", m.Status().Phase)
	}
}

func TestLoopRotatesToLowestRatio(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{NoSlots()}}
	m, st := newTestMonitor(t, d, nil)

	good := &store.Credential{Name: "good", Email: "g@x", Password: "p", Active: true}
	weak := &store.Credential{Name: "weak", Email: "w@x", Password: "p", Active: true}
	seedCredential(t, st, good)
	seedCredential(t, st, weak)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := st.RecordAttempt(ctx, good.ID, i < 9, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := st.RecordAttempt(ctx, weak.ID, i < 1, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.CheckOnce(ctx, RunConfiguration{}); err != nil {
		t.Fatal(err)
	}
	if len(d.creds) != 1 || d.creds[0] != weak.ID {
		t.Errorf("selected %v, want weak (ratio 0.2 < 0.9)", d.creds)
	}
}

func TestBackoffCapped(t *testing.T) {
	m, _ := newTestMonitor(t, &scriptDriver{outcomes: []Outcome{NoSlots()}}, nil)
	if got := m.backoff(1); got != time.Millisecond {
		t.Errorf("backoff(1): %v", got)
	}
	if got := m.backoff(2); got != 2*time.Millisecond {
		t.Errorf("backoff(2): %v", got)
	}
	if got := m.backoff(50); got != 4*time.Millisecond {
		t.Errorf("backoff(50): %v, want cap", got)
	}
}

func TestBookingConfirmedNotifiesOnce(t *testing.T) {
	d := &scriptDriver{outcomes: []Outcome{BookingSucceeded("REF-77"), NoSlots()}}
	sink := &recordingSink{}
	m, st := newTestMonitor(t, d, sink)
	seedCredential(t, st, &store.Credential{Name: "a", Email: "a@x", Password: "p", Active: true})

	if err := m.Start(context.Background(), RunConfiguration{AutoBook: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return d.callCount() >= 3 }, "polling past the booking")
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.booked) != 1 || sink.booked[0] != "REF-77" {
		t.Errorf("booking notifications: %v, want exactly one REF-77", sink.booked)
	}
}
