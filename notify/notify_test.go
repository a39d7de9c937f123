package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/slotwatch/slotwatch/dbopen"
	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/store"

	_ "modernc.org/sqlite"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []string // subjects
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, subject)
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestNotifier(t *testing.T) (*Notifier, *fakeMailer, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewStore(db)

	settings, err := st.NotificationSettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	settings.Email = "ops@example.com"
	if err := st.SaveNotificationSettings(context.Background(), settings); err != nil {
		t.Fatal(err)
	}

	m := &fakeMailer{}
	return New(Config{Store: st, Mailer: m}), m, st
}

func TestAppointmentFoundDedupes(t *testing.T) {
	// WHAT: the same slot surfacing on consecutive polls mails once.
	n, m, _ := newTestNotifier(t)
	ctx := context.Background()
	slot := &store.Slot{Date: "2026-09-01", Time: "09:00", Location: "Madrid", VisaType: "Tourist Visa"}

	n.AppointmentFound(ctx, slot, engine.RunConfiguration{})
	n.AppointmentFound(ctx, slot, engine.RunConfiguration{})
	other := &store.Slot{Date: "2026-09-01", Time: "10:00", Location: "Madrid", VisaType: "Tourist Visa"}
	n.AppointmentFound(ctx, other, engine.RunConfiguration{})

	if m.count() != 2 {
		t.Errorf("mails: got %d, want 2 (dup suppressed)", m.count())
	}
}

func TestRunStoppedResetsDedupe(t *testing.T) {
	n, m, _ := newTestNotifier(t)
	ctx := context.Background()
	slot := &store.Slot{Date: "2026-09-01", Time: "09:00", Location: "Madrid"}

	n.AppointmentFound(ctx, slot, engine.RunConfiguration{})
	n.RunStopped(ctx, engine.StopReason{Operator: true})
	n.AppointmentFound(ctx, slot, engine.RunConfiguration{})

	if m.count() != 2 {
		t.Errorf("mails: got %d, want 2 (new run reports afresh)", m.count())
	}
}

func TestSettingsGateDelivery(t *testing.T) {
	n, m, st := newTestNotifier(t)
	ctx := context.Background()

	settings, _ := st.NotificationSettings(ctx)
	settings.OnSlotsFound = false
	if err := st.SaveNotificationSettings(ctx, settings); err != nil {
		t.Fatal(err)
	}

	n.AppointmentFound(ctx, &store.Slot{Date: "2026-09-01", Time: "09:00"}, engine.RunConfiguration{})
	if m.count() != 0 {
		t.Errorf("mails: got %d, want 0 (slot alerts disabled)", m.count())
	}

	n.BookingConfirmed(ctx, "REF-1")
	if m.count() != 1 {
		t.Errorf("mails: got %d, want 1 (booking alerts still on)", m.count())
	}
}

func TestOperatorStopIsQuiet(t *testing.T) {
	n, m, _ := newTestNotifier(t)
	ctx := context.Background()

	n.RunStopped(ctx, engine.StopReason{Operator: true})
	if m.count() != 0 {
		t.Errorf("operator-requested stop mailed %d times", m.count())
	}

	n.RunStopped(ctx, engine.StopReason{Err: errors.New("fatal at searching: layout changed")})
	if m.count() != 1 {
		t.Errorf("error stop: got %d mails, want 1", m.count())
	}
}
