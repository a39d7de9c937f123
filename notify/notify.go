// Package notify turns engine events into operator notifications. Slot
// discoveries are deduplicated so a slot that survives several polls
// produces one email, not one per poll.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"

	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/store"
)

// Mailer sends one message. Implemented by SMTPMailer; tests inject fakes.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Config wires the notifier.
type Config struct {
	Store  *store.Store
	Mailer Mailer
	Logger *slog.Logger
}

// Notifier implements engine.Sink. Settings are re-read from the store on
// every event so operator changes apply without a restart.
type Notifier struct {
	st     *store.Store
	mailer Mailer
	log    *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		st:     cfg.Store,
		mailer: cfg.Mailer,
		log:    log,
		seen:   make(map[string]bool),
	}
}

var _ engine.Sink = (*Notifier)(nil)

// AppointmentFound notifies about a discovered slot, once per distinct
// slot per run.
func (n *Notifier) AppointmentFound(ctx context.Context, slot *store.Slot, rc engine.RunConfiguration) {
	key := strings.Join([]string{slot.Date, slot.Time, slot.Location, slot.VisaType}, "|")
	n.mu.Lock()
	dup := n.seen[key]
	n.seen[key] = true
	n.mu.Unlock()
	if dup {
		return
	}

	n.log.Info("notify: appointment found",
		"date", slot.Date, "time", slot.Time, "location", slot.Location)

	settings, ok := n.settings(ctx)
	if !ok || !settings.OnSlotsFound {
		return
	}
	subject := fmt.Sprintf("Appointment slot available: %s %s", slot.Date, slot.Time)
	body := fmt.Sprintf(
		"A visa appointment slot was found.\n\nDate: %s\nTime: %s\nLocation: %s\nVisa type: %s (%s)\n",
		slot.Date, slot.Time, slot.Location, slot.VisaType, rc.VisaSubType)
	n.send(ctx, settings.Email, subject, body)
}

// BookingConfirmed notifies about a completed booking.
func (n *Notifier) BookingConfirmed(ctx context.Context, ref string) {
	n.log.Info("notify: booking confirmed", "ref", ref)

	settings, ok := n.settings(ctx)
	if !ok || !settings.OnBooking {
		return
	}
	n.send(ctx, settings.Email,
		"Visa appointment booked",
		fmt.Sprintf("Your appointment was booked. Confirmation reference: %s\n", ref))
}

// RunStopped notifies when a run ends, and resets the dedupe set so the
// next run reports slots afresh. An operator-requested stop is routine and
// sends no mail; a failure stop alerts when error notifications are on.
func (n *Notifier) RunStopped(ctx context.Context, reason engine.StopReason) {
	n.mu.Lock()
	n.seen = make(map[string]bool)
	n.mu.Unlock()

	n.log.Info("notify: run stopped", "reason", reason.String())

	if reason.Operator {
		return
	}
	settings, ok := n.settings(ctx)
	if !ok || !settings.OnErrors {
		return
	}
	n.send(ctx, settings.Email,
		"Appointment monitoring stopped",
		fmt.Sprintf("Monitoring stopped and needs attention: %s\n", reason.String()))
}

func (n *Notifier) settings(ctx context.Context) (*store.NotificationSettings, bool) {
	s, err := n.st.NotificationSettings(ctx)
	if err != nil {
		n.log.Warn("notify: load settings", "error", err)
		return nil, false
	}
	if !s.EmailEnabled || s.Email == "" || n.mailer == nil {
		return nil, false
	}
	return s, true
}

func (n *Notifier) send(ctx context.Context, to, subject, body string) {
	if err := n.mailer.Send(ctx, to, subject, body); err != nil {
		n.log.Warn("notify: send failed", "to", to, "subject", subject, "error", err)
		return
	}
	n.log.Debug("notify: sent", "to", to, "subject", subject)
}

// SMTPConfig locates the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail over plain SMTP with AUTH when credentials are
// configured.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		m.cfg.From, to, subject, body)
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}
