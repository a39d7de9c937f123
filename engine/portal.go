package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/slotwatch/slotwatch/browser"
	"github.com/slotwatch/slotwatch/store"
)

// PortalConfig locates the target portal and bounds its step timing.
type PortalConfig struct {
	BaseURL     string
	LoginPath   string
	SearchPath  string
	NavTimeout  time.Duration
	StepTimeout time.Duration
}

// NewPortalOpener returns a PageOpener that rides a stealth browser
// session from the manager. Each open draws a fresh fingerprint.
func NewPortalOpener(mgr *browser.Manager, cfg PortalConfig, log *slog.Logger) PageOpener {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context) (PageDriver, error) {
		sess, err := mgr.OpenSession(ctx, cfg.BaseURL+cfg.LoginPath, cfg.NavTimeout)
		if err != nil {
			return nil, fmt.Errorf("engine: open portal: %w", err)
		}
		return &portalSession{sess: sess, cfg: cfg, log: log}, nil
	}
}

// portalSession implements PageDriver over one stealth page.
type portalSession struct {
	sess *browser.Session
	cfg  PortalConfig
	log  *slog.Logger
}

func (p *portalSession) page(ctx context.Context) (*rod.Page, context.CancelFunc) {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	return p.sess.Page.Context(stepCtx), cancel
}

func (p *portalSession) Login(ctx context.Context, email, password string) error {
	page, cancel := p.page(ctx)
	defer cancel()

	emailEl, err := page.Element(`input[type="email"], input[name="Email"], #UserName`)
	if err != nil {
		return fmt.Errorf("%w: login form not found: %v", ErrPortalChanged, err)
	}
	if err := emailEl.Input(email); err != nil {
		return fmt.Errorf("engine: fill email: %w", err)
	}

	pwEl, err := page.Element(`input[type="password"]`)
	if err != nil {
		return fmt.Errorf("%w: password field not found: %v", ErrPortalChanged, err)
	}
	if err := pwEl.Input(password); err != nil {
		return fmt.Errorf("engine: fill password: %w", err)
	}

	submit, err := page.Element(`button[type="submit"], input[type="submit"]`)
	if err != nil {
		return fmt.Errorf("%w: submit button not found: %v", ErrPortalChanged, err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("engine: submit login: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("engine: login navigation: %w", err)
	}

	// The portal renders a validation summary on rejected credentials and
	// a logout control on success.
	res, err := page.Eval(`() => {
		if (document.querySelector('.validation-summary-errors, .field-validation-error, .alert-danger')) return 'rejected';
		if (document.querySelector('a[href*="logout" i], a[href*="signout" i]')) return 'ok';
		return 'unknown';
	}`)
	if err != nil {
		return fmt.Errorf("engine: login state: %w", err)
	}
	switch res.Value.Str() {
	case "rejected":
		return ErrAuthRejected
	case "ok", "unknown":
		// Some portal variants land on the dashboard without a logout
		// anchor; absence of an error banner is accepted.
		return nil
	}
	return nil
}

func (p *portalSession) FetchChallenge(ctx context.Context) (*Challenge, error) {
	page, cancel := p.page(ctx)
	defer cancel()

	res, err := page.Eval(`() => {
		const grid = document.querySelector('.captcha-grid, .captcha-container, #captcha');
		if (!grid) return '';
		const t = grid.querySelector('.captcha-target, .box-label, label');
		return t ? t.textContent.trim() : '?';
	}`)
	if err != nil {
		return nil, fmt.Errorf("engine: probe challenge: %w", err)
	}
	target := res.Value.Str()
	if target == "" {
		return nil, nil
	}

	tiles, err := page.Elements(`.captcha-grid img, .captcha-container img, #captcha img`)
	if err != nil || len(tiles) == 0 {
		return nil, fmt.Errorf("%w: challenge grid without tiles", ErrPortalChanged)
	}

	ch := &Challenge{Target: lastNumber(target)}
	for _, el := range tiles {
		data, err := el.Resource()
		if err != nil {
			// Undecodable tiles still occupy an index; the solver skips
			// them without raising.
			data = nil
		}
		ch.Tiles = append(ch.Tiles, data)
	}
	p.log.Debug("portal: challenge fetched", "target", ch.Target, "tiles", len(ch.Tiles))
	return ch, nil
}

// lastNumber extracts the trailing digit sequence of a prompt like
// "Please select all boxes with number 586".
func lastNumber(prompt string) string {
	end := -1
	for i := len(prompt) - 1; i >= 0; i-- {
		c := prompt[i]
		if c >= '0' && c <= '9' {
			if end < 0 {
				end = i + 1
			}
			continue
		}
		if end >= 0 {
			return prompt[i+1 : end]
		}
	}
	if end >= 0 {
		return prompt[:end]
	}
	return prompt
}

func (p *portalSession) SubmitChallenge(ctx context.Context, indices []int) error {
	page, cancel := p.page(ctx)
	defer cancel()

	tiles, err := page.Elements(`.captcha-grid img, .captcha-container img, #captcha img`)
	if err != nil {
		return fmt.Errorf("%w: challenge grid vanished", ErrPortalChanged)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(tiles) {
			continue
		}
		if err := tiles[idx].Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("engine: click tile %d: %w", idx, err)
		}
	}

	submit, err := page.Element(`.captcha-submit, #captcha-submit, button[type="submit"]`)
	if err != nil {
		return fmt.Errorf("%w: challenge submit not found", ErrPortalChanged)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("engine: submit challenge: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("engine: challenge navigation: %w", err)
	}

	// A still-present grid means the portal rejected the answer and dealt
	// a new puzzle.
	res, err := page.Eval(`() => !!document.querySelector('.captcha-grid, .captcha-container, #captcha')`)
	if err != nil {
		return fmt.Errorf("engine: challenge state: %w", err)
	}
	if res.Value.Bool() {
		return ErrChallengeRejected
	}
	return nil
}

// slotRow mirrors the JSON shape scraped out of the results table.
type slotRow struct {
	Date      string `json:"date"`
	Time      string `json:"time"`
	Location  string `json:"location"`
	Available int    `json:"available"`
}

func (p *portalSession) Search(ctx context.Context, rc RunConfiguration) ([]store.Slot, error) {
	if err := p.sess.Navigate(ctx, p.cfg.BaseURL+p.cfg.SearchPath, p.cfg.NavTimeout); err != nil {
		return nil, err
	}

	page, cancel := p.page(ctx)
	defer cancel()

	_, err := page.Eval(`(visaType, visaSub, apptType, members) => {
		const set = (sel, val) => {
			const el = document.querySelector(sel);
			if (!el || !val) return;
			el.value = val;
			el.dispatchEvent(new Event('change', { bubbles: true }));
		};
		set('select[name="VisaType"], #visaType', visaType);
		set('select[name="VisaSubType"], #visaSubType', visaSub);
		set('select[name="AppointmentType"], #appointmentType', apptType);
		set('input[name="Members"], #members', members);
	}`, rc.VisaType, rc.VisaSubType, rc.AppointmentType, strconv.Itoa(rc.Members))
	if err != nil {
		return nil, fmt.Errorf("engine: apply filters: %w", err)
	}

	search, err := page.Element(`button[type="submit"], #search-slots`)
	if err != nil {
		return nil, fmt.Errorf("%w: search control not found: %v", ErrPortalChanged, err)
	}
	if err := search.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("engine: run search: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("engine: search navigation: %w", err)
	}

	res, err := page.Eval(`() => {
		const rows = document.querySelectorAll('.slot-list tr[data-slot], .appointment-slot');
		const out = [];
		for (const r of rows) {
			out.push({
				date: (r.querySelector('.slot-date') || {}).textContent?.trim() || r.dataset.date || '',
				time: (r.querySelector('.slot-time') || {}).textContent?.trim() || r.dataset.time || '',
				location: (r.querySelector('.slot-location') || {}).textContent?.trim() || r.dataset.location || '',
				available: parseInt(r.dataset.available || '1', 10) || 1,
			});
		}
		return JSON.stringify(out);
	}`)
	if err != nil {
		return nil, fmt.Errorf("engine: read slot listing: %w", err)
	}

	var rows []slotRow
	if err := json.Unmarshal([]byte(res.Value.Str()), &rows); err != nil {
		return nil, fmt.Errorf("%w: slot listing unparseable: %v", ErrPortalChanged, err)
	}

	now := time.Now().UnixMilli()
	slots := make([]store.Slot, 0, len(rows))
	for _, r := range rows {
		if r.Date == "" {
			continue
		}
		slots = append(slots, store.Slot{
			Date:        r.Date,
			Time:        r.Time,
			Location:    r.Location,
			Available:   r.Available,
			VisaType:    rc.VisaType,
			VisaSubType: rc.VisaSubType,
			FoundAt:     now,
		})
	}
	return slots, nil
}

func (p *portalSession) Book(ctx context.Context, slot store.Slot, applicant *store.Applicant, rc RunConfiguration) (string, error) {
	page, cancel := p.page(ctx)
	defer cancel()

	// Select the slot row, then fill the multi-step applicant form.
	_, err := page.Eval(`(date, time) => {
		const rows = document.querySelectorAll('.slot-list tr[data-slot], .appointment-slot');
		for (const r of rows) {
			const d = (r.querySelector('.slot-date') || {}).textContent?.trim() || r.dataset.date || '';
			const t = (r.querySelector('.slot-time') || {}).textContent?.trim() || r.dataset.time || '';
			if (d === date && t === time) {
				(r.querySelector('a, button') || r).click();
				return true;
			}
		}
		throw new Error('slot row not found');
	}`, slot.Date, slot.Time)
	if err != nil {
		return "", fmt.Errorf("engine: select slot: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("engine: booking navigation: %w", err)
	}

	fields := map[string]string{
		`input[name="FirstName"]`:      applicant.FirstName,
		`input[name="LastName"]`:       applicant.LastName,
		`input[name="PassportNumber"]`: applicant.PassportNumber,
		`input[name="Nationality"]`:    applicant.Nationality,
		`input[name="PhoneNumber"]`:    applicant.PhoneNumber,
		`input[name="Email"]`:          applicant.Email,
		`input[name="DateOfBirth"]`:    applicant.DateOfBirth,
	}
	for sel, val := range fields {
		if val == "" {
			continue
		}
		el, err := page.Element(sel)
		if err != nil {
			continue
		}
		if err := el.Input(val); err != nil {
			return "", fmt.Errorf("engine: fill %s: %w", sel, err)
		}
	}

	confirm, err := page.Element(`button[type="submit"], #confirm-booking`)
	if err != nil {
		return "", fmt.Errorf("%w: booking form not found: %v", ErrPortalChanged, err)
	}
	if err := confirm.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", fmt.Errorf("engine: confirm booking: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("engine: confirmation navigation: %w", err)
	}

	res, err := page.Eval(`() => {
		const el = document.querySelector('.booking-reference, .confirmation-number, #confirmation-ref');
		if (!el) {
			const err = document.querySelector('.validation-summary-errors, .alert-danger');
			if (err) throw new Error('booking rejected: ' + err.textContent.trim());
			throw new Error('no confirmation reference on page');
		}
		return el.textContent.trim();
	}`)
	if err != nil {
		return "", fmt.Errorf("engine: read confirmation: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *portalSession) Close() error {
	return p.sess.Close()
}
