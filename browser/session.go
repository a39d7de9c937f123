package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Session wraps a stealth Rod page opened for one portal attempt. Each
// session carries its own fingerprint and is closed when the attempt ends.
type Session struct {
	Page        *rod.Page
	Fingerprint Fingerprint
	manager     *Manager
}

// OpenSession creates a stealth page with a fresh fingerprint, applies
// resource blocking, and navigates to the URL.
func (m *Manager) OpenSession(ctx context.Context, pageURL string, navTimeout time.Duration) (*Session, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	fp := RandomFingerprint()
	if err := fp.apply(page); err != nil {
		page.Close()
		return nil, err
	}

	if len(m.cfg.BlockResources) > 0 {
		applyResourceBlocking(page, m.cfg.BlockResources)
	}

	sess := &Session{Page: page, Fingerprint: fp, manager: m}
	if err := sess.Navigate(ctx, pageURL, navTimeout); err != nil {
		page.Close()
		return nil, err
	}
	return sess, nil
}

// Navigate loads a URL and waits for the page load event. A load-event
// timeout is logged, not fatal: portals with long-polling beacons often
// never fire it.
func (s *Session) Navigate(ctx context.Context, pageURL string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Page.Context(navCtx).Navigate(pageURL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := s.Page.Context(navCtx).WaitLoad(); err != nil {
		s.manager.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return nil
}

// Eval runs a JavaScript function on the page and returns its result.
func (s *Session) Eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	res, err := s.Page.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("browser: eval: %w", err)
	}
	return res, nil
}

// HTML serialises the page's current DOM as outer HTML.
func (s *Session) HTML(ctx context.Context) (string, error) {
	res, err := s.Page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

// Close closes the page. Safe to call twice.
func (s *Session) Close() error {
	if s.Page != nil {
		p := s.Page
		s.Page = nil
		return p.Close()
	}
	return nil
}
