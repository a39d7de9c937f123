package browser

import (
	"fmt"
	"math/rand/v2"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Fingerprint is the browser identity presented to the portal for one
// session: user agent, viewport, and timezone. A fresh one is drawn per
// session so consecutive attempts do not share an identity.
type Fingerprint struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string
	Width          int
	Height         int
	Timezone       string
}

var userAgents = []struct {
	ua       string
	platform string
}{
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36", "Win32"},
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36", "Win32"},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36", "MacIntel"},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", "MacIntel"},
	{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36", "Linux x86_64"},
}

var viewports = []struct{ w, h int }{
	{1920, 1080},
	{1680, 1050},
	{1536, 864},
	{1440, 900},
	{1366, 768},
}

var timezones = []string{
	"Europe/Madrid",
	"Europe/London",
	"Europe/Paris",
	"Europe/Lisbon",
	"Europe/Berlin",
}

var languages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"es-ES,es;q=0.9,en;q=0.8",
	"en-US,en;q=0.9,es;q=0.8",
}

// RandomFingerprint draws a fingerprint from the candidate pools.
func RandomFingerprint() Fingerprint {
	return fingerprintFrom(rand.IntN)
}

// fingerprintFrom isolates the random source so tests can drive selection.
func fingerprintFrom(intn func(int) int) Fingerprint {
	agent := userAgents[intn(len(userAgents))]
	vp := viewports[intn(len(viewports))]
	return Fingerprint{
		UserAgent:      agent.ua,
		Platform:       agent.platform,
		AcceptLanguage: languages[intn(len(languages))],
		Width:          vp.w,
		Height:         vp.h,
		Timezone:       timezones[intn(len(timezones))],
	}
}

// apply installs the fingerprint on a page via CDP overrides.
func (f Fingerprint) apply(page *rod.Page) error {
	err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      f.UserAgent,
		AcceptLanguage: f.AcceptLanguage,
		Platform:       f.Platform,
	})
	if err != nil {
		return fmt.Errorf("browser: set user agent: %w", err)
	}

	err = proto.EmulationSetDeviceMetricsOverride{
		Width:             f.Width,
		Height:            f.Height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("browser: set viewport: %w", err)
	}

	err = proto.EmulationSetTimezoneOverride{TimezoneID: f.Timezone}.Call(page)
	if err != nil {
		return fmt.Errorf("browser: set timezone: %w", err)
	}
	return nil
}
