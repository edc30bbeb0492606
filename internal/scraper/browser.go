// Package scraper drives a stealth headless Chromium to read contact phones
// from listing pages and to discover listing links on search pages.
package scraper

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"phone-scraper/internal/phone"
	"phone-scraper/internal/service"
)

const (
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	acceptLanguage = "uk-UA,uk;q=0.9,en-US;q=0.8,en;q=0.7"
	timezone       = "Europe/Kiev"
	locale         = "uk-UA"
	gateEmail      = "test@example.com"

	stepTimeout = 3 * time.Second
)

// Text patterns for rod's HasR are JavaScript regex literals, flags after the
// closing slash.
const (
	consentText  = "/Погоджуюсь/"
	continueText = "/продовжити|continue/i"
	revealText   = "/показати/i"
)

var extraHeaders = []string{
	"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language", acceptLanguage,
	"DNT", "1",
	"Upgrade-Insecure-Requests", "1",
	"Sec-Fetch-Dest", "document",
	"Sec-Fetch-Mode", "navigate",
	"Sec-Fetch-Site", "none",
	"Sec-Fetch-User", "?1",
}

// Options configures the browser and page timings
type Options struct {
	BrowserPath       string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	RevealDelay       time.Duration
}

// Browser opens Chromium sessions. It implements service.SessionOpener.
type Browser struct {
	opts   Options
	logger *zap.Logger
}

// NewBrowser creates a session opener
func NewBrowser(opts Options, logger *zap.Logger) *Browser {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 5 * time.Second
	}
	if opts.RevealDelay <= 0 {
		opts.RevealDelay = 5 * time.Second
	}
	return &Browser{opts: opts, logger: logger.Named("browser")}
}

// Open launches a browser process owned by the returned session
func (b *Browser) Open(ctx context.Context, headless bool) (service.PageSession, error) {
	l := launcher.New().
		Headless(headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Context(ctx)
	if b.opts.BrowserPath != "" {
		l = l.Bin(b.opts.BrowserPath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "failed to launch browser")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, eris.Wrap(err, "failed to connect to browser")
	}

	b.logger.Debug("browser started", zap.Bool("headless", headless))
	return &session{browser: browser, launcher: l, opts: b.opts, logger: b.logger}, nil
}

type session struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	opts     Options
	logger   *zap.Logger
}

// ExtractPhone opens url in a fresh stealth page and returns the first
// usable phone, or "" when the page shows none.
func (s *session) ExtractPhone(ctx context.Context, url string) (string, error) {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return "", eris.Wrap(err, "failed to open page")
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := preparePage(page); err != nil {
		return "", eris.Wrap(err, "failed to prepare page")
	}

	nav := page.Timeout(s.opts.NavigationTimeout)
	err = nav.Navigate(url)
	if err == nil {
		err = nav.WaitDOMStable(time.Second, 0.1)
	}
	nav.CancelTimeout()
	if err != nil {
		return "", eris.Wrapf(err, "failed to load %s", url)
	}

	if err := wait(ctx, s.opts.SettleDelay); err != nil {
		return "", err
	}

	log := s.logger.With(zap.String("url", url))
	s.passEmailGate(ctx, page, log)
	dismissConsent(page, log)
	if s.revealContact(page, log) {
		if err := wait(ctx, s.opts.RevealDelay); err != nil {
			return "", err
		}
	}

	if found, ok := phoneFromTelLinks(page); ok {
		return found, nil
	}

	body, err := page.Timeout(stepTimeout).Element("body")
	if err != nil {
		if ctx.Err() != nil {
			return "", eris.Wrap(ctx.Err(), "page abandoned")
		}
		return "", nil
	}
	text, err := body.Text()
	if err != nil {
		return "", nil
	}
	if found, ok := phone.FindInText(text); ok {
		return found, nil
	}

	return "", nil
}

// Close shuts the browser down and removes its profile
func (s *session) Close() error {
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	if err != nil {
		return eris.Wrap(err, "failed to close browser")
	}
	return nil
}

func preparePage(page *rod.Page) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgent,
		AcceptLanguage: acceptLanguage,
	}); err != nil {
		return err
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
	}); err != nil {
		return err
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: timezone}).Call(page); err != nil {
		return err
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: locale}).Call(page); err != nil {
		return err
	}
	_, err := page.SetExtraHeaders(extraHeaders)
	return err
}

// passEmailGate fills the login interstitial some listings show first
func (s *session) passEmailGate(ctx context.Context, page *rod.Page, log *zap.Logger) {
	info, err := page.Info()
	onLogin := err == nil && strings.Contains(strings.ToLower(info.URL), "login")

	p := page.Timeout(stepTimeout)
	defer p.CancelTimeout()

	has, input, err := p.Has("input[type='email'], input[name='email'], input[placeholder*='email']")
	if err != nil || !has {
		if onLogin {
			log.Debug("login page without email field")
		}
		return
	}

	log.Debug("email gate found")
	if err := input.Input(gateEmail); err != nil {
		log.Debug("email gate fill failed", zap.Error(err))
		return
	}

	has, button, err := p.HasR("button", continueText)
	if err != nil || !has {
		has, button, err = p.Has("button[type='submit']")
	}
	if err != nil || !has {
		return
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		log.Debug("email gate submit failed", zap.Error(err))
		return
	}
	_ = wait(ctx, stepTimeout)
}

func dismissConsent(page *rod.Page, log *zap.Logger) {
	p := page.Timeout(stepTimeout)
	defer p.CancelTimeout()

	has, button, err := p.HasR("button", consentText)
	if err != nil || !has {
		return
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		log.Debug("consent dismissal failed", zap.Error(err))
	}
}

// revealContact clicks the last "show phone" control; reports whether it clicked
func (s *session) revealContact(page *rod.Page, log *zap.Logger) bool {
	p := page.Timeout(stepTimeout)
	defer p.CancelTimeout()

	var target *rod.Element
	if buttons, err := p.Elements("[data-testid='show-phone']"); err == nil && len(buttons) > 0 {
		target = buttons.Last()
	}
	if target == nil {
		for _, tag := range []string{"button", "a"} {
			if has, el, err := p.HasR(tag, revealText); err == nil && has {
				target = el
				break
			}
		}
	}
	if target == nil {
		log.Debug("no reveal control found")
		return false
	}

	if err := target.ScrollIntoView(); err != nil {
		log.Debug("reveal scroll failed", zap.Error(err))
	}
	if err := target.Click(proto.InputMouseButtonLeft, 1); err != nil {
		log.Debug("reveal click failed", zap.Error(err))
		return false
	}
	return true
}

func phoneFromTelLinks(page *rod.Page) (string, bool) {
	links, err := page.Elements("a[href^='tel:']")
	if err != nil {
		return "", false
	}
	for _, link := range links {
		href, err := link.Attribute("href")
		if err != nil || href == nil {
			continue
		}
		if found, ok := phone.FromTelHref(*href); ok {
			return found, true
		}
	}
	return "", false
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "page abandoned")
	case <-timer.C:
		return nil
	}
}
