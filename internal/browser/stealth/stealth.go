package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics an account presents to the site.
// It is captured with the session so a restored account keeps the same fingerprint.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"timezone"`
	Locale    string   `json:"locale"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
}

// DefaultPersona provides a realistic desktop browser profile.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Timezone:  "America/New_York",
	Locale:    "en-US",
	Width:     1366,
	Height:    768,
}

// FromConfig builds the persona configured for new accounts.
func FromConfig(cfg config.BrowserConfig) Persona {
	p := DefaultPersona
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.Timezone != "" {
		p.Timezone = cfg.Timezone
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
		p.Languages = languagesFor(cfg.Locale)
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		p.Width, p.Height = cfg.ViewportWidth, cfg.ViewportHeight
	}
	return p
}

// Merge returns p with every empty field filled from fallback.
func (p Persona) Merge(fallback Persona) Persona {
	if p.UserAgent == "" {
		p.UserAgent = fallback.UserAgent
	}
	if p.Platform == "" {
		p.Platform = fallback.Platform
	}
	if len(p.Languages) == 0 {
		p.Languages = fallback.Languages
	}
	if p.Timezone == "" {
		p.Timezone = fallback.Timezone
	}
	if p.Locale == "" {
		p.Locale = fallback.Locale
	}
	if p.Width == 0 || p.Height == 0 {
		p.Width, p.Height = fallback.Width, fallback.Height
	}
	return p
}

// AcceptLanguage renders the Accept-Language header matching the persona's languages.
func (p Persona) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return "en-US,en;q=0.9"
	}
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// languagesFor derives the navigator.languages list from a locale like "en-GB".
func languagesFor(locale string) []string {
	base, _, found := strings.Cut(locale, "-")
	if !found || base == "" {
		return []string{locale}
	}
	return []string{locale, base}
}

// Apply builds the CDP actions that make the headless browser present the persona.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("timezone", p.Timezone),
		zap.String("locale", p.Locale),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithAcceptLanguage(p.AcceptLanguage()).
			WithPlatform(p.Platform),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": p.AcceptLanguage()}),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if p.Width > 0 && p.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(int64(p.Width), int64(p.Height), 1, false))
	}
	return tasks
}
