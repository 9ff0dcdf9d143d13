// Package identity keeps an account looking like the same visitor across runs:
// its browser session (cookies, local storage, persona) and its outbound proxy.
package identity

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Meta is the fingerprint the session was captured under.
type Meta struct {
	UserAgent  string `json:"userAgent"`
	Timezone   string `json:"timezone"`
	Locale     string `json:"locale"`
	ProxyLabel string `json:"proxyLabel,omitempty"`
}

// SessionState is everything needed to resume an authenticated session.
type SessionState struct {
	Cookies map[string][]browser.Cookie  `json:"cookies"`
	Storage map[string]map[string]string `json:"storage"`
	Meta    Meta                         `json:"meta"`
}

// Origins returns every origin the state carries data for, sorted.
func (s SessionState) Origins() []string {
	seen := map[string]bool{}
	for o := range s.Cookies {
		seen[o] = true
	}
	for o := range s.Storage {
		seen[o] = true
	}
	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether there is nothing to restore.
func (s SessionState) Empty() bool {
	return len(s.Cookies) == 0 && len(s.Storage) == 0
}

// originOf returns scheme://host of a page URL, or "" for pages without one.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// cookieOrigin groups a cookie under the https origin of its registrable domain,
// so cookies set for www.example.com and .example.com land together.
func cookieOrigin(c browser.Cookie) string {
	host := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if host == "" {
		return ""
	}
	if site, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		host = site
	}
	return "https://" + host
}

// Capture snapshots the page's cookies, its local storage and the persona it runs under.
// Storage is read for the current origin and for every extra origin given; visiting
// an extra origin navigates the page, which is returned to where it started afterwards.
func Capture(ctx context.Context, page browser.Page, proxyLabel string, logger *zap.Logger, extraOrigins ...string) (SessionState, error) {
	state := SessionState{
		Cookies: map[string][]browser.Cookie{},
		Storage: map[string]map[string]string{},
	}
	persona := page.Persona()
	state.Meta = Meta{
		UserAgent:  persona.UserAgent,
		Timezone:   persona.Timezone,
		Locale:     persona.Locale,
		ProxyLabel: proxyLabel,
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return SessionState{}, fmt.Errorf("failed to read cookies: %w", err)
	}
	for _, c := range cookies {
		origin := cookieOrigin(c)
		if origin == "" {
			continue
		}
		state.Cookies[origin] = append(state.Cookies[origin], c)
	}

	start, err := page.URL(ctx)
	if err != nil {
		return SessionState{}, fmt.Errorf("failed to read page url: %w", err)
	}
	if origin := originOf(start); origin != "" {
		items, err := page.LocalStorage(ctx)
		if err != nil {
			return SessionState{}, fmt.Errorf("failed to read local storage of %s: %w", origin, err)
		}
		if len(items) > 0 {
			state.Storage[origin] = items
		}
	}

	moved := false
	for _, origin := range extraOrigins {
		if _, done := state.Storage[origin]; done || origin == originOf(start) {
			continue
		}
		if err := page.Navigate(ctx, origin); err != nil {
			if errors.Is(err, browser.ErrDriverLost) {
				return SessionState{}, err
			}
			logger.Warn("Skipping storage capture for unreachable origin.", zap.String("origin", origin), zap.Error(err))
			continue
		}
		moved = true
		items, err := page.LocalStorage(ctx)
		if err != nil {
			logger.Warn("Failed to read local storage.", zap.String("origin", origin), zap.Error(err))
			continue
		}
		if len(items) > 0 {
			state.Storage[origin] = items
		}
	}
	if moved && start != "" {
		if err := page.Navigate(ctx, start); err != nil {
			logger.Warn("Failed to return to the page the capture started on.", zap.String("url", start), zap.Error(err))
		}
	}
	return state, nil
}

// RestoreReport says what Restore actually applied.
type RestoreReport struct {
	Cookies int
	Origins []string
	Skipped []string
}

// Restore replays a captured session: persona first, then every cookie before
// any navigation, then local storage per origin after navigating there. An origin
// that cannot be reached is logged and skipped; persona and cookie failures abort.
func Restore(ctx context.Context, page browser.Page, state SessionState, logger *zap.Logger) (RestoreReport, error) {
	var report RestoreReport

	persona := page.Persona()
	if state.Meta.UserAgent != "" {
		persona.UserAgent = state.Meta.UserAgent
	}
	if state.Meta.Timezone != "" {
		persona.Timezone = state.Meta.Timezone
	}
	if state.Meta.Locale != "" {
		persona.Locale = state.Meta.Locale
	}
	if err := page.ApplyPersona(ctx, persona); err != nil {
		return report, fmt.Errorf("failed to apply persona: %w", err)
	}

	var cookies []browser.Cookie
	for _, origin := range state.Origins() {
		cookies = append(cookies, state.Cookies[origin]...)
	}
	if len(cookies) > 0 {
		if err := page.SetCookies(ctx, cookies); err != nil {
			return report, fmt.Errorf("failed to set cookies: %w", err)
		}
	}
	report.Cookies = len(cookies)

	storageOrigins := make([]string, 0, len(state.Storage))
	for origin := range state.Storage {
		storageOrigins = append(storageOrigins, origin)
	}
	sort.Strings(storageOrigins)

	for _, origin := range storageOrigins {
		items := state.Storage[origin]
		if len(items) == 0 {
			continue
		}
		if err := page.Navigate(ctx, origin); err != nil {
			if errors.Is(err, browser.ErrDriverLost) {
				return report, err
			}
			logger.Warn("Skipping storage restore for unreachable origin.", zap.String("origin", origin), zap.Error(err))
			report.Skipped = append(report.Skipped, origin)
			continue
		}
		if err := page.SetLocalStorage(ctx, items); err != nil {
			if errors.Is(err, browser.ErrDriverLost) {
				return report, err
			}
			logger.Warn("Failed to write local storage.", zap.String("origin", origin), zap.Error(err))
			report.Skipped = append(report.Skipped, origin)
			continue
		}
		report.Origins = append(report.Origins, origin)
	}
	return report, nil
}

// Encode turns a state into the opaque blob the store keeps: base64(gzip(json)).
func Encode(state SessionState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("failed to compress session: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress session: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(blob string) (SessionState, error) {
	var state SessionState
	compressed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return state, fmt.Errorf("session blob is not base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return state, fmt.Errorf("session blob is not gzip: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return state, fmt.Errorf("failed to decompress session: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return state, nil
}

// SessionStore persists encoded sessions by account id.
type SessionStore interface {
	SaveSession(ctx context.Context, accountID, blob string) error
	LoadSession(ctx context.Context, accountID string) (string, error)
}

// Keeper saves and resumes account sessions through a SessionStore.
type Keeper struct {
	store  SessionStore
	logger *zap.Logger
	now    func() time.Time
}

// NewKeeper creates a Keeper.
func NewKeeper(store SessionStore, logger *zap.Logger) *Keeper {
	return &Keeper{store: store, logger: logger.Named("identity"), now: time.Now}
}

// Save captures the page's session and stores it for the account.
func (k *Keeper) Save(ctx context.Context, accountID string, page browser.Page, proxyLabel string) error {
	logger := k.logger.With(zap.String("account_id", accountID))
	state, err := Capture(ctx, page, proxyLabel, logger)
	if err != nil {
		return err
	}
	blob, err := Encode(state)
	if err != nil {
		return err
	}
	if err := k.store.SaveSession(ctx, accountID, blob); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	logger.Info("Session saved.", zap.Int("origins", len(state.Origins())))
	return nil
}

// Resume restores the account's stored session onto the page. It reports false
// when the account has no usable session, including one whose auth token has
// expired.
func (k *Keeper) Resume(ctx context.Context, accountID string, page browser.Page) (bool, error) {
	logger := k.logger.With(zap.String("account_id", accountID))
	blob, err := k.store.LoadSession(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if blob == "" {
		return false, nil
	}
	state, err := Decode(blob)
	if err != nil {
		logger.Warn("Discarding unreadable session.", zap.Error(err))
		return false, nil
	}
	if state.Empty() {
		return false, nil
	}
	if exp, ok := state.AuthExpiry(); ok && !k.now().Before(exp) {
		logger.Info("Saved session expired; not restoring it.", zap.Time("expired_at", exp))
		return false, nil
	}
	report, err := Restore(ctx, page, state, logger)
	if err != nil {
		return false, err
	}
	logger.Info("Session restored.",
		zap.Int("cookies", report.Cookies),
		zap.Strings("origins", report.Origins),
		zap.Strings("skipped", report.Skipped),
	)
	return true, nil
}
