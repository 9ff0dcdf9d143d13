// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser/stealth"
)

// Session is one Chrome tab driven over CDP. It implements Page.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	navTimeout    time.Duration
	actionTimeout time.Duration

	mu       sync.Mutex
	persona  stealth.Persona
	onClose  func()
	isClosed bool
}

var _ Page = (*Session)(nil)

// NewSession wraps an already created chromedp tab context.
// cancel tears the tab (and, for per-account browsers, the process) down.
func NewSession(ctx context.Context, cancel context.CancelFunc, persona stealth.Persona, navTimeout, actionTimeout time.Duration, logger *zap.Logger, onClose func()) *Session {
	id := uuid.New().String()
	if navTimeout <= 0 {
		navTimeout = 60 * time.Second
	}
	if actionTimeout <= 0 {
		actionTimeout = 10 * time.Second
	}
	return &Session{
		id:            id,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With(zap.String("session_id", id)),
		navTimeout:    navTimeout,
		actionTimeout: actionTimeout,
		persona:       persona,
		onClose:       onClose,
	}
}

func (s *Session) ID() string { return s.id }

// run executes actions on the tab, bounded by timeout and the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.ctx.Err() != nil {
		return ErrDriverLost
	}
	opCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	opCtx, cancelTimeout := context.WithTimeout(opCtx, timeout)
	defer cancelTimeout()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if s.ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrDriverLost, err)
		}
		return err
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, s.navTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, s.actionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

func (s *Session) evalProbe(ctx context.Context, mode probeMode, sel Selector) (probeResult, error) {
	var res probeResult
	script, err := buildProbe(mode, sel)
	if err != nil {
		return res, err
	}
	if err := s.run(ctx, s.actionTimeout, chromedp.Evaluate(script, &res)); err != nil {
		return res, fmt.Errorf("probe %s failed: %w", sel, err)
	}
	if res.Error != "" {
		// Malformed selectors behave like misses so fallbacks further down the chain still run.
		s.logger.Debug("Selector rejected by the page.", zap.Stringer("selector", sel), zap.String("error", res.Error))
		return probeResult{}, nil
	}
	return res, nil
}

func (s *Session) Probe(ctx context.Context, sel Selector) (ElementState, error) {
	res, err := s.evalProbe(ctx, modeState, sel)
	return res.ElementState, err
}

func (s *Session) Count(ctx context.Context, sel Selector) (int, error) {
	res, err := s.evalProbe(ctx, modeCount, sel)
	return res.Count, err
}

func (s *Session) HTML(ctx context.Context, sel Selector) (string, error) {
	res, err := s.evalProbe(ctx, modeHTML, sel)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("%s: %w", sel, ErrNoElement)
	}
	return res.HTML, nil
}

func (s *Session) PageText(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, s.actionTimeout, chromedp.Evaluate(pageTextScript, &text)); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return text, nil
}

func (s *Session) Click(ctx context.Context, ref string) error {
	if err := s.run(ctx, s.actionTimeout, chromedp.Click(ref, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click on %s failed: %w", ref, err)
	}
	return nil
}

func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	if err := s.run(ctx, s.actionTimeout, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("click at (%.0f,%.0f) failed: %w", x, y, err)
	}
	return nil
}

func (s *Session) Focus(ctx context.Context, ref string) error {
	if err := s.run(ctx, s.actionTimeout, chromedp.Focus(ref, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus on %s failed: %w", ref, err)
	}
	return nil
}

func (s *Session) InsertText(ctx context.Context, text string) error {
	if err := s.run(ctx, s.actionTimeout, input.InsertText(text)); err != nil {
		return fmt.Errorf("text insertion failed: %w", err)
	}
	return nil
}

func (s *Session) Press(ctx context.Context, key Key, mods ...Modifier) error {
	var opts []chromedp.KeyOption
	if m := cdpModifiers(mods); m != 0 {
		opts = append(opts, chromedp.KeyModifiers(m))
	}
	if err := s.run(ctx, s.actionTimeout, chromedp.KeyEvent(string(key), opts...)); err != nil {
		return fmt.Errorf("key press %q failed: %w", key, err)
	}
	return nil
}

func cdpModifiers(mods []Modifier) input.Modifier {
	var m input.Modifier
	for _, mod := range mods {
		switch mod {
		case ModCtrl:
			m |= input.ModifierCtrl
		case ModShift:
			m |= input.ModifierShift
		case ModAlt:
			m |= input.ModifierAlt
		case ModMeta:
			m |= input.ModifierMeta
		}
	}
	return m
}

func (s *Session) Value(ctx context.Context, ref string) (string, error) {
	arg, err := json.Marshal(ref)
	if err != nil {
		return "", err
	}
	var res struct {
		Found bool   `json:"found"`
		Value string `json:"value"`
	}
	if err := s.run(ctx, s.actionTimeout, chromedp.Evaluate(fmt.Sprintf(valueScript, arg), &res)); err != nil {
		return "", fmt.Errorf("failed to read value of %s: %w", ref, err)
	}
	if !res.Found {
		return "", fmt.Errorf("%s: %w", ref, ErrNoElement)
	}
	return res.Value, nil
}

func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, s.actionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	return os.WriteFile(path, buf, 0o644)
}

// Cookies returns every cookie in the browser context, across all origins.
func (s *Session) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, s.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
			Expires:  c.Expires,
		})
	}
	return out, nil
}

func (s *Session) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		// Session cookies carry a non-positive expiry and must stay session scoped.
		if c.Expires > 0 {
			ts := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &ts
		}
		params = append(params, p)
	}
	if err := s.run(ctx, s.actionTimeout, network.SetCookies(params)); err != nil {
		return fmt.Errorf("failed to set %d cookies: %w", len(params), err)
	}
	return nil
}

// LocalStorage returns the local storage of the current document's origin.
func (s *Session) LocalStorage(ctx context.Context) (map[string]string, error) {
	items := map[string]string{}
	if err := s.run(ctx, s.actionTimeout, chromedp.Evaluate(readStorageScript, &items)); err != nil {
		return nil, fmt.Errorf("failed to read local storage: %w", err)
	}
	return items, nil
}

func (s *Session) SetLocalStorage(ctx context.Context, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	arg, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode local storage: %w", err)
	}
	var n int
	if err := s.run(ctx, s.actionTimeout, chromedp.Evaluate(fmt.Sprintf(writeStorageScript, arg), &n)); err != nil {
		return fmt.Errorf("failed to write local storage: %w", err)
	}
	return nil
}

func (s *Session) Persona() stealth.Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

func (s *Session) ApplyPersona(ctx context.Context, p stealth.Persona) error {
	if err := s.run(ctx, s.actionTimeout, stealth.Apply(p, s.logger)); err != nil {
		return fmt.Errorf("failed to apply persona: %w", err)
	}
	s.mu.Lock()
	s.persona = p
	s.mu.Unlock()
	return nil
}

// Close shuts the tab down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	onClose := s.onClose
	s.mu.Unlock()

	var err error
	if s.ctx.Err() == nil {
		closeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		if cerr := chromedp.Cancel(closeCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("failed to close tab: %w", cerr)
		}
		cancel()
	}
	s.cancel()
	if onClose != nil {
		onClose()
	}
	s.logger.Debug("Browser session closed.")
	return err
}
