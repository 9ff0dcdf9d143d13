// Package browsertest provides an in-memory browser.Page for exercising the
// automation layers without Chrome.
package browsertest

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/browser/stealth"
)

// Element is a scripted element. Hooks run without the page lock held, so they
// may freely call back into the page.
type Element struct {
	Visible  bool
	Enabled  bool
	Editable bool
	Checked  bool
	Text     string
	Value    string
	HTML     string

	// Filter rewrites the field value after each insertion, e.g. to model an input mask.
	Filter func(value string) string
	// OnClick runs after the element is clicked.
	OnClick func(p *FakePage)
	// OnInput runs after text is inserted into the element.
	OnInput func(p *FakePage, el *Element)
	// OnKey runs after a key is pressed while the element has focus.
	OnKey func(p *FakePage, key browser.Key)

	ref string
}

// Input returns a visible, enabled, editable text field.
func Input() *Element { return &Element{Visible: true, Enabled: true, Editable: true} }

// Button returns a visible, enabled control with the given text.
func Button(text string) *Element { return &Element{Visible: true, Enabled: true, Text: text} }

// FakePage is a scriptable browser.Page. Elements are registered per selector;
// a selector with no registered element probes as not found.
type FakePage struct {
	mu sync.Mutex

	url       string
	text      string
	elements  map[string]*Element
	byRef     map[string]*Element
	nextRef   int
	focused   *Element
	selectAll bool

	cookies []browser.Cookie
	storage map[string]map[string]string
	persona stealth.Persona

	// Err, when set, is returned by every driver call.
	Err error
	// ScreenshotErr is returned by Screenshot only.
	ScreenshotErr error
	// NavigateErr maps a URL to the error navigating to it yields.
	NavigateErr map[string]error
	// OnNavigate runs after every successful navigation.
	OnNavigate func(p *FakePage, url string)

	Navigations []string
	Screenshots []string
	Clicks      []string
	ClicksAt    [][2]float64
	Keys        []string
	Probes      []browser.Selector
	closed      bool
}

var _ browser.Page = (*FakePage)(nil)

// New returns an empty page at about:blank.
func New() *FakePage {
	return &FakePage{
		url:         "about:blank",
		elements:    map[string]*Element{},
		byRef:       map[string]*Element{},
		storage:     map[string]map[string]string{},
		NavigateErr: map[string]error{},
	}
}

// Set registers el as the match for every selector given, replacing earlier registrations.
func (p *FakePage) Set(el *Element, sels ...browser.Selector) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.ref == "" {
		p.nextRef++
		el.ref = fmt.Sprintf(`[data-pp-ref="%d"]`, p.nextRef)
		p.byRef[el.ref] = el
	}
	for _, s := range sels {
		p.elements[s.String()] = el
	}
	return el
}

// Remove unregisters the selectors.
func (p *FakePage) Remove(sels ...browser.Selector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range sels {
		delete(p.elements, s.String())
	}
}

// Clear drops every registered element, as a page transition would.
func (p *FakePage) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = map[string]*Element{}
	p.focused = nil
}

// SetURL moves the page without recording a navigation, as a client-side redirect would.
func (p *FakePage) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

// SetText sets the document body text.
func (p *FakePage) SetText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = text
}

// SetValue sets an element's value directly.
func (p *FakePage) SetValue(el *Element, v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el.Value = v
}

// SetHTML replaces an element's markup, as a script rendering new content would.
func (p *FakePage) SetHTML(el *Element, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el.HTML = html
}

// ElementValue reads an element's value under the page lock.
func (p *FakePage) ElementValue(el *Element) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return el.Value
}

// Storage returns a copy of the local storage recorded for origin.
func (p *FakePage) Storage(origin string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]string{}
	for k, v := range p.storage[origin] {
		out[k] = v
	}
	return out
}

// SeedStorage sets local storage for origin directly.
func (p *FakePage) SeedStorage(origin string, items map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage[origin] == nil {
		p.storage[origin] = map[string]string{}
	}
	for k, v := range items {
		p.storage[origin][k] = v
	}
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePage) Navigate(ctx context.Context, u string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	if err := p.NavigateErr[u]; err != nil {
		p.mu.Unlock()
		return err
	}
	p.url = u
	p.Navigations = append(p.Navigations, u)
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(p, u)
	}
	return nil
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *FakePage) Probe(ctx context.Context, sel browser.Selector) (browser.ElementState, error) {
	if err := p.check(ctx); err != nil {
		return browser.ElementState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Probes = append(p.Probes, sel)
	el, ok := p.elements[sel.String()]
	if !ok && sel.Kind == browser.KindCSS {
		// Refs handed out by earlier probes are plain CSS selectors.
		el, ok = p.byRef[sel.Value]
	}
	if !ok {
		return browser.ElementState{}, nil
	}
	return browser.ElementState{
		Found:    true,
		Visible:  el.Visible,
		Enabled:  el.Enabled,
		Editable: el.Editable && el.Enabled,
		Checked:  el.Checked,
		Text:     el.Text,
		Value:    el.Value,
		Ref:      el.ref,
	}, nil
}

func (p *FakePage) Count(ctx context.Context, sel browser.Selector) (int, error) {
	st, err := p.Probe(ctx, sel)
	if err != nil || !st.Found {
		return 0, err
	}
	return 1, nil
}

func (p *FakePage) HTML(ctx context.Context, sel browser.Selector) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[sel.String()]
	if !ok {
		return "", fmt.Errorf("%s: %w", sel, browser.ErrNoElement)
	}
	return el.HTML, nil
}

func (p *FakePage) PageText(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text, nil
}

func (p *FakePage) Click(ctx context.Context, ref string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	el, ok := p.byRef[ref]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", ref, browser.ErrNoElement)
	}
	p.Clicks = append(p.Clicks, ref)
	p.focused = el
	p.selectAll = false
	hook := el.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *FakePage) ClickAt(ctx context.Context, x, y float64) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClicksAt = append(p.ClicksAt, [2]float64{x, y})
	p.focused = nil
	return nil
}

func (p *FakePage) Focus(ctx context.Context, ref string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byRef[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, browser.ErrNoElement)
	}
	p.focused = el
	return nil
}

func (p *FakePage) InsertText(ctx context.Context, text string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	el := p.focused
	if el == nil || !el.Editable || !el.Enabled {
		p.mu.Unlock()
		return nil
	}
	if p.selectAll {
		el.Value = ""
		p.selectAll = false
	}
	el.Value += text
	if el.Filter != nil {
		el.Value = el.Filter(el.Value)
	}
	hook := el.OnInput
	p.mu.Unlock()
	if hook != nil {
		hook(p, el)
	}
	return nil
}

func (p *FakePage) Press(ctx context.Context, key browser.Key, mods ...browser.Modifier) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	name := string(key)
	if len(mods) > 0 && mods[0] == browser.ModCtrl {
		name = "Ctrl+" + name
	}
	p.Keys = append(p.Keys, name)
	el := p.focused
	switch {
	case name == "Ctrl+a":
		p.selectAll = true
	case key == browser.KeyBackspace && el != nil && el.Editable:
		if p.selectAll {
			el.Value = ""
			p.selectAll = false
		} else if n := len([]rune(el.Value)); n > 0 {
			el.Value = string([]rune(el.Value)[:n-1])
		}
	}
	var hook func(*FakePage, browser.Key)
	if el != nil {
		hook = el.OnKey
	}
	p.mu.Unlock()
	if hook != nil {
		hook(p, key)
	}
	return nil
}

func (p *FakePage) Value(ctx context.Context, ref string) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byRef[ref]
	if !ok {
		return "", fmt.Errorf("%s: %w", ref, browser.ErrNoElement)
	}
	return el.Value, nil
}

func (p *FakePage) Screenshot(ctx context.Context, path string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotErr != nil {
		return p.ScreenshotErr
	}
	p.Screenshots = append(p.Screenshots, path)
	return nil
}

func (p *FakePage) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...), nil
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cookies {
		replaced := false
		for i := range p.cookies {
			if p.cookies[i].Name == c.Name && p.cookies[i].Domain == c.Domain && p.cookies[i].Path == c.Path {
				p.cookies[i] = c
				replaced = true
			}
		}
		if !replaced {
			p.cookies = append(p.cookies, c)
		}
	}
	sort.SliceStable(p.cookies, func(i, j int) bool { return p.cookies[i].Name < p.cookies[j].Name })
	return nil
}

func (p *FakePage) LocalStorage(ctx context.Context) (map[string]string, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]string{}
	for k, v := range p.storage[originOf(p.url)] {
		out[k] = v
	}
	return out, nil
}

func (p *FakePage) SetLocalStorage(ctx context.Context, items map[string]string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	origin := originOf(p.url)
	if p.storage[origin] == nil {
		p.storage[origin] = map[string]string{}
	}
	for k, v := range items {
		p.storage[origin][k] = v
	}
	return nil
}

func (p *FakePage) Persona() stealth.Persona {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persona
}

func (p *FakePage) ApplyPersona(ctx context.Context, persona stealth.Persona) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persona = persona
	return nil
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *FakePage) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrDriverLost
	}
	return p.Err
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
