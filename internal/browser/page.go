// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/profilepilot/internal/browser/stealth"
)

var (
	// ErrDriverLost is returned once the underlying browser process or tab has gone away.
	ErrDriverLost = errors.New("browser driver lost")
	// ErrNoElement is returned by ref-based calls when the referenced element no longer exists.
	ErrNoElement = errors.New("element not present")
)

// SelectorKind names the strategy a Selector is resolved with.
type SelectorKind string

const (
	KindCSS         SelectorKind = "css"
	KindXPath       SelectorKind = "xpath"
	KindText        SelectorKind = "text"
	KindLabel       SelectorKind = "label"
	KindPlaceholder SelectorKind = "placeholder"
)

// Selector is one way of finding an element. Chains of selectors are tried in order
// so a redesign that breaks one strategy still leaves the others working.
type Selector struct {
	Kind  SelectorKind `json:"kind"`
	Value string       `json:"value"`
	// Tag narrows text matches to a comma separated list of element selectors.
	Tag string `json:"tag,omitempty"`
}

func CSS(v string) Selector         { return Selector{Kind: KindCSS, Value: v} }
func XPath(v string) Selector       { return Selector{Kind: KindXPath, Value: v} }
func Label(v string) Selector       { return Selector{Kind: KindLabel, Value: v} }
func Placeholder(v string) Selector { return Selector{Kind: KindPlaceholder, Value: v} }

// Text matches elements by their visible text, optionally restricted to tag.
func Text(tag, v string) Selector { return Selector{Kind: KindText, Value: v, Tag: tag} }

func (s Selector) String() string {
	if s.Tag != "" {
		return fmt.Sprintf("%s(%s)=%s", s.Kind, s.Tag, s.Value)
	}
	return fmt.Sprintf("%s=%s", s.Kind, s.Value)
}

// ElementState is a snapshot of the first visible element matching a selector.
// Ref is a CSS handle that addresses exactly that element in later calls.
type ElementState struct {
	Found    bool   `json:"found"`
	Visible  bool   `json:"visible"`
	Enabled  bool   `json:"enabled"`
	Editable bool   `json:"editable"`
	Checked  bool   `json:"checked"`
	Text     string `json:"text"`
	Value    string `json:"value"`
	Ref      string `json:"ref"`
}

// Cookie is a driver-neutral browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	SameSite string  `json:"sameSite,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
}

// Key is a key value understood by Press.
type Key string

const (
	KeyEnter     Key = kb.Enter
	KeyEscape    Key = kb.Escape
	KeyBackspace Key = kb.Backspace
	KeyTab       Key = kb.Tab
	KeyArrowDown Key = kb.ArrowDown
	KeyArrowUp   Key = kb.ArrowUp
)

// Modifier is a key held while another key is pressed.
type Modifier int

const (
	ModCtrl Modifier = iota + 1
	ModShift
	ModAlt
	ModMeta
)

// Page is the capability surface the automation layers need from a browser tab.
// Every blocking call is bounded by the implementation's own timeout as well as ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)

	Probe(ctx context.Context, sel Selector) (ElementState, error)
	Count(ctx context.Context, sel Selector) (int, error)
	HTML(ctx context.Context, sel Selector) (string, error)
	PageText(ctx context.Context) (string, error)

	Click(ctx context.Context, ref string) error
	ClickAt(ctx context.Context, x, y float64) error
	Focus(ctx context.Context, ref string) error
	InsertText(ctx context.Context, text string) error
	Press(ctx context.Context, key Key, mods ...Modifier) error
	Value(ctx context.Context, ref string) (string, error)

	Screenshot(ctx context.Context, path string) error

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	LocalStorage(ctx context.Context) (map[string]string, error)
	SetLocalStorage(ctx context.Context, items map[string]string) error

	Persona() stealth.Persona
	ApplyPersona(ctx context.Context, p stealth.Persona) error

	Close() error
}
