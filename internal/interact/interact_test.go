package interact

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/browser/browsertest"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/humanoid"
)

func fastTyping() config.TypingConfig {
	return config.TypingConfig{
		KeyDelayMin:      0,
		KeyDelayMax:      time.Millisecond,
		ActionDelayMin:   0,
		ActionDelayMax:   time.Millisecond,
		LocatePasses:     3,
		LocateBackoffMin: 5 * time.Millisecond,
		LocateBackoffMax: 10 * time.Millisecond,
	}
}

func newTestInteractor(t *testing.T, page browser.Page, opts Options) *Interactor {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.ListboxWait == 0 {
		opts.ListboxWait = 30 * time.Millisecond
	}
	return New(page, humanoid.New(fastTyping(), nil, 1), zaptest.NewLogger(t), opts)
}

var (
	emailPrimary  = browser.CSS(`input[name="email"]`)
	emailFallback = browser.Placeholder("Work email address")
	emailLabel    = browser.Label("Email")
	emailChain    = []browser.Selector{emailPrimary, emailFallback, emailLabel}
)

func TestLocate(t *testing.T) {
	ctx := context.Background()

	t.Run("first selector wins", func(t *testing.T) {
		page := browsertest.New()
		page.Set(browsertest.Input(), emailPrimary)
		page.Set(browsertest.Input(), emailFallback)
		ix := newTestInteractor(t, page, Options{})

		el, err := ix.Locate(ctx, emailChain, time.Second, Require{Editable: true})
		require.NoError(t, err)
		assert.Equal(t, emailPrimary, el.Selector)
		st, _ := page.Probe(ctx, emailPrimary)
		assert.Equal(t, st.Ref, el.Ref())
	})

	t.Run("falls back when the primary selector drifted", func(t *testing.T) {
		page := browsertest.New()
		page.Set(browsertest.Input(), emailLabel)
		ix := newTestInteractor(t, page, Options{})

		el, err := ix.Locate(ctx, emailChain, 300*time.Millisecond, Require{Editable: true})
		require.NoError(t, err)
		assert.Equal(t, emailLabel, el.Selector)
	})

	t.Run("hidden and disabled matches are skipped", func(t *testing.T) {
		page := browsertest.New()
		page.Set(&browsertest.Element{Visible: false, Enabled: true, Editable: true}, emailPrimary)
		page.Set(&browsertest.Element{Visible: true, Enabled: false, Editable: true}, emailFallback)
		good := browsertest.Input()
		page.Set(good, emailLabel)
		ix := newTestInteractor(t, page, Options{})

		el, err := ix.Locate(ctx, emailChain, 300*time.Millisecond, Require{Editable: true, Enabled: true})
		require.NoError(t, err)
		assert.Equal(t, emailLabel, el.Selector)
	})

	t.Run("read-only field never satisfies an editable requirement", func(t *testing.T) {
		page := browsertest.New()
		page.Set(&browsertest.Element{Visible: true, Enabled: true, Editable: false}, emailPrimary)
		ix := newTestInteractor(t, page, Options{})

		_, err := ix.Locate(ctx, emailChain, 60*time.Millisecond, Require{Editable: true})
		assert.ErrorIs(t, err, ErrNotFound)

		el, err := ix.Locate(ctx, emailChain, 60*time.Millisecond, Require{})
		require.NoError(t, err, "without the requirement the same element is acceptable")
		assert.Equal(t, emailPrimary, el.Selector)
	})

	t.Run("element appearing during a later pass is found", func(t *testing.T) {
		page := browsertest.New()
		ix := newTestInteractor(t, page, Options{})
		go func() {
			time.Sleep(40 * time.Millisecond)
			page.Set(browsertest.Input(), emailFallback)
		}()

		el, err := ix.Locate(ctx, emailChain, 600*time.Millisecond, Require{Editable: true})
		require.NoError(t, err)
		assert.Equal(t, emailFallback, el.Selector)
	})

	t.Run("not found after all passes", func(t *testing.T) {
		page := browsertest.New()
		ix := newTestInteractor(t, page, Options{})

		start := time.Now()
		_, err := ix.Locate(ctx, emailChain, 90*time.Millisecond, Require{})
		require.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), emailLabel.String())
		assert.Less(t, time.Since(start), 2*time.Second)

		probed := map[string]int{}
		for _, s := range page.Probes {
			probed[s.String()]++
		}
		for _, s := range emailChain {
			assert.GreaterOrEqual(t, probed[s.String()], 3, "every selector is probed in each of the three passes")
		}
	})

	t.Run("driver loss aborts immediately", func(t *testing.T) {
		page := browsertest.New()
		page.Err = browser.ErrDriverLost
		ix := newTestInteractor(t, page, Options{})

		_, err := ix.Locate(ctx, emailChain, time.Second, Require{})
		assert.ErrorIs(t, err, browser.ErrDriverLost)
		assert.False(t, errors.Is(err, ErrNotFound))
	})
}

func TestTypeWithVerification(t *testing.T) {
	ctx := context.Background()

	t.Run("typing over an existing value replaces it", func(t *testing.T) {
		page := browsertest.New()
		field := page.Set(browsertest.Input(), emailPrimary)
		page.SetValue(field, "stale@example.com")
		ix := newTestInteractor(t, page, Options{})

		out, err := ix.Fill(ctx, emailChain, "ada@example.com", time.Second)
		require.NoError(t, err)
		assert.Equal(t, FillVerified, out)
		assert.Equal(t, "ada@example.com", page.ElementValue(field))
		assert.Contains(t, page.Keys, "Ctrl+a")
	})

	t.Run("one dropped keystroke is repaired by the retry", func(t *testing.T) {
		page := browsertest.New()
		field := browsertest.Input()
		dropped := false
		field.Filter = func(v string) string {
			if !dropped && strings.HasSuffix(v, "c") {
				dropped = true
				return strings.TrimSuffix(v, "c")
			}
			return v
		}
		page.Set(field, emailPrimary)
		ix := newTestInteractor(t, page, Options{})

		out, err := ix.Fill(ctx, emailChain, "abcd", time.Second)
		require.NoError(t, err)
		assert.Equal(t, FillVerified, out)
		assert.Equal(t, "abcd", page.ElementValue(field))
	})

	masked := func() *browsertest.Element {
		el := browsertest.Input()
		el.Filter = func(v string) string { return strings.ReplaceAll(v, "-", "") }
		return el
	}

	t.Run("persistent mismatch with content is lenient", func(t *testing.T) {
		page := browsertest.New()
		page.Set(masked(), emailPrimary)
		ix := newTestInteractor(t, page, Options{})

		out, err := ix.Fill(ctx, emailChain, "555-0100", time.Second)
		require.NoError(t, err)
		assert.Equal(t, FillLenient, out)
		assert.True(t, out.OK())
	})

	t.Run("strict mode rejects lenient content", func(t *testing.T) {
		page := browsertest.New()
		page.Set(masked(), emailPrimary)
		ix := newTestInteractor(t, page, Options{StrictFill: true})

		out, err := ix.Fill(ctx, emailChain, "555-0100", time.Second)
		require.NoError(t, err)
		assert.Equal(t, FillFailed, out)
	})

	t.Run("field that stays empty fails", func(t *testing.T) {
		page := browsertest.New()
		el := browsertest.Input()
		el.Filter = func(string) string { return "" }
		page.Set(el, emailPrimary)
		ix := newTestInteractor(t, page, Options{})

		out, err := ix.Fill(ctx, emailChain, "x", time.Second)
		require.NoError(t, err)
		assert.Equal(t, FillFailed, out)
		assert.False(t, out.OK())
	})
}

func TestSelectFromDropdown(t *testing.T) {
	ctx := context.Background()
	cityInput := browser.CSS(`input[aria-label="City"]`)
	option := browser.CSS(`[role="listbox"] [role="option"]`)

	setup := func(t *testing.T, showAfter int) (*browsertest.FakePage, *Interactor, Element, *browsertest.Element) {
		page := browsertest.New()
		field := browsertest.Input()
		typed := 0
		field.OnInput = func(p *browsertest.FakePage, _ *browsertest.Element) {
			typed++
			if showAfter > 0 && typed >= showAfter {
				p.Set(browsertest.Button("Lisbon, Portugal"), option)
			}
		}
		field.OnKey = func(p *browsertest.FakePage, key browser.Key) {
			if key == browser.KeyEnter {
				p.Remove(option)
			}
		}
		page.Set(field, cityInput)
		ix := newTestInteractor(t, page, Options{})
		el, err := ix.Locate(ctx, []browser.Selector{cityInput}, time.Second, Require{Editable: true})
		require.NoError(t, err)
		return page, ix, el, field
	}

	t.Run("listbox appears", func(t *testing.T) {
		page, ix, el, _ := setup(t, len("Lisbon"))
		out, err := ix.SelectFromDropdown(ctx, el, "Lisbon", false)
		require.NoError(t, err)
		assert.Equal(t, DropdownSelected, out)
		assert.Equal(t, []string{"Ctrl+a", string(browser.KeyBackspace), string(browser.KeyArrowDown), string(browser.KeyEnter)}, page.Keys)
	})

	t.Run("extra character provokes the listbox", func(t *testing.T) {
		_, ix, el, field := setup(t, len("Lisbon")+1)
		out, err := ix.SelectFromDropdown(ctx, el, "Lisbon", false)
		require.NoError(t, err)
		assert.Equal(t, DropdownSelected, out)
		assert.Equal(t, "Lisbon ", field.Value)
	})

	t.Run("free text when no listbox ever renders", func(t *testing.T) {
		page, ix, el, field := setup(t, 0)
		out, err := ix.SelectFromDropdown(ctx, el, "Lisbon", true)
		require.NoError(t, err)
		assert.Equal(t, DropdownFreeText, out)
		assert.Equal(t, "Lisbon", page.ElementValue(field))
	})

	t.Run("failed when free text is not allowed", func(t *testing.T) {
		_, ix, el, _ := setup(t, 0)
		out, err := ix.SelectFromDropdown(ctx, el, "Lisbon", false)
		require.NoError(t, err)
		assert.Equal(t, DropdownFailed, out)
	})
}

func TestClickHelpers(t *testing.T) {
	ctx := context.Background()
	next := browser.Text("button", "Next")

	t.Run("ClickFirst clicks the located element", func(t *testing.T) {
		page := browsertest.New()
		clicked := false
		btn := browsertest.Button("Next")
		btn.OnClick = func(*browsertest.FakePage) { clicked = true }
		page.Set(btn, next)
		ix := newTestInteractor(t, page, Options{})

		_, err := ix.ClickFirst(ctx, []browser.Selector{next}, time.Second)
		require.NoError(t, err)
		assert.True(t, clicked)
	})

	t.Run("CheckOption leaves a checked box alone", func(t *testing.T) {
		page := browsertest.New()
		box := &browsertest.Element{Visible: true, Enabled: true, Checked: true}
		sel := browser.Label("Web Development")
		page.Set(box, sel)
		ix := newTestInteractor(t, page, Options{})

		checked, err := ix.CheckOption(ctx, []browser.Selector{sel}, time.Second)
		require.NoError(t, err)
		assert.True(t, checked)
		assert.Empty(t, page.Clicks)
	})

	t.Run("CheckOption clicks and reads back", func(t *testing.T) {
		page := browsertest.New()
		box := &browsertest.Element{Visible: true, Enabled: true}
		box.OnClick = func(p *browsertest.FakePage) { box.Checked = true }
		sel := browser.Label("Web Development")
		page.Set(box, sel)
		ix := newTestInteractor(t, page, Options{})

		checked, err := ix.CheckOption(ctx, []browser.Selector{sel}, time.Second)
		require.NoError(t, err)
		assert.True(t, checked)
		assert.Len(t, page.Clicks, 1)
	})
}

func TestDismiss(t *testing.T) {
	ctx := context.Background()
	overlay := []browser.Selector{browser.CSS(".datepicker")}
	closeBtn := []browser.Selector{browser.CSS(".datepicker .close")}

	t.Run("falls through to the close control", func(t *testing.T) {
		page := browsertest.New()
		page.Set(browsertest.Button(""), overlay...)
		closer := browsertest.Button("x")
		closer.OnClick = func(p *browsertest.FakePage) { p.Remove(overlay...) }
		page.Set(closer, closeBtn...)
		ix := newTestInteractor(t, page, Options{})

		gone := ix.Dismiss(ctx, overlay, OutsideClick(), PressEscape(), CloseControl(closeBtn))
		assert.True(t, gone)
		assert.Len(t, page.ClicksAt, 1)
		assert.Contains(t, page.Keys, string(browser.KeyEscape))
	})

	t.Run("stops at the first strategy that works", func(t *testing.T) {
		page := browsertest.New()
		page.Set(browsertest.Button(""), overlay...)
		ix := newTestInteractor(t, page, Options{})

		escapeCloses := DismissStrategy{Name: "escape", Do: func(ctx context.Context, ix *Interactor) error {
			page.Remove(overlay...)
			return nil
		}}
		assert.True(t, ix.Dismiss(ctx, overlay, escapeCloses, CloseControl(closeBtn)))
		assert.Empty(t, page.Clicks)
	})

	t.Run("reports an overlay that will not close", func(t *testing.T) {
		page := browsertest.New()
		page.Set(browsertest.Button(""), overlay...)
		ix := newTestInteractor(t, page, Options{})
		assert.False(t, ix.Dismiss(ctx, overlay, OutsideClick(), PressEscape()))
	})
}

func TestArtifacts(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New()
	a := NewArtifacts(page, "/tmp/pp-artifacts", "run-1", zaptest.NewLogger(t))

	assert.Equal(t, "/tmp/pp-artifacts/run-1/001-before_title.png", a.Capture(ctx, "before title"))
	page.ScreenshotErr = errors.New("target closed")
	assert.Empty(t, a.Capture(ctx, "lost"), "failures are swallowed")
	page.ScreenshotErr = nil
	a.Capture(ctx, "after")

	list := a.List()
	require.Len(t, list, 2)
	assert.Equal(t, "before title", list[0].Name)
	assert.Equal(t, "/tmp/pp-artifacts/run-1/003-after.png", list[1].Path)

	disabled := NewArtifacts(page, "", "run-2", zaptest.NewLogger(t))
	assert.Empty(t, disabled.Capture(ctx, "x"))
}
