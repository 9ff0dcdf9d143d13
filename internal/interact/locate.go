// Package interact implements the resilient primitives every wizard stage is
// built from: locating elements through selector chains, verified typing,
// dropdown selection, overlay dismissal and evidence screenshots.
package interact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/humanoid"
)

// ErrNotFound is returned when no selector in a chain yields an acceptable element.
var ErrNotFound = errors.New("element not found")

const defaultPoll = 100 * time.Millisecond

// Require lists the properties a located element must have besides being visible.
type Require struct {
	Editable bool
	Enabled  bool
}

// Element is a located element together with the selector that found it.
type Element struct {
	Selector browser.Selector
	State    browser.ElementState
}

// Ref addresses the element in later page calls.
func (e Element) Ref() string { return e.State.Ref }

// Options tunes an Interactor.
type Options struct {
	// StrictFill turns a lenient fill (non-empty but unverified) into a failure.
	StrictFill   bool
	ListboxWait  time.Duration
	ListboxChain []browser.Selector
	PollInterval time.Duration
}

// DefaultListboxChain matches the usual ARIA and menu renderings of an autocomplete popup.
var DefaultListboxChain = []browser.Selector{
	browser.CSS(`[role="listbox"] [role="option"]`),
	browser.CSS(`[role="listbox"]`),
	browser.CSS(`ul[role="menu"] li`),
	browser.CSS(`.air3-typeahead-menu-list-item, .up-menu-item`),
}

// Interactor performs resilient interactions against one page.
type Interactor struct {
	page   browser.Page
	h      *humanoid.Humanoid
	logger *zap.Logger
	opts   Options
}

// New creates an Interactor.
func New(page browser.Page, h *humanoid.Humanoid, logger *zap.Logger, opts Options) *Interactor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPoll
	}
	if opts.ListboxWait <= 0 {
		opts.ListboxWait = 2 * time.Second
	}
	if len(opts.ListboxChain) == 0 {
		opts.ListboxChain = DefaultListboxChain
	}
	return &Interactor{page: page, h: h, logger: logger.Named("interact"), opts: opts}
}

// Page returns the page the interactor drives.
func (ix *Interactor) Page() browser.Page { return ix.page }

// Humanoid returns the pacing controller.
func (ix *Interactor) Humanoid() *humanoid.Humanoid { return ix.h }

func acceptable(st browser.ElementState, req Require) bool {
	if !st.Found || !st.Visible {
		return false
	}
	if req.Enabled && !st.Enabled {
		return false
	}
	if req.Editable && !st.Editable {
		return false
	}
	return true
}

func chainString(chain []browser.Selector) string {
	parts := make([]string, len(chain))
	for i, s := range chain {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// Locate walks chain up to the configured number of passes and returns the
// first visible element satisfying req. Each selector gets an equal share of
// timeout and is re-probed every poll interval within that share; passes are
// separated by a randomized backoff.
func (ix *Interactor) Locate(ctx context.Context, chain []browser.Selector, timeout time.Duration, req Require) (Element, error) {
	if len(chain) == 0 {
		return Element{}, fmt.Errorf("%w: empty selector chain", ErrNotFound)
	}
	passes := ix.h.Config().LocatePasses
	if passes <= 0 {
		passes = 1
	}
	share := timeout / time.Duration(passes*len(chain))
	if share < ix.opts.PollInterval {
		share = ix.opts.PollInterval
	}

	for pass := 1; pass <= passes; pass++ {
		for _, sel := range chain {
			el, ok, err := ix.pollSelector(ctx, sel, share, req)
			if err != nil {
				return Element{}, err
			}
			if ok {
				if pass > 1 || sel != chain[0] {
					ix.logger.Debug("Located element through fallback selector.",
						zap.Stringer("selector", sel), zap.Int("pass", pass))
				}
				return el, nil
			}
		}
		if pass < passes {
			if err := ix.h.Sleep(ctx, ix.h.LocateBackoff()); err != nil {
				return Element{}, err
			}
		}
	}
	return Element{}, fmt.Errorf("%w: %s", ErrNotFound, chainString(chain))
}

// pollSelector probes one selector until it matches or its share of the timeout runs out.
func (ix *Interactor) pollSelector(ctx context.Context, sel browser.Selector, share time.Duration, req Require) (Element, bool, error) {
	deadline := time.Now().Add(share)
	for {
		st, err := ix.page.Probe(ctx, sel)
		switch {
		case err == nil:
			if acceptable(st, req) {
				return Element{Selector: sel, State: st}, true, nil
			}
		case errors.Is(err, browser.ErrDriverLost) || ctx.Err() != nil:
			return Element{}, false, err
		default:
			ix.logger.Debug("Probe failed; treating as a miss.", zap.Stringer("selector", sel), zap.Error(err))
		}

		if time.Now().Add(ix.opts.PollInterval).After(deadline) {
			return Element{}, false, nil
		}
		if err := ix.h.Sleep(ctx, ix.opts.PollInterval); err != nil {
			return Element{}, false, err
		}
	}
}

// Present reports whether any selector in chain currently matches a visible element.
// It probes once per selector and never waits.
func (ix *Interactor) Present(ctx context.Context, chain []browser.Selector) (bool, error) {
	for _, sel := range chain {
		st, err := ix.page.Probe(ctx, sel)
		if err != nil {
			if errors.Is(err, browser.ErrDriverLost) || ctx.Err() != nil {
				return false, err
			}
			continue
		}
		if st.Found && st.Visible {
			return true, nil
		}
	}
	return false, nil
}

// WaitPresent polls chain until something in it is visible or timeout elapses.
func (ix *Interactor) WaitPresent(ctx context.Context, chain []browser.Selector, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := ix.Present(ctx, chain)
		if err != nil || ok {
			return ok, err
		}
		if time.Now().Add(ix.opts.PollInterval).After(deadline) {
			return false, nil
		}
		if err := ix.h.Sleep(ctx, ix.opts.PollInterval); err != nil {
			return false, err
		}
	}
}

// ClickFirst locates the first enabled element of chain and clicks it.
func (ix *Interactor) ClickFirst(ctx context.Context, chain []browser.Selector, timeout time.Duration) (Element, error) {
	el, err := ix.Locate(ctx, chain, timeout, Require{Enabled: true})
	if err != nil {
		return Element{}, err
	}
	if err := ix.h.Pause(ctx); err != nil {
		return Element{}, err
	}
	if err := ix.page.Click(ctx, el.Ref()); err != nil {
		return Element{}, fmt.Errorf("click on %s failed: %w", el.Selector, err)
	}
	return el, nil
}

// CheckOption ensures the first enabled element of chain is checked. It reports
// whether the element reads back as checked; custom widgets that do not expose
// state read back false even when the click took.
func (ix *Interactor) CheckOption(ctx context.Context, chain []browser.Selector, timeout time.Duration) (bool, error) {
	el, err := ix.Locate(ctx, chain, timeout, Require{Enabled: true})
	if err != nil {
		return false, err
	}
	if el.State.Checked {
		return true, nil
	}
	if err := ix.h.Pause(ctx); err != nil {
		return false, err
	}
	if err := ix.page.Click(ctx, el.Ref()); err != nil {
		return false, fmt.Errorf("click on %s failed: %w", el.Selector, err)
	}
	st, err := ix.page.Probe(ctx, browser.CSS(el.Ref()))
	if err != nil {
		return false, err
	}
	return st.Checked, nil
}
