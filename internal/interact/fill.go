package interact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

// FillOutcome classifies how a typed value read back.
type FillOutcome string

const (
	FillVerified FillOutcome = "verified"
	// FillLenient means the field holds something other than the intended text
	// after a retry, e.g. because an input mask reformatted it.
	FillLenient FillOutcome = "lenient"
	FillFailed  FillOutcome = "failed"
)

// OK reports whether the outcome lets the stage proceed.
func (o FillOutcome) OK() bool { return o == FillVerified || o == FillLenient }

// DropdownOutcome classifies how a dropdown interaction ended.
type DropdownOutcome string

const (
	DropdownSelected DropdownOutcome = "selected"
	DropdownFreeText DropdownOutcome = "free_text"
	DropdownFailed   DropdownOutcome = "failed"
)

// OK reports whether the outcome lets the stage proceed.
func (o DropdownOutcome) OK() bool { return o == DropdownSelected || o == DropdownFreeText }

// enterText focuses el, clears it and types text with human pacing.
func (ix *Interactor) enterText(ctx context.Context, el Element, text string) error {
	if err := ix.page.Click(ctx, el.Ref()); err != nil {
		if ferr := ix.page.Focus(ctx, el.Ref()); ferr != nil {
			return fmt.Errorf("could not focus %s: %w", el.Selector, err)
		}
	}
	if err := ix.h.Clear(ctx, ix.page); err != nil {
		return err
	}
	return ix.h.Type(ctx, ix.page, text)
}

// TypeWithVerification types text into el and reads it back. A mismatch is
// retried once with a fresh clear. The returned error is reserved for driver
// and context failures; a value that never sticks is reported as FillFailed.
func (ix *Interactor) TypeWithVerification(ctx context.Context, el Element, text string) (FillOutcome, error) {
	var got string
	for attempt := 1; attempt <= 2; attempt++ {
		if err := ix.enterText(ctx, el, text); err != nil {
			return FillFailed, err
		}
		v, err := ix.page.Value(ctx, el.Ref())
		if err != nil {
			return FillFailed, err
		}
		got = v
		if strings.TrimSpace(got) == strings.TrimSpace(text) {
			return FillVerified, nil
		}
		ix.logger.Debug("Typed value did not read back.",
			zap.Stringer("selector", el.Selector),
			zap.Int("attempt", attempt),
			zap.Int("want_len", len(text)),
			zap.Int("got_len", len(got)))
	}

	if strings.TrimSpace(got) == "" {
		return FillFailed, nil
	}
	if ix.opts.StrictFill {
		return FillFailed, nil
	}
	ix.logger.Warn("Accepting unverified field content.", zap.Stringer("selector", el.Selector))
	return FillLenient, nil
}

// Fill locates an editable element through chain and types text into it.
func (ix *Interactor) Fill(ctx context.Context, chain []browser.Selector, text string, timeout time.Duration) (FillOutcome, error) {
	el, err := ix.Locate(ctx, chain, timeout, Require{Editable: true, Enabled: true})
	if err != nil {
		return FillFailed, err
	}
	return ix.TypeWithVerification(ctx, el, text)
}

// SelectFromDropdown types target into an autocomplete field and picks the
// first suggestion. When no option list renders, one extra character is typed
// to provoke it; if the list still does not appear the typed text is kept as
// free text when allowed.
func (ix *Interactor) SelectFromDropdown(ctx context.Context, el Element, target string, allowFreeText bool) (DropdownOutcome, error) {
	if err := ix.enterText(ctx, el, target); err != nil {
		return DropdownFailed, err
	}

	shown, err := ix.WaitPresent(ctx, ix.opts.ListboxChain, ix.opts.ListboxWait)
	if err != nil {
		return DropdownFailed, err
	}
	if !shown {
		if err := ix.h.Type(ctx, ix.page, " "); err != nil {
			return DropdownFailed, err
		}
		if shown, err = ix.WaitPresent(ctx, ix.opts.ListboxChain, ix.opts.ListboxWait); err != nil {
			return DropdownFailed, err
		}
	}

	if shown {
		if err := ix.h.Press(ctx, ix.page, browser.KeyArrowDown); err != nil {
			return DropdownFailed, err
		}
		if err := ix.h.Press(ctx, ix.page, browser.KeyEnter); err != nil {
			return DropdownFailed, err
		}
		return DropdownSelected, nil
	}

	if !allowFreeText {
		return DropdownFailed, nil
	}
	// Drop the provoking character so the field holds exactly the target.
	if err := ix.h.Press(ctx, ix.page, browser.KeyBackspace); err != nil {
		return DropdownFailed, err
	}
	ix.logger.Debug("No suggestions rendered; keeping free text.", zap.Stringer("selector", el.Selector))
	return DropdownFreeText, nil
}
