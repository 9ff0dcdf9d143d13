package interact

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

// DismissStrategy is one way of closing an overlay.
type DismissStrategy struct {
	Name string
	Do   func(ctx context.Context, ix *Interactor) error
}

// OutsideClick clicks the page margin, away from any popup.
func OutsideClick() DismissStrategy {
	return DismissStrategy{Name: "outside_click", Do: func(ctx context.Context, ix *Interactor) error {
		return ix.page.ClickAt(ctx, 5, 5)
	}}
}

// PressEscape sends Escape to the focused element.
func PressEscape() DismissStrategy {
	return DismissStrategy{Name: "escape", Do: func(ctx context.Context, ix *Interactor) error {
		return ix.page.Press(ctx, browser.KeyEscape)
	}}
}

// CloseControl clicks an explicit close button.
func CloseControl(chain []browser.Selector) DismissStrategy {
	return DismissStrategy{Name: "close_control", Do: func(ctx context.Context, ix *Interactor) error {
		_, err := ix.ClickFirst(ctx, chain, time.Second)
		return err
	}}
}

// Dismiss tries each strategy in order until overlay is no longer visible and
// reports whether it is gone. Strategy failures are logged and skipped.
func (ix *Interactor) Dismiss(ctx context.Context, overlay []browser.Selector, strategies ...DismissStrategy) bool {
	for _, s := range strategies {
		visible, err := ix.Present(ctx, overlay)
		if err != nil {
			ix.logger.Debug("Overlay probe failed.", zap.Error(err))
			return false
		}
		if !visible {
			return true
		}
		if err := s.Do(ctx, ix); err != nil {
			ix.logger.Debug("Dismiss strategy failed.", zap.String("strategy", s.Name), zap.Error(err))
			continue
		}
		_ = ix.h.Sleep(ctx, 3*ix.opts.PollInterval)
	}
	visible, err := ix.Present(ctx, overlay)
	return err == nil && !visible
}
