package humanoid

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

// Type injects text one character at a time with a randomized delay between
// characters. The focused element receives the input.
func (h *Humanoid) Type(ctx context.Context, kb Keyboard, text string) error {
	runes := []rune(text)
	for i, r := range runes {
		if err := kb.InsertText(ctx, string(r)); err != nil {
			return fmt.Errorf("humanoid: failed to send key %q: %w", r, err)
		}
		if i == len(runes)-1 {
			break
		}
		if err := h.Sleep(ctx, h.KeyDelay()); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties the focused field with select-all followed by Backspace.
func (h *Humanoid) Clear(ctx context.Context, kb Keyboard) error {
	if err := kb.Press(ctx, "a", browser.ModCtrl); err != nil {
		return fmt.Errorf("humanoid: select-all failed: %w", err)
	}
	if err := h.Sleep(ctx, h.KeyDelay()); err != nil {
		return err
	}
	if err := kb.Press(ctx, browser.KeyBackspace); err != nil {
		return fmt.Errorf("humanoid: backspace failed: %w", err)
	}
	return nil
}

// Press sends a single key after a short human delay.
func (h *Humanoid) Press(ctx context.Context, kb Keyboard, key browser.Key) error {
	if err := h.Sleep(ctx, h.KeyDelay()); err != nil {
		return err
	}
	return kb.Press(ctx, key)
}
