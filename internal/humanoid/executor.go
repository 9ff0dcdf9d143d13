// Filename: internal/humanoid/executor.go
package humanoid

import (
	"context"
	"time"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

// Executor performs the waits the humanoid schedules. Tests swap it for one
// that records durations instead of sleeping.
type Executor interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Keyboard is the slice of browser.Page the humanoid types through.
type Keyboard interface {
	InsertText(ctx context.Context, text string) error
	Press(ctx context.Context, key browser.Key, mods ...browser.Modifier) error
}

// ClockExecutor sleeps on the wall clock and returns early when ctx is done.
type ClockExecutor struct{}

func (ClockExecutor) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
