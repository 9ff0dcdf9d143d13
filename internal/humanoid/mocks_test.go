// FILE: ./internal/humanoid/mocks_test.go
package humanoid

import (
	"context"
	"sync"
	"time"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

// mockExecutor records requested sleeps instead of waiting.
type mockExecutor struct {
	mu             sync.Mutex
	sleepDurations []time.Duration

	// MockSleep replaces the default behavior when set.
	MockSleep func(ctx context.Context, d time.Duration) error
}

func (m *mockExecutor) Sleep(ctx context.Context, d time.Duration) error {
	if m.MockSleep != nil {
		return m.MockSleep(ctx, d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleepDurations = append(m.sleepDurations, d)
	return ctx.Err()
}

func (m *mockExecutor) sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.sleepDurations...)
}

// mockKeyboard records what reached the focused field.
type mockKeyboard struct {
	inserted []string
	pressed  []string
	failOn   int
	calls    int
}

func (k *mockKeyboard) InsertText(ctx context.Context, text string) error {
	k.calls++
	if k.failOn > 0 && k.calls == k.failOn {
		return browser.ErrDriverLost
	}
	k.inserted = append(k.inserted, text)
	return nil
}

func (k *mockKeyboard) Press(ctx context.Context, key browser.Key, mods ...browser.Modifier) error {
	name := string(key)
	if len(mods) > 0 && mods[0] == browser.ModCtrl {
		name = "Ctrl+" + name
	}
	k.pressed = append(k.pressed, name)
	return nil
}
