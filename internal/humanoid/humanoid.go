package humanoid

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"

	"github.com/xkilldash9x/profilepilot/internal/config"
)

// rhythmStep advances the noise sampler per keystroke. Small steps give the
// slow drift between faster and slower stretches a real typist shows.
const rhythmStep = 0.17

// Humanoid schedules human-paced input: key cadence, pauses between actions
// and the backoff between retries.
type Humanoid struct {
	cfg  config.TypingConfig
	exec Executor

	mu     sync.Mutex
	rng    *rand.Rand
	rhythm *perlin.Perlin
	tick   float64
}

// New creates a Humanoid. A zero seed picks one from the clock.
func New(cfg config.TypingConfig, exec Executor, seed int64) *Humanoid {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if exec == nil {
		exec = ClockExecutor{}
	}
	return &Humanoid{
		cfg:    cfg,
		exec:   exec,
		rng:    rand.New(rand.NewSource(seed)),
		rhythm: perlin.NewPerlin(2, 2, 3, seed),
	}
}

// Config returns the pacing configuration.
func (h *Humanoid) Config() config.TypingConfig { return h.cfg }

// Between returns a uniformly random duration in [lo, hi].
func (h *Humanoid) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo + time.Duration(h.rng.Int63n(int64(hi-lo)+1))
}

// KeyDelay returns the next inter-character delay, always within the configured bounds.
func (h *Humanoid) KeyDelay() time.Duration {
	lo, hi := h.cfg.KeyDelayMin, h.cfg.KeyDelayMax
	if hi <= lo {
		return lo
	}
	h.mu.Lock()
	h.tick += rhythmStep
	frac := 0.5 + 0.35*h.rhythm.Noise1D(h.tick) + 0.3*(h.rng.Float64()-0.5)
	h.mu.Unlock()

	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return lo + time.Duration(frac*float64(hi-lo))
}

// Sleep waits for d unless ctx ends first.
func (h *Humanoid) Sleep(ctx context.Context, d time.Duration) error {
	return h.exec.Sleep(ctx, d)
}

// Pause waits a random action delay.
func (h *Humanoid) Pause(ctx context.Context) error {
	return h.Sleep(ctx, h.Between(h.cfg.ActionDelayMin, h.cfg.ActionDelayMax))
}

// LocateBackoff returns the randomized wait between two passes over a selector chain.
func (h *Humanoid) LocateBackoff() time.Duration {
	return h.Between(h.cfg.LocateBackoffMin, h.cfg.LocateBackoffMax)
}

// Backoff returns base doubled for every attempt after the first.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}
