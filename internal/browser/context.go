// internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from primary (which carries the CDP target)
// that is also canceled when secondary, the caller's operational context, is done.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext keeps its parent's values but none of its deadline or cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                     { return nil }
func (valueOnlyContext) Err() error                                { return nil }

// Detach returns a context carrying ctx's values that ignores ctx's cancellation.
// A stage that has started runs to completion on such a context, bounded only by its own timeouts.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
