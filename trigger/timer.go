package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/braidkit/braid/core"
)

// DefaultInterval is the timer period when none is configured.
const DefaultInterval = 60 * time.Second

// Timer fires at a fixed interval, optionally once immediately on start.
// Useful for periodic work like health checks or scheduled processing.
type Timer struct {
	mu        sync.Mutex
	interval  time.Duration
	immediate bool

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Source = (*Timer)(nil)

// NewTimer creates a timer with the default interval.
func NewTimer() *Timer {
	return &Timer{interval: DefaultInterval, stop: make(chan struct{})}
}

// Configure reads interval_seconds (number, default 60) and immediate
// (bool, default false).
func (t *Timer) Configure(cfg map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := cfg["interval_seconds"]; ok {
		d, ok := durationSeconds(v)
		if !ok {
			return fmt.Errorf("timer trigger: interval_seconds must be a number, got %T", v)
		}
		if d <= 0 {
			return fmt.Errorf("timer trigger: interval_seconds must be positive")
		}
		t.interval = d
	}
	if v, ok := cfg["immediate"]; ok {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("timer trigger: immediate must be a bool, got %T", v)
		}
		t.immediate = b
	}
	return nil
}

// Watch implements Source. Each fire carries the interval and a running
// fire count.
func (t *Timer) Watch(ctx context.Context) (<-chan Fire, error) {
	select {
	case <-t.stop:
		return nil, fmt.Errorf("timer trigger: %w", core.ErrClosed)
	default:
	}

	t.mu.Lock()
	interval := t.interval
	immediate := t.immediate
	t.mu.Unlock()

	out := make(chan Fire, 1)
	go func() {
		defer close(out)

		count := 0
		send := func() bool {
			count++
			f := Fire{
				Type: TypeTimer,
				At:   time.Now().UTC(),
				Data: map[string]any{
					"interval_seconds": interval.Seconds(),
					"fire_count":       count,
				},
			}
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			case <-t.stop:
				return false
			}
		}

		if immediate && !send() {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	}()
	return out, nil
}

// Stop implements Source.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
