package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/braidkit/braid/core"
)

// Manual fires when told to. It watches nothing external; callers invoke
// Fire to activate it, which makes it useful for tests and user-initiated
// workflows.
type Manual struct {
	fires    chan Fire
	stop     chan struct{}
	stopOnce sync.Once
}

var _ Source = (*Manual)(nil)

// NewManual creates a manual trigger.
func NewManual() *Manual {
	return &Manual{fires: make(chan Fire, 16), stop: make(chan struct{})}
}

// Configure implements Source; manual triggers have no settings.
func (m *Manual) Configure(map[string]any) error { return nil }

// Fire queues one activation. Blocks when the queue is full until a
// watcher drains it or the trigger stops.
func (m *Manual) Fire(data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	f := Fire{Type: TypeManual, At: time.Now().UTC(), Data: data}
	select {
	case m.fires <- f:
	case <-m.stop:
	}
}

// Watch implements Source, forwarding queued fires.
func (m *Manual) Watch(ctx context.Context) (<-chan Fire, error) {
	select {
	case <-m.stop:
		return nil, fmt.Errorf("manual trigger: %w", core.ErrClosed)
	default:
	}

	out := make(chan Fire, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case f := <-m.fires:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				case <-m.stop:
					return
				}
			}
		}
	}()
	return out, nil
}

// Stop implements Source.
func (m *Manual) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
