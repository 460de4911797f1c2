package identity

import (
	"context"
	"sync"
)

// hub fans events out to watchers. Each watcher has an unbounded queue so
// publishers never block and no sign-out is dropped.
type hub struct {
	mu   sync.Mutex
	subs map[*watcher]struct{}
}

type watcher struct {
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func newHub() *hub { return &hub{subs: map[*watcher]struct{}{}} }

func (w *watcher) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) pop() (Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Event{}, false
	}
	ev := w.queue[0]
	w.queue = w.queue[1:]
	return ev, true
}

// publish must be called with h.mu held so it cannot interleave with subscribe.
func (h *hub) publishLocked(ev Event) {
	for w := range h.subs {
		w.push(ev)
	}
}

// subscribeLocked registers a watcher whose first event is initial. h.mu must be held.
func (h *hub) subscribeLocked(ctx context.Context, initial Event) <-chan Event {
	w := &watcher{queue: []Event{initial}, wake: make(chan struct{}, 1)}
	h.subs[w] = struct{}{}

	out := make(chan Event)
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.subs, w)
			h.mu.Unlock()
			close(out)
		}()
		for {
			if ev, ok := w.pop(); ok {
				select {
				case out <- ev:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-w.wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
