package authority

import "sync"

// Notifier delivers commit signals to watchers with at-least-once
// semantics. Each watcher holds a buffered channel of size 1: redundant
// notifications coalesce into one pending signal, and receivers must
// treat a signal as "something may have been committed" rather than a
// count. The fan-out engine's poll loop is idempotent on redundant
// wake-ups, which is what makes coalescing safe.
type Notifier struct {
	mu       sync.Mutex
	watchers map[string]map[int]chan struct{}
	nextID   int
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{watchers: make(map[string]map[int]chan struct{})}
}

// Watch registers interest in a stream. The returned channel receives a
// coalesced signal after each commit. cancel unregisters the watcher
// and is safe to call more than once.
func (n *Notifier) Watch(streamID string) (ch <-chan struct{}, cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	c := make(chan struct{}, 1)
	if n.watchers[streamID] == nil {
		n.watchers[streamID] = make(map[int]chan struct{})
	}
	n.watchers[streamID][id] = c

	cancel = func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if m, ok := n.watchers[streamID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(n.watchers, streamID)
			}
		}
	}
	return c, cancel
}

// Notify signals all watchers of a stream. Non-blocking: a watcher with
// a pending signal is skipped, coalescing the notifications.
func (n *Notifier) Notify(streamID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.watchers[streamID] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}
