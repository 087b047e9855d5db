package progress

import "sync"

// hub wakes in-process subscribers when an event is published for a job.
// It is purely a latency optimization; subscribers also poll so events
// published by other processes are still delivered.
type hub struct {
	mu      sync.Mutex
	wakeups map[string][]chan struct{}
}

func newHub() *hub {
	return &hub{wakeups: make(map[string][]chan struct{})}
}

// subscribe returns a wakeup channel for the job and a function to remove it.
func (h *hub) subscribe(jobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.wakeups[jobID] = append(h.wakeups[jobID], ch)
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		channels := h.wakeups[jobID]
		for i, c := range channels {
			if c == ch {
				h.wakeups[jobID] = append(channels[:i], channels[i+1:]...)
				break
			}
		}
		if len(h.wakeups[jobID]) == 0 {
			delete(h.wakeups, jobID)
		}
	}
}

// notify wakes all subscribers for the job without blocking.
func (h *hub) notify(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.wakeups[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
