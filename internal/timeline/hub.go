package timeline

import "sync"

// Update is published after every applied match.
type Update struct {
	Entries []Entry `json:"entries"`
	Latest  Entry   `json:"latest"`
}

// Hub fans updates out to subscribers. Slow subscribers miss updates rather
// than blocking the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Update]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Update]struct{})}
}

// Subscribe registers a subscriber with a small buffer. The returned cancel
// function unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers u to every subscriber with buffer space and returns how
// many subscribers were skipped.
func (h *Hub) Publish(u Update) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- u:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
