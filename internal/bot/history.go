package bot

import "sync"

// MaxHistory is the number of recent turns retained per bot session.
const MaxHistory = 20

// Turn is one message in a bot conversation.
type Turn struct {
	FromBot bool   `json:"fromBot"`
	Text    string `json:"text"`
	Ts      int64  `json:"ts"`
}

// History stores the last MaxHistory turns per session in memory.
// It is goroutine-safe and uses a ring buffer internally.
type History struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // sessionID -> ring buffer
}

type ringBuffer struct {
	items []Turn
	pos   int
	count int
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{buffers: make(map[string]*ringBuffer)}
}

// Add appends a turn to the session's buffer, overwriting the oldest turn
// once full.
func (h *History) Add(sessionID string, t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[sessionID]
	if !ok {
		rb = &ringBuffer{items: make([]Turn, MaxHistory)}
		h.buffers[sessionID] = rb
	}
	rb.items[rb.pos] = t
	rb.pos = (rb.pos + 1) % MaxHistory
	if rb.count < MaxHistory {
		rb.count++
	}
}

// Get returns the session's turns oldest first.
func (h *History) Get(sessionID string) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.buffers[sessionID]
	if !ok {
		return []Turn{}
	}
	out := make([]Turn, rb.count)
	start := (rb.pos - rb.count + MaxHistory) % MaxHistory
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%MaxHistory]
	}
	return out
}

// Remove drops the session's buffer.
func (h *History) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.buffers, sessionID)
}

// Len returns the number of sessions with a buffer.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buffers)
}
