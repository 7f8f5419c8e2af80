package chat

import "sync"

// HistorySize is the number of recent messages retained per room. The
// history only exists to attach context to abuse reports.
const HistorySize = 5

// HistoryEntry is one message kept in a room's ring buffer.
type HistoryEntry struct {
	From string `json:"from"` // sender's session token
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// History keeps the last HistorySize messages of every open room in
// memory. It is goroutine-safe.
type History struct {
	mu    sync.RWMutex
	rooms map[string]*ring // roomID -> ring buffer
}

type ring struct {
	items [HistorySize]HistoryEntry
	pos   int
	count int
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{rooms: make(map[string]*ring)}
}

// Add appends an entry to the room's ring, overwriting the oldest entry
// once the ring is full.
func (h *History) Add(roomID string, e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &ring{}
		h.rooms[roomID] = r
	}
	r.items[r.pos] = e
	r.pos = (r.pos + 1) % HistorySize
	if r.count < HistorySize {
		r.count++
	}
}

// Get returns the room's retained entries oldest first. The result is
// never nil.
func (h *History) Get(roomID string) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return []HistoryEntry{}
	}
	out := make([]HistoryEntry, r.count)
	start := (r.pos - r.count + HistorySize) % HistorySize
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%HistorySize]
	}
	return out
}

// Snapshot returns the room's entries with sender tokens replaced by
// "reporter" or "reported" relative to the given token, so nothing that
// identifies a session leaves the process.
func (h *History) Snapshot(roomID, reporterToken string) []HistoryEntry {
	entries := h.Get(roomID)
	for i := range entries {
		if entries[i].From == reporterToken {
			entries[i].From = "reporter"
		} else {
			entries[i].From = "reported"
		}
	}
	return entries
}

// Remove drops the room's history (called on room teardown).
func (h *History) Remove(roomID string) {
	h.mu.Lock()
	delete(h.rooms, roomID)
	h.mu.Unlock()
}

// Len returns the number of rooms with retained history.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
