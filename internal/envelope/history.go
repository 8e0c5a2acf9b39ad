package envelope

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// History retention defaults.
const (
	DefaultRetention  = 24 * time.Hour
	DefaultMaxEntries = 1000
)

// HistoryEntry is one retained envelope, recorded at dispatch or delivery.
type HistoryEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Version        int       `json:"version"`
	Sender         string    `json:"sender"`
	Target         string    `json:"target"`
	Session        uuid.UUID `json:"session"`
	SchemaDigest   string    `json:"schema_digest"`
	ProtocolDigest string    `json:"protocol_digest,omitempty"`
	Payload        string    `json:"payload,omitempty"`
}

// HistoryStore persists history entries across restarts. Implementations
// live in the store package; a nil store keeps history in memory only.
type HistoryStore interface {
	SaveHistory(entries []HistoryEntry) error
	LoadHistory() ([]HistoryEntry, error)
}

// History is a time-and-count bounded envelope transcript for one agent.
type History struct {
	mu         sync.Mutex
	entries    []HistoryEntry
	retention  time.Duration
	maxEntries int
	store      HistoryStore
	now        func() time.Time
}

// NewHistory creates a History with the given bounds. Zero values select the
// defaults. When store is non-nil, previously persisted entries are restored
// and every add is written through.
func NewHistory(retention time.Duration, maxEntries int, store HistoryStore) *History {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	h := &History{
		retention:  retention,
		maxEntries: maxEntries,
		store:      store,
		now:        time.Now,
	}
	if store != nil {
		if entries, err := store.LoadHistory(); err == nil {
			h.entries = entries
		}
	}
	return h
}

// Add records an envelope. Entries beyond the retention window or the count
// bound are evicted oldest-first.
func (h *History) Add(e *Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, HistoryEntry{
		Timestamp:      h.now().UTC(),
		Version:        e.Version,
		Sender:         e.Sender,
		Target:         e.Target,
		Session:        e.Session,
		SchemaDigest:   e.SchemaDigest,
		ProtocolDigest: e.ProtocolDigest,
		Payload:        e.Payload,
	})
	h.prune()
	if h.store != nil {
		_ = h.store.SaveHistory(h.entries)
	}
}

// Session returns the retained entries for one session, oldest first.
func (h *History) Session(session uuid.UUID) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.prune()
	var out []HistoryEntry
	for _, e := range h.entries {
		if e.Session == session {
			out = append(out, e)
		}
	}
	return out
}

// All returns every retained entry, oldest first.
func (h *History) All() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.prune()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// prune drops expired entries and trims to the count bound. Must be called
// with h.mu held.
func (h *History) prune() {
	cutoff := h.now().UTC().Add(-h.retention)
	i := 0
	for i < len(h.entries) && h.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	h.entries = h.entries[i:]
	if len(h.entries) > h.maxEntries {
		h.entries = h.entries[len(h.entries)-h.maxEntries:]
	}
}
