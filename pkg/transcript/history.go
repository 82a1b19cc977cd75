package transcript

import (
	"time"
)

// HistoryEntry is the denormalized copy of a topic shown in a topic list.
type HistoryEntry struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// History is the ordered topic list, most recently updated first.
type History struct {
	entries []HistoryEntry
}

// Upsert adds a topic or moves it to the front.
func (h *History) Upsert(id, title string, now time.Time) {
	if i := h.index(id); i >= 0 {
		if title == "" {
			title = h.entries[i].Title
		}
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
	}
	h.entries = append([]HistoryEntry{{ID: id, Title: title, UpdatedAt: now}}, h.entries...)
}

// Rename updates the title of a topic, adding it when unknown.
func (h *History) Rename(id, title string, now time.Time) {
	if i := h.index(id); i >= 0 {
		h.entries[i].Title = title
		h.entries[i].UpdatedAt = now
		return
	}
	h.Upsert(id, title, now)
}

// Remove drops a topic from the list.
func (h *History) Remove(id string) {
	if i := h.index(id); i >= 0 {
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
	}
}

// Title returns the listed title of a topic.
func (h *History) Title(id string) (string, bool) {
	if i := h.index(id); i >= 0 {
		return h.entries[i].Title, true
	}
	return "", false
}

// Entries returns a copy of the list.
func (h *History) Entries() []HistoryEntry {
	return append([]HistoryEntry(nil), h.entries...)
}

func (h *History) index(id string) int {
	for i, e := range h.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
