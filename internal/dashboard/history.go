package dashboard

import (
	"sync"
	"time"

	"safetyvision/internal/models"
)

type Entry struct {
	ID          string             `json:"id"`
	Filename    string             `json:"filename"`
	Time        time.Time          `json:"time"`
	Confidence  float64            `json:"confidence"`
	Detections  []models.Detection `json:"-"`
	ClassCounts map[string]int     `json:"class_counts"`
	Count       int                `json:"count"`

	original  []byte
	annotated []byte
}

// History keeps the newest results, dropping the oldest past its size.
type History struct {
	mu      sync.RWMutex
	size    int
	entries []*Entry
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 10
	}
	return &History{size: size}
}

func (h *History) Add(e *Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append([]*Entry{e}, h.entries...)
	if len(h.entries) > h.size {
		h.entries = h.entries[:h.size]
	}
}

func (h *History) Get(id string) (*Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, e := range h.entries {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// List returns entries newest first.
func (h *History) List() []*Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
