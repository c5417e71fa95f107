// Package knowledge holds the append-only record of everything a research
// session has learned, together with the resettable first-person diary used
// for prompt construction.
package knowledge

import (
	"fmt"
	"time"
)

// ItemType classifies a knowledge item.
type ItemType string

const (
	TypeQA            ItemType = "qa"
	TypeURL           ItemType = "url"
	TypeSideInfo      ItemType = "side-info"
	TypeErrorAnalysis ItemType = "error-analysis"
)

// Item is one entry in the knowledge log.
type Item struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Type      ItemType  `json:"type"`
	Updated   string    `json:"updated,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultPresentationCap bounds how many items are surfaced to the LLM. All
// items are retained for the final answer regardless.
const DefaultPresentationCap = 100

// Store is the session's append-only knowledge log. It is written only by
// the controller goroutine.
type Store struct {
	items []Item
	cap   int
}

// NewStore creates a store with the given presentation cap (0 uses the
// default).
func NewStore(presentationCap int) *Store {
	if presentationCap <= 0 {
		presentationCap = DefaultPresentationCap
	}
	return &Store{cap: presentationCap}
}

// Append adds an item, stamping it if the caller did not.
func (s *Store) Append(item Item) {
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	s.items = append(s.items, item)
}

// All returns every item, oldest first. The returned slice must not be
// mutated.
func (s *Store) All() []Item {
	return s.items
}

// Recent returns up to the presentation cap of most recent items, oldest
// first.
func (s *Store) Recent() []Item {
	if len(s.items) <= s.cap {
		return s.items
	}
	return s.items[len(s.items)-s.cap:]
}

// Len returns the total item count.
func (s *Store) Len() int { return len(s.items) }

// Diary is the step-by-step narrative of what the agent did, kept separate
// from the knowledge log because it is cleared on replanning while knowledge
// survives.
type Diary struct {
	entries []string
}

// Add appends a narrative entry.
func (d *Diary) Add(entry string) {
	if entry == "" {
		return
	}
	d.entries = append(d.entries, entry)
}

// Addf appends a formatted narrative entry.
func (d *Diary) Addf(format string, args ...any) {
	d.entries = append(d.entries, fmt.Sprintf(format, args...))
}

// Entries returns the narrative, oldest first.
func (d *Diary) Entries() []string { return d.entries }

// Len returns the entry count.
func (d *Diary) Len() int { return len(d.entries) }

// Reset clears the narrative. Knowledge held elsewhere is unaffected.
func (d *Diary) Reset() {
	d.entries = nil
}
