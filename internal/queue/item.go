// ABOUTME: Queue item model and status state machine definitions
// ABOUTME: Items move pending -> processing -> completed/error, with a waiting backoff loop

package queue

import (
	"time"
)

// Status describes where an item is in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusWaiting    Status = "waiting"
)

// Item is a single unit of queued work. Items are owned exclusively by the
// Store; callers receive copies and mutate only through Store operations.
type Item struct {
	ID                  string     `json:"id"`
	Text                string     `json:"text"`
	Status              Status     `json:"status"`
	CreatedAt           time.Time  `json:"createdAt"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	Output              string     `json:"output,omitempty"`
	Error               string     `json:"error,omitempty"`

	// WaitUntil is the absolute deadline supplied by the executor when it
	// parks an item. The remaining duration is always derived from it at
	// read time, never counted down.
	WaitUntil *time.Time `json:"waitUntil,omitempty"`
}

// WaitSeconds returns the whole seconds remaining until WaitUntil, or zero
// if the item is not waiting or the deadline has passed.
func (it *Item) WaitSeconds(now time.Time) int {
	if it.Status != StatusWaiting || it.WaitUntil == nil {
		return 0
	}
	remaining := it.WaitUntil.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Round(time.Second) / time.Second)
}

// Editable reports whether the item's text may be replaced in place.
func (it *Item) Editable() bool {
	return it.Status == StatusPending
}

// clone returns a deep copy so callers can never alias store-owned state.
func (it *Item) clone() Item {
	out := *it
	if it.ProcessingStartedAt != nil {
		t := *it.ProcessingStartedAt
		out.ProcessingStartedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		out.CompletedAt = &t
	}
	if it.WaitUntil != nil {
		t := *it.WaitUntil
		out.WaitUntil = &t
	}
	return out
}
