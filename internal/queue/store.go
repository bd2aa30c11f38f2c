// ABOUTME: Canonical ordered store of queued work items
// ABOUTME: Enforces the single-processing invariant and pending-only mutation rules

package queue

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the referenced item id is not in the store.
var ErrNotFound = errors.New("queue item not found")

// ErrInvalidState indicates the operation is illegal for the item's current status.
var ErrInvalidState = errors.New("operation not allowed in current item state")

// ErrEmptyText indicates the supplied text was empty after trimming.
var ErrEmptyText = errors.New("item text is empty")

// ErrIndexOutOfRange indicates a reorder index outside the queue bounds.
var ErrIndexOutOfRange = errors.New("queue index out of range")

// SortField selects the comparison key for Sort.
type SortField string

const (
	SortByText      SortField = "text"
	SortByStatus    SortField = "status"
	SortByCreatedAt SortField = "createdAt"
)

// SortDirection selects ascending or descending order for Sort.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Store holds the ordered collection of work items. All access goes through
// its methods; returned items are copies.
type Store struct {
	mu    sync.RWMutex
	items []*Item

	// now is swappable for deterministic wait-deadline tests.
	now func() time.Time
}

// NewStore creates an empty queue store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Append adds a new pending item at the tail and returns its id.
func (s *Store) Append(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := &Item{
		ID:        uuid.New().String(),
		Text:      text,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.items = append(s.items, item)
	return item.ID, nil
}

// Edit replaces the text of a pending item. Items in any other state are
// either in flight or finished and must not be rewritten underneath the
// executor.
func (s *Store) Edit(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.find(id)
	if item == nil {
		return ErrNotFound
	}
	if !item.Editable() {
		return ErrInvalidState
	}
	item.Text = text
	return nil
}

// Remove deletes an item regardless of status.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Duplicate appends a fresh pending item carrying the source item's text.
// The source is left untouched. Waiting and errored items are excluded: a
// waiting item is about to retry on its own, and an errored item's text may
// reference state that no longer exists.
func (s *Store) Duplicate(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.find(id)
	if src == nil {
		return "", ErrNotFound
	}
	switch src.Status {
	case StatusPending, StatusCompleted, StatusProcessing:
	default:
		return "", ErrInvalidState
	}

	item := &Item{
		ID:        uuid.New().String(),
		Text:      src.Text,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.items = append(s.items, item)
	return item.ID, nil
}

// Reorder moves the item at from to position to. Both endpoints must be
// pending so in-flight and finished work keeps its place.
func (s *Store) Reorder(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from < 0 || from >= len(s.items) || to < 0 || to >= len(s.items) {
		return ErrIndexOutOfRange
	}
	if s.items[from].Status != StatusPending || s.items[to].Status != StatusPending {
		return ErrInvalidState
	}
	if from == to {
		return nil
	}

	item := s.items[from]
	s.items = append(s.items[:from], s.items[from+1:]...)
	rest := append([]*Item{item}, s.items[to:]...)
	s.items = append(s.items[:to:to], rest...)
	return nil
}

// Sort reorders the whole collection by the given field. Equal keys keep
// their relative order.
func (s *Store) Sort(field SortField, direction SortDirection) error {
	var less func(a, b *Item) bool
	switch field {
	case SortByText:
		less = func(a, b *Item) bool { return a.Text < b.Text }
	case SortByStatus:
		less = func(a, b *Item) bool { return a.Status < b.Status }
	case SortByCreatedAt:
		less = func(a, b *Item) bool { return a.CreatedAt.Before(b.CreatedAt) }
	default:
		return errors.New("unknown sort field: " + string(field))
	}
	switch direction {
	case SortAsc:
	case SortDesc:
		asc := less
		less = func(a, b *Item) bool { return asc(b, a) }
	default:
		return errors.New("unknown sort direction: " + string(direction))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(s.items, func(i, j int) bool { return less(s.items[i], s.items[j]) })
	return nil
}

// Clear removes every item, including in-flight ones. Callers must stop any
// active processing first; the store does not guard state referenced
// elsewhere.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// MarkProcessing transitions a pending item to processing. The downstream
// executor is single-threaded, so at most one item may be processing at any
// instant; violating calls fail with ErrInvalidState.
func (s *Store) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.Status == StatusProcessing && item.ID != id {
			return ErrInvalidState
		}
	}

	item := s.find(id)
	if item == nil {
		return ErrNotFound
	}
	if item.Status != StatusPending {
		return ErrInvalidState
	}
	now := s.now()
	item.Status = StatusProcessing
	item.ProcessingStartedAt = &now
	item.WaitUntil = nil
	return nil
}

// MarkCompleted finishes a processing item with its output.
func (s *Store) MarkCompleted(id, output string) error {
	return s.finish(id, StatusCompleted, output, "")
}

// MarkError finishes a processing item with an error message.
func (s *Store) MarkError(id, msg string) error {
	return s.finish(id, StatusError, "", msg)
}

func (s *Store) finish(id string, status Status, output, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.find(id)
	if item == nil {
		return ErrNotFound
	}
	if item.Status != StatusProcessing {
		return ErrInvalidState
	}
	now := s.now()
	item.Status = status
	item.CompletedAt = &now
	item.Output = output
	item.Error = errMsg
	item.WaitUntil = nil
	return nil
}

// MarkWaiting parks a processing item until the executor-supplied absolute
// deadline. The deadline is opaque to the store; the executor decides the
// backoff policy.
func (s *Store) MarkWaiting(id string, waitUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.find(id)
	if item == nil {
		return ErrNotFound
	}
	if item.Status != StatusProcessing {
		return ErrInvalidState
	}
	until := waitUntil
	item.Status = StatusWaiting
	item.WaitUntil = &until
	item.ProcessingStartedAt = nil
	return nil
}

// ReleaseExpiredWaits flips waiting items whose deadline has passed back to
// pending so they retry automatically. Returns the ids released.
func (s *Store) ReleaseExpiredWaits(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []string
	for _, item := range s.items {
		if item.Status == StatusWaiting && item.WaitUntil != nil && !item.WaitUntil.After(now) {
			item.Status = StatusPending
			item.WaitUntil = nil
			released = append(released, item.ID)
		}
	}
	return released
}

// Get returns a copy of the item with the given id.
func (s *Store) Get(id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item := s.find(id)
	if item == nil {
		return Item{}, ErrNotFound
	}
	return item.clone(), nil
}

// Snapshot returns copies of all items in queue order.
func (s *Store) Snapshot() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Item, len(s.items))
	for i, item := range s.items {
		out[i] = item.clone()
	}
	return out
}

// Processing returns a copy of the item currently processing, if any.
func (s *Store) Processing() (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.items {
		if item.Status == StatusProcessing {
			return item.clone(), true
		}
	}
	return Item{}, false
}

// Len returns the number of items in the queue.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) find(id string) *Item {
	for _, item := range s.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}
