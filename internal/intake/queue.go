// ============================================================================
// spot-teleop action intake queue
// ============================================================================
//
// Package: internal/intake
// File: queue.go
// Purpose: bounded FIFO of remote operator actions shared by every stream
// client.
//
// Producers: POST /action handlers (Push)
// Consumers: /actions stream writers (Pop), first come first served
//
// Errors:
//   - ErrQueueFull:   Push beyond capacity
//   - ErrQueueClosed: Push or Pop after Close
//
// ============================================================================

package intake

import (
	"errors"
	"sync"
)

// DefaultCapacity is the most actions the queue holds.
const DefaultCapacity = 50

var (
	// ErrQueueFull rejects a push when the queue is at capacity.
	ErrQueueFull = errors.New("action queue is full")
	// ErrQueueClosed rejects use after Close.
	ErrQueueClosed = errors.New("action queue is closed")
)

// Queue is a bounded FIFO of single-key actions.
type Queue struct {
	mu       sync.Mutex
	items    []string
	capacity int
	closed   bool
}

// NewQueue creates a queue holding at most capacity actions.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Push appends action.
func (q *Queue) Push(action string) error {
	return q.push(action, false)
}

// PushPriority appends action even when the queue is full.
func (q *Queue) PushPriority(action string) error {
	return q.push(action, true)
}

func (q *Queue) push(action string, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !force && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, action)
	return nil
}

// Pop removes the oldest action. ok is false when the queue is empty.
func (q *Queue) Pop() (action string, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", false, ErrQueueClosed
	}
	if len(q.items) == 0 {
		return "", false, nil
	}
	action = q.items[0]
	q.items = q.items[1:]
	return action, true, nil
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued actions, oldest first.
func (q *Queue) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.items...)
}

// Reset drops every queued action.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Close rejects further use. Safe to call repeatedly.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
