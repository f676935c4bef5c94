// ABOUTME: Per-session FIFO queues for outbound messages.
// ABOUTME: Single-flight drain per session with a configurable inter-send delay.

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapfy/zap-gateway/internal/protocol"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("queue closed")

// Sender delivers one outbound message on a session's live connection.
// Implemented by the session manager.
type Sender interface {
	Send(ctx context.Context, sessionID string, msg *protocol.OutboundMessage) error
}

// Item is one queued outbound message.
type Item struct {
	ID         string    `json:"id"`
	To         string    `json:"to"`
	Kind       string    `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	message *protocol.OutboundMessage
	delay   time.Duration
}

// Receipt describes where an enqueued message landed.
type Receipt struct {
	ID             string        `json:"id"`
	Position       int           `json:"position"`
	EstimatedDelay time.Duration `json:"estimated_delay"`
}

// Status is a snapshot of one session's queue. EstimatedDelay is the sum of
// the pending items' inter-send delays.
type Status struct {
	Pending        int           `json:"pending"`
	Draining       bool          `json:"draining"`
	EstimatedDelay time.Duration `json:"estimated_delay"`
	Items          []*Item       `json:"items"`
}

// Queue holds one FIFO of outbound messages per session. Each session has
// at most one drain goroutine at a time, so messages for a session leave in
// enqueue order with at least the configured delay between sends; sessions
// drain independently and never block each other.
type Queue struct {
	sender       Sender
	defaultDelay time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	items    map[string][]*Item
	draining map[string]bool
	closed   bool

	wg sync.WaitGroup
}

// New creates a Queue sending through sender with the given default
// inter-send delay.
func New(sender Sender, defaultDelay time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sender:       sender,
		defaultDelay: defaultDelay,
		logger:       logger.With("component", "queue"),
		items:        make(map[string][]*Item),
		draining:     make(map[string]bool),
	}
}

// Enqueue appends the message to the session's queue and starts a drain if
// none is running. delay overrides the default inter-send delay for this
// item; zero means the default. Returns the item's queue position (1-based)
// and a delay estimate based on the items ahead of it.
func (q *Queue) Enqueue(sessionID string, msg *protocol.OutboundMessage, delay time.Duration) (*Receipt, error) {
	if delay <= 0 {
		delay = q.defaultDelay
	}

	item := &Item{
		ID:         uuid.New().String(),
		To:         msg.To,
		Kind:       msg.Kind,
		EnqueuedAt: time.Now().UTC(),
		message:    msg,
		delay:      delay,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}

	q.items[sessionID] = append(q.items[sessionID], item)
	position := len(q.items[sessionID])
	var estimated time.Duration
	for _, ahead := range q.items[sessionID][:position-1] {
		estimated += ahead.delay
	}

	if !q.draining[sessionID] {
		q.draining[sessionID] = true
		q.wg.Add(1)
		go q.drain(sessionID)
	}
	q.mu.Unlock()

	return &Receipt{ID: item.ID, Position: position, EstimatedDelay: estimated}, nil
}

// drain sends the session's items one by one until the queue is empty.
// The draining flag is cleared under the same lock that observes the empty
// queue, so an enqueue racing with drain completion either appends before
// the flag clears (and this loop picks it up) or starts a fresh drain.
func (q *Queue) drain(sessionID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		pending := q.items[sessionID]
		if q.closed || len(pending) == 0 {
			q.draining[sessionID] = false
			q.mu.Unlock()
			return
		}
		item := pending[0]
		q.items[sessionID] = pending[1:]
		q.mu.Unlock()

		if err := q.sender.Send(context.Background(), sessionID, item.message); err != nil {
			// The item is dropped: retrying a dead session would stall
			// everything behind it.
			q.logger.Error("queued send failed",
				"session_id", sessionID, "item_id", item.ID, "to", item.To, "error", err)
		} else {
			q.logger.Debug("queued send delivered",
				"session_id", sessionID, "item_id", item.ID, "to", item.To)
		}

		// Pace only when something is waiting behind this item
		q.mu.Lock()
		more := len(q.items[sessionID]) > 0
		q.mu.Unlock()
		if more {
			time.Sleep(item.delay)
		}
	}
}

// Status returns a snapshot of the session's queue.
func (q *Queue) Status(sessionID string) *Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.items[sessionID]
	items := make([]*Item, len(pending))
	copy(items, pending)
	var estimated time.Duration
	for _, it := range pending {
		estimated += it.delay
	}
	return &Status{
		Pending:        len(pending),
		Draining:       q.draining[sessionID],
		EstimatedDelay: estimated,
		Items:          items,
	}
}

// Clear drops every pending item for the session and returns how many were
// removed. An in-flight send is not interrupted.
func (q *Queue) Clear(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items[sessionID])
	delete(q.items, sessionID)
	return n
}

// Shutdown stops accepting new items, drops all pending ones, and waits for
// in-flight sends to finish.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.items = make(map[string][]*Item)
	q.mu.Unlock()

	q.wg.Wait()
}
