// ABOUTME: Fans durable session events out to delivery sinks concurrently.
// ABOUTME: Sink failures are isolated; delivery is best-effort by design of the sinks.

package router

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is one session event handed to sinks for delivery.
type Event struct {
	SessionID string         `json:"sessionId"`
	Name      string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink delivers events to one destination class (webhooks, live sockets).
// Deliver must apply its own filtering, retries, and timeouts; a returned
// error means the event was lost for that sink and is only logged here.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev *Event) error
}

// Router fans each event out to all registered sinks. Sinks are delivered
// concurrently and independently: one slow or failing sink never delays or
// suppresses delivery to the others, and never blocks the event producer.
type Router struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger

	wg sync.WaitGroup
}

// New creates a Router with no sinks registered.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger.With("component", "router")}
}

// Register adds a sink. Not safe to call concurrently with itself, but safe
// concurrently with Notify.
func (r *Router) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Notify dispatches the event to every sink on its own goroutine and
// returns immediately. The session manager calls this only after the event's
// durable writes completed, so sinks never observe state the store does not
// hold.
func (r *Router) Notify(ctx context.Context, sessionID, event string, data map[string]any) {
	ev := &Event{
		SessionID: sessionID,
		Name:      event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()

	for _, s := range sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			if err := s.Deliver(ctx, ev); err != nil {
				r.logger.Warn("sink delivery failed",
					"sink", s.Name(), "session_id", sessionID, "event", event, "error", err)
			}
		}(s)
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (r *Router) Wait() {
	r.wg.Wait()
}
