// ABOUTME: Tests for the per-session outbound queues
// ABOUTME: Covers FIFO ordering, pacing, session independence, clear, and failures

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapfy/zap-gateway/internal/protocol"
)

type sentRecord struct {
	sessionID string
	to        string
	at        time.Time
}

// recordingSender captures sends with timestamps; errors can be injected
// per destination. A gate channel, when set, blocks the first send until
// closed so tests can enqueue a backlog deterministically.
type recordingSender struct {
	mu     sync.Mutex
	sent   []sentRecord
	failTo map[string]error
	gate   chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failTo: make(map[string]error)}
}

func (s *recordingSender) Send(_ context.Context, sessionID string, msg *protocol.OutboundMessage) error {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failTo[msg.To]; err != nil {
		return err
	}
	s.sent = append(s.sent, sentRecord{sessionID: sessionID, to: msg.To, at: time.Now()})
	return nil
}

func (s *recordingSender) records() []sentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentRecord, len(s.sent))
	copy(out, s.sent)
	return out
}

func newTestQueue(t *testing.T, sender Sender, delay time.Duration) *Queue {
	t.Helper()
	q := New(sender, delay, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(q.Shutdown)
	return q
}

func msg(to string) *protocol.OutboundMessage {
	return &protocol.OutboundMessage{To: to, Kind: "text", Content: `{"text":"hi"}`}
}

func TestQueue_FIFOWithPacing(t *testing.T) {
	sender := newRecordingSender()
	gate := make(chan struct{})
	sender.gate = gate
	q := newTestQueue(t, sender, 20*time.Millisecond)

	// The gate holds the first send until the whole backlog is queued
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue("sess-1", msg(fmt.Sprintf("dest-%d", i)), 0)
		require.NoError(t, err)
	}
	close(gate)

	require.Eventually(t, func() bool {
		return len(sender.records()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	records := sender.records()
	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("dest-%d", i), r.to, "messages leave in enqueue order")
	}
	for i := 1; i < len(records); i++ {
		gap := records[i].at.Sub(records[i-1].at)
		assert.GreaterOrEqual(t, gap, 15*time.Millisecond, "sends are paced by the delay")
	}
}

func TestQueue_ReceiptPositions(t *testing.T) {
	sender := newRecordingSender()
	// Long delay so items stay queued while we look at positions
	q := newTestQueue(t, sender, 500*time.Millisecond)

	r1, err := q.Enqueue("sess-1", msg("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Position)
	assert.NotEmpty(t, r1.ID)

	r2, err := q.Enqueue("sess-1", msg("b"), 0)
	require.NoError(t, err)
	r3, err := q.Enqueue("sess-1", msg("c"), 0)
	require.NoError(t, err)

	// The drain may have consumed the head already, so positions are
	// monotonically increasing rather than exact.
	assert.GreaterOrEqual(t, r3.Position, r2.Position)
	assert.GreaterOrEqual(t, r3.EstimatedDelay, r2.EstimatedDelay)
}

func TestQueue_SessionsDrainIndependently(t *testing.T) {
	sender := newRecordingSender()
	q := newTestQueue(t, sender, 100*time.Millisecond)

	// sess-slow has a long backlog; sess-fast has one message
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("sess-slow", msg(fmt.Sprintf("slow-%d", i)), 0)
		require.NoError(t, err)
	}
	_, err := q.Enqueue("sess-fast", msg("fast-0"), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, r := range sender.records() {
			if r.sessionID == "sess-fast" {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 5*time.Millisecond, "a busy session must not delay another session's sends")
}

func TestQueue_Status(t *testing.T) {
	sender := newRecordingSender()
	q := newTestQueue(t, sender, 500*time.Millisecond)

	_, err := q.Enqueue("sess-1", msg("a"), 0)
	require.NoError(t, err)
	_, err = q.Enqueue("sess-1", msg("b"), 0)
	require.NoError(t, err)

	st := q.Status("sess-1")
	assert.True(t, st.Draining)
	assert.GreaterOrEqual(t, st.Pending, 1)
	assert.Equal(t, time.Duration(st.Pending)*500*time.Millisecond, st.EstimatedDelay,
		"estimate is the sum of pending delays")

	empty := q.Status("sess-none")
	assert.Equal(t, 0, empty.Pending)
	assert.False(t, empty.Draining)
	assert.Equal(t, time.Duration(0), empty.EstimatedDelay)
}

func TestQueue_Clear(t *testing.T) {
	sender := newRecordingSender()
	q := newTestQueue(t, sender, 500*time.Millisecond)

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue("sess-1", msg(fmt.Sprintf("d-%d", i)), 0)
		require.NoError(t, err)
	}

	removed := q.Clear("sess-1")
	assert.GreaterOrEqual(t, removed, 3)
	assert.Equal(t, 0, q.Status("sess-1").Pending)
}

func TestQueue_FailedSendDoesNotStallQueue(t *testing.T) {
	sender := newRecordingSender()
	sender.failTo["broken"] = errors.New("session not connected")
	q := newTestQueue(t, sender, time.Millisecond)

	_, err := q.Enqueue("sess-1", msg("broken"), 0)
	require.NoError(t, err)
	_, err = q.Enqueue("sess-1", msg("ok"), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records := sender.records()
		return len(records) == 1 && records[0].to == "ok"
	}, time.Second, 5*time.Millisecond, "the failed item is dropped, the next one still goes out")
}

func TestQueue_EnqueueAfterShutdown(t *testing.T) {
	sender := newRecordingSender()
	q := New(sender, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.Shutdown()

	_, err := q.Enqueue("sess-1", msg("a"), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_PerItemDelayOverride(t *testing.T) {
	sender := newRecordingSender()
	gate := make(chan struct{})
	sender.gate = gate
	q := newTestQueue(t, sender, time.Millisecond)

	_, err := q.Enqueue("sess-1", msg("a"), 30*time.Millisecond)
	require.NoError(t, err)
	_, err = q.Enqueue("sess-1", msg("b"), 0)
	require.NoError(t, err)
	close(gate)

	require.Eventually(t, func() bool {
		return len(sender.records()) == 2
	}, time.Second, 5*time.Millisecond)

	records := sender.records()
	gap := records[1].at.Sub(records[0].at)
	assert.GreaterOrEqual(t, gap, 25*time.Millisecond, "the first item's delay paces the gap to the second")
}
