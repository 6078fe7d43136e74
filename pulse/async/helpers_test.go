package async

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	loomtest "github.com/teranos/loom/internal/testing"
	"github.com/teranos/loom/pulse"
)

// testClock is a manually advanced clock shared by a queue under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestQueue returns a queue over a fresh SQLite store driven by a fake clock
func newTestQueue(t *testing.T) (*Queue, *SQLiteStore, *testClock) {
	t.Helper()
	store := NewSQLiteStore(loomtest.CreateTestDB(t))
	q := NewQueue(store, DefaultQueueConfig(), zaptest.NewLogger(t).Sugar())
	clock := newTestClock()
	q.timeNow = clock.Now
	return q, store, clock
}

// newRealTimeQueue returns a queue on the wall clock, for scheduler tests
func newRealTimeQueue(t *testing.T) (*Queue, *SQLiteStore) {
	t.Helper()
	store := NewSQLiteStore(loomtest.CreateTestDB(t))
	return NewQueue(store, DefaultQueueConfig(), zaptest.NewLogger(t).Sugar()), store
}

func submitJob(t *testing.T, q *Queue, owner string, priority int) *Job {
	t.Helper()
	job, err := q.Submit(t.Context(), SubmitRequest{
		OwnerID:  owner,
		Kind:     "canvas.text",
		Payload:  json.RawMessage(`{"prompt":"draw a tree"}`),
		Priority: priority,
	})
	require.NoError(t, err)
	return job
}

func mustGet(t *testing.T, q *Queue, id string) *Job {
	t.Helper()
	job, err := q.Get(t.Context(), id, "")
	require.NoError(t, err)
	return job
}

// eventRecorder collects published events
type eventRecorder struct {
	mu     sync.Mutex
	events []pulse.Event
}

func (r *eventRecorder) Publish(e pulse.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) forJob(id string) []pulse.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pulse.Event
	for _, e := range r.events {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) hasKind(id string, kind pulse.EventKind) bool {
	for _, e := range r.forJob(id) {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
