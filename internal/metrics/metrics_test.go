package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/internal/queue"
)

// TestObserveQueueFollowsEvents tests that queue events drive the counters and gauges
func TestObserveQueueFollowsEvents(t *testing.T) {
	m := New()
	q := queue.New()
	m.Track(q)

	q.Enqueue("a=1")
	q.Enqueue("b=2")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pending))

	q.TryDequeue()
	q.TryDequeue()
	q.TryDequeue()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dequeued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emptyPolls))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ready))

	q.Enqueue("c=3")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ready))
}

// TestQueueGaugesMatchQueueAfterConcurrentUse tests that the gauges settle on
// the queue's own state however events interleave
func TestQueueGaugesMatchQueueAfterConcurrentUse(t *testing.T) {
	for round := 0; round < 50; round++ {
		m := New()
		q := queue.New()
		m.Track(q)

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					q.Enqueue("w=x")
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					q.TryDequeue()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, float64(q.Len()), testutil.ToFloat64(m.pending), "round %d", round)
		wantReady := 0.0
		if q.IsReady() {
			wantReady = 1
		}
		require.Equal(t, wantReady, testutil.ToFloat64(m.ready), "round %d", round)
	}
}

// TestUntrackedGaugesReadZero tests the gauges before a queue is tracked
func TestUntrackedGaugesReadZero(t *testing.T) {
	m := New()
	assert.Zero(t, testutil.ToFloat64(m.pending))
	assert.Zero(t, testutil.ToFloat64(m.ready))
}

// TestObserveRequestLabels tests the labelled counters
func TestObserveRequestLabels(t *testing.T) {
	m := New()
	m.ObserveRequest("post", 200)
	m.ObserveRequest("post", 200)
	m.ObserveRequest("unrouted", 501)
	m.ObserveError(KindMalformed)
	m.ObserveConnection()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("post", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unrouted", "501")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues(KindMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
}

// TestHandlerExposesRelayMetrics tests the exposition endpoint
func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.ObserveRequest("poll", 200)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `keyrelay_requests_total{route="poll",status="200"} 1`)
	assert.Contains(t, string(body), "keyrelay_queue_pending")
	assert.Contains(t, string(body), "go_goroutines")
}
