package queue

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueStartsBusy(t *testing.T) {
	q := New()
	assert.False(t, q.IsReady())
	assert.Equal(t, Busy, q.State())
	assert.Zero(t, q.Len())
}

func TestTryDequeueEmptySetsReady(t *testing.T) {
	q := New()

	item, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Empty(t, item)
	assert.True(t, q.IsReady())

	q.Enqueue("notepad=abc")
	assert.False(t, q.IsReady(), "enqueue must flip the hint back to busy")
}

func TestTryDequeueNonEmptySetsBusy(t *testing.T) {
	q := New()
	_, _ = q.TryDequeue()
	require.True(t, q.IsReady())

	q.Enqueue("a=1")
	q.Enqueue("a=2")

	item, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a=1", item)
	assert.Equal(t, Busy, q.State())
	assert.Equal(t, 1, q.Len())

	item, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a=2", item)
	assert.Equal(t, Busy, q.State(), "a poll that found work stays busy until the next empty poll")

	_, ok = q.TryDequeue()
	assert.False(t, ok)
	assert.True(t, q.IsReady())
}

func TestQueueCompactsAcrossManyItems(t *testing.T) {
	q := New()
	const n = 1000
	for i := 0; i < n; i++ {
		q.Enqueue(fmt.Sprintf("t=%d", i))
	}
	for i := 0; i < n/2; i++ {
		item, ok := q.TryDequeue()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("t=%d", i), item)
	}
	for i := n; i < n+10; i++ {
		q.Enqueue(fmt.Sprintf("t=%d", i))
	}
	for i := n / 2; i < n+10; i++ {
		item, ok := q.TryDequeue()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("t=%d", i), item)
	}
	assert.Zero(t, q.Len())
}

func TestObserverReceivesEvents(t *testing.T) {
	q := New()
	var events []Event
	q.Observe(func(ev Event) { events = append(events, ev) })

	q.Enqueue("a=1")
	_, _ = q.TryDequeue()
	_, _ = q.TryDequeue()

	require.Len(t, events, 3)
	assert.Equal(t, Event{Seq: 1, Kind: EventEnqueue, Pending: 1, State: Busy}, events[0])
	assert.Equal(t, Event{Seq: 2, Kind: EventDequeue, Pending: 0, State: Busy}, events[1])
	assert.Equal(t, Event{Seq: 3, Kind: EventEmptyPoll, Pending: 0, State: Ready, Ready: true}, events[2])
}

func TestEventSeqIsUniqueUnderConcurrency(t *testing.T) {
	q := New()
	var (
		mu   sync.Mutex
		seen = map[uint64]bool{}
	)
	q.Observe(func(ev Event) {
		mu.Lock()
		seen[ev.Seq] = true
		mu.Unlock()
	})

	const workers, ops = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				if i%2 == 0 {
					q.Enqueue("w=x")
				} else {
					q.TryDequeue()
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*ops)
	for i := uint64(1); i <= workers*ops; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}
}

func TestConcurrentProducersNoLossNoDuplicates(t *testing.T) {
	q := New()
	const producers = 64

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(fmt.Sprintf("window-%02d=payload", i))
		}(i)
	}
	wg.Wait()

	got := make([]string, 0, producers)
	for i := 0; i < producers; i++ {
		item, ok := q.TryDequeue()
		require.True(t, ok)
		got = append(got, item)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	want := make([]string, 0, producers)
	for i := 0; i < producers; i++ {
		want = append(want, fmt.Sprintf("window-%02d=payload", i))
	}
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestConcurrentProducerKeepsOwnOrder(t *testing.T) {
	q := New()
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(fmt.Sprintf("%d=%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	next := make(map[string]int)
	for {
		item, ok := q.TryDequeue()
		if !ok {
			break
		}
		var p, i int
		_, err := fmt.Sscanf(item, "%d=%d", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprint(p)
		require.Equal(t, next[key], i, "producer %d delivered out of order", p)
		next[key] = i + 1
	}
	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer, next[fmt.Sprint(p)])
	}
}

func TestConcurrentProducersAndConsumers(t *testing.T) {
	q := New()
	const total = 2000

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(fmt.Sprint(i))
		}(i)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	done := make(chan struct{})
	var consumers sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				item, ok := q.TryDequeue()
				if ok {
					mu.Lock()
					seen[item]++
					mu.Unlock()
					continue
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
	close(done)
	consumers.Wait()
	for {
		item, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[item]++
	}

	require.Len(t, seen, total)
	for item, n := range seen {
		assert.Equal(t, 1, n, "item %s delivered more than once", item)
	}
}

func TestQueueFIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("N enqueues then N dequeues return the same sequence", prop.ForAll(
		func(items []string) bool {
			q := New()
			for _, item := range items {
				q.Enqueue(item)
			}
			for _, want := range items {
				got, ok := q.TryDequeue()
				if !ok || got != want {
					return false
				}
			}
			_, ok := q.TryDequeue()
			return !ok && q.IsReady()
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("readiness tracks the last operation", prop.ForAll(
		func(ops []bool) bool {
			q := New()
			pending := 0
			for _, enqueue := range ops {
				if enqueue {
					q.Enqueue("x=y")
					pending++
					if q.IsReady() {
						return false
					}
					continue
				}
				_, ok := q.TryDequeue()
				if ok != (pending > 0) {
					return false
				}
				if ok {
					pending--
					if q.IsReady() {
						return false
					}
				} else if !q.IsReady() {
					return false
				}
			}
			return q.Len() == pending
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
