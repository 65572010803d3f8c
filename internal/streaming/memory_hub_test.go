package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steprun/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertNoEvent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		NodeID:  "llm-1",
		RunID:   "run-1",
		Type:    schema.EventRunCompleted,
		Status:  schema.RunStatusCompleted,
		Payload: map[string]any{"text": "ok"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, "llm-1", got.NodeID)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, schema.EventRunCompleted, got.Type)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFilterByNodeID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{NodeID: "a"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "a", Type: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "b", Type: schema.EventRunStarted}))

	assert.Equal(t, "a", receive(t, ch).NodeID)
	assertNoEvent(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Types: []string{schema.EventRunCompleted, schema.EventRunFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "n", Type: schema.EventRunCompleted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "n", Type: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "n", Type: schema.EventRunFailed}))

	received := []string{receive(t, ch).Type, receive(t, ch).Type}
	assert.Equal(t, []string{schema.EventRunCompleted, schema.EventRunFailed}, received)
	assertNoEvent(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "n", Type: schema.EventRunStopped}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		assert.Equal(t, schema.EventRunStopped, receive(t, ch).Type)
	}
}

func TestCancelSubscriptionClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "n", Type: schema.EventRunStarted}))
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range subscriberBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "n", Type: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{NodeID: "n", Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{NodeID: "n"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribe_ContextCancelCloses(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, unsubscribe, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

// --- Replay ---

func TestReplay_LatestStatusPerNode(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "b", Type: schema.EventRunStarted, Status: schema.RunStatusRunning}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "a", Type: schema.EventRunStarted, Status: schema.RunStatusRunning}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "a", Type: schema.EventRunCompleted, Status: schema.RunStatusCompleted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "a", Type: "tick"}))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Replay: true})
	require.NoError(t, err)
	defer cancel()

	first, second := receive(t, ch), receive(t, ch)
	assert.Equal(t, "a", first.NodeID)
	assert.Equal(t, schema.RunStatusCompleted, first.Status)
	assert.Equal(t, "b", second.NodeID)
	assertNoEvent(t, ch)
}

func TestReplay_FilteredAndForgotten(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "a", Type: schema.EventRunStarted, Status: schema.RunStatusRunning}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{NodeID: "b", Type: schema.EventRunStarted, Status: schema.RunStatusRunning}))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{NodeID: "b", Replay: true})
	require.NoError(t, err)
	assert.Equal(t, "b", receive(t, ch).NodeID)
	assertNoEvent(t, ch)
	cancel()

	hub.Forget("b")
	ch, cancel, err = hub.Subscribe(ctx, EventFilter{Replay: true})
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "a", receive(t, ch).NodeID)
	assertNoEvent(t, ch)

	noReplay, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()
	assertNoEvent(t, noReplay)
}
