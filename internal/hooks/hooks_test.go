package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	return NewManager(logging.New(nil, "silent"))
}

func TestManager_On_And_Emit(t *testing.T) {
	m := testManager()

	var called bool
	m.On(EventRunStarted, "test", func(_ context.Context, p Payload) error {
		called = true
		assert.Equal(t, EventRunStarted, p.Event)
		return nil
	})

	m.Emit(context.Background(), EventRunStarted, nil)
	assert.True(t, called)
}

func TestManager_Emit_MultipleHandlers(t *testing.T) {
	m := testManager()

	var order []string
	m.On(EventRunFinished, "first", func(_ context.Context, _ Payload) error {
		order = append(order, "first")
		return nil
	})
	m.On(EventRunFinished, "second", func(_ context.Context, _ Payload) error {
		order = append(order, "second")
		return nil
	})

	m.Emit(context.Background(), EventRunFinished, nil)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestManager_Emit_WithData(t *testing.T) {
	m := testManager()

	var gotData map[string]any
	m.On(EventRunFinished, "test", func(_ context.Context, p Payload) error {
		gotData = p.Data
		return nil
	})

	m.Emit(context.Background(), EventRunFinished, map[string]any{
		"agent":  "digest",
		"status": "completed",
	})

	assert.Equal(t, "digest", gotData["agent"])
	assert.Equal(t, "completed", gotData["status"])
}

func TestManager_Emit_HandlerError(t *testing.T) {
	m := testManager()

	var secondCalled bool
	m.On(EventRunStarted, "failing", func(_ context.Context, _ Payload) error {
		return errors.New("handler broke")
	})
	m.On(EventRunStarted, "second", func(_ context.Context, _ Payload) error {
		secondCalled = true
		return nil
	})

	// Should not panic; second handler should still run
	m.Emit(context.Background(), EventRunStarted, nil)
	assert.True(t, secondCalled)
}

func TestManager_Emit_NoHandlers(t *testing.T) {
	m := testManager()
	// Should not panic
	m.Emit(context.Background(), EventScheduleApplied, nil)
}

func TestManager_Off(t *testing.T) {
	m := testManager()

	var callCount int
	m.On(EventRunStarted, "removable", func(_ context.Context, _ Payload) error {
		callCount++
		return nil
	})

	m.Emit(context.Background(), EventRunStarted, nil)
	assert.Equal(t, 1, callCount)

	m.Off(EventRunStarted, "removable")
	m.Emit(context.Background(), EventRunStarted, nil)
	assert.Equal(t, 1, callCount) // should not have been called again
}

func TestManager_Off_KeepsOthers(t *testing.T) {
	m := testManager()

	var keepCalled int
	m.On(EventRunStarted, "remove-me", func(_ context.Context, _ Payload) error { return nil })
	m.On(EventRunStarted, "keep-me", func(_ context.Context, _ Payload) error {
		keepCalled++
		return nil
	})

	m.Off(EventRunStarted, "remove-me")
	m.Emit(context.Background(), EventRunStarted, nil)
	assert.Equal(t, 1, keepCalled)
}

func TestManager_EmitAsync(t *testing.T) {
	m := testManager()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)

	m.On(EventStoreError, "async1", func(_ context.Context, _ Payload) error {
		count.Add(1)
		wg.Done()
		return nil
	})
	m.On(EventStoreError, "async2", func(_ context.Context, _ Payload) error {
		count.Add(1)
		wg.Done()
		return nil
	})

	m.EmitAsync(context.Background(), EventStoreError, nil)

	// Wait with timeout
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handlers did not complete in time")
	}

	assert.Equal(t, int32(2), count.Load())
}

func TestManager_Count(t *testing.T) {
	m := testManager()

	assert.Equal(t, 0, m.Count(EventRunStarted))

	m.On(EventRunStarted, "h1", func(_ context.Context, _ Payload) error { return nil })
	assert.Equal(t, 1, m.Count(EventRunStarted))

	m.On(EventRunStarted, "h2", func(_ context.Context, _ Payload) error { return nil })
	assert.Equal(t, 2, m.Count(EventRunStarted))
}

func TestManager_Events(t *testing.T) {
	m := testManager()

	m.On(EventRunStarted, "h1", func(_ context.Context, _ Payload) error { return nil })
	m.On(EventRunFinished, "h2", func(_ context.Context, _ Payload) error { return nil })

	events := m.Events()
	assert.Len(t, events, 2)
	assert.Contains(t, events, EventRunStarted)
	assert.Contains(t, events, EventRunFinished)
}

func TestAllEvents_NotEmpty(t *testing.T) {
	require.NotEmpty(t, AllEvents)
	assert.Contains(t, AllEvents, EventRunStarted)
	assert.Contains(t, AllEvents, EventRunFinished)
}

func TestManager_Emit_StampsTime(t *testing.T) {
	m := testManager()

	var got Payload
	m.On(EventBudgetRejected, "t", func(_ context.Context, p Payload) error {
		got = p
		return nil
	})
	m.Emit(context.Background(), EventBudgetRejected, nil)
	assert.False(t, got.Time.IsZero())
	assert.Equal(t, time.UTC, got.Time.Location())
}

func TestManager_Subscribe(t *testing.T) {
	m := testManager()

	events, cancel := m.Subscribe(4)
	assert.Equal(t, 1, m.Count(EventRunStarted))

	m.Emit(context.Background(), EventRunStarted, map[string]any{"runId": "r1"})
	m.Emit(context.Background(), EventReloadFailed, nil)

	first := <-events
	assert.Equal(t, EventRunStarted, first.Event)
	assert.Equal(t, "r1", first.Data["runId"])
	second := <-events
	assert.Equal(t, EventReloadFailed, second.Event)

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, m.Count(EventRunStarted))
	_, open := <-events
	assert.False(t, open)

	// emitting after cancel must not panic
	m.Emit(context.Background(), EventRunStarted, nil)
}

func TestManager_Subscribe_DropsWhenFull(t *testing.T) {
	m := testManager()

	events, cancel := m.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		m.Emit(context.Background(), EventRunFinished, nil)
	}
	assert.Len(t, events, 1)
}

func TestManager_Subscribe_Independent(t *testing.T) {
	m := testManager()

	a, cancelA := m.Subscribe(2)
	b, cancelB := m.Subscribe(2)
	defer cancelB()

	cancelA()
	m.Emit(context.Background(), EventStoreError, nil)

	_, open := <-a
	assert.False(t, open)
	got := <-b
	assert.Equal(t, EventStoreError, got.Event)
}
