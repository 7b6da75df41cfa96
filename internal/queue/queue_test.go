package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue_PriorityOrder(t *testing.T) {
	q := NewInMemoryQueue(0)
	require.NoError(t, q.Push(&Task{ID: "low-1"}))
	require.NoError(t, q.Push(&Task{ID: "high", Priority: 5}))
	require.NoError(t, q.Push(&Task{ID: "low-2"}))

	ctx := context.Background()
	var order []string
	for i := 0; i < 3; i++ {
		task, err := q.Pop(ctx)
		require.NoError(t, err)
		order = append(order, task.ID)
	}

	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)
	assert.Zero(t, q.Size())
}

func TestInMemoryQueue_PopWaitsForPush(t *testing.T) {
	q := NewInMemoryQueue(0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(&Task{ID: "run-1", URL: "https://www.shop.example/mens"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	task, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", task.ID)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestInMemoryQueue_PopCancelled(t *testing.T) {
	q := NewInMemoryQueue(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryQueue_Close(t *testing.T) {
	q := NewInMemoryQueue(0)
	require.NoError(t, q.Push(&Task{ID: "run-1"}))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(&Task{ID: "run-2"}), ErrQueueClosed)

	task, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", task.ID, "queued tasks survive close")

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestInMemoryQueue_CloseWakesWaiters(t *testing.T) {
	q := NewInMemoryQueue(0)

	errs := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(1)
	require.NoError(t, q.Push(&Task{ID: "run-1"}))
	assert.ErrorIs(t, q.Push(&Task{ID: "run-2"}), ErrQueueFull)

	_, err := q.TryPop()
	require.NoError(t, err)
	_, err = q.TryPop()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestInMemoryQueue_ConcurrentConsumers(t *testing.T) {
	q := NewInMemoryQueue(0)
	const n = 50

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	got := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				got[task.ID] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Push(&Task{ID: fmt.Sprintf("run-%d", i)}))
	}
	require.NoError(t, q.Close())
	wg.Wait()

	assert.Len(t, got, n)
}
