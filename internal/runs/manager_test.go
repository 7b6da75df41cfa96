package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maltedev/apparel-scraper/internal/pipeline"
	"github.com/maltedev/apparel-scraper/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner is a mock for Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, opts pipeline.Options) (*pipeline.Summary, error) {
	args := m.Called(ctx, opts)
	summary, _ := args.Get(0).(*pipeline.Summary)
	return summary, args.Error(1)
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		var err error
		run, err = m.GetRun(id)
		return err == nil && run.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return run
}

func TestManager_CreateAndProcess(t *testing.T) {
	runner := new(MockRunner)
	m := NewManager(runner, queue.NewInMemoryQueue(0), nil)

	run, err := m.CreateRun("https://www.shop.example/shop/eu/mens", 10, true)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)

	runner.On("Run", mock.Anything, pipeline.Options{
		RunID:       run.ID,
		StartURL:    "https://www.shop.example/shop/eu/mens",
		MaxProducts: 10,
		DryRun:      true,
	}).Return(&pipeline.Summary{RunID: run.ID, Found: 12, Saved: 0, Success: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.StartWorker(ctx)

	done := waitForStatus(t, m, run.ID, StatusCompleted)
	require.NotNil(t, done.Summary)
	assert.Equal(t, 12, done.Summary.Found)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	runner.AssertExpectations(t)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.CompletedRuns)
	assert.Equal(t, 100.0, stats.SuccessRate)
}

func TestManager_FailedRun(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything).Return(&pipeline.Summary{}, errors.New("no category targets configured"))
	m := NewManager(runner, queue.NewInMemoryQueue(0), nil)

	run, err := m.CreateRun("", 0, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.StartWorker(ctx)

	failed := waitForStatus(t, m, run.ID, StatusFailed)
	assert.Contains(t, failed.Error, "no category targets")
}

func TestManager_CreateRunValidation(t *testing.T) {
	m := NewManager(new(MockRunner), queue.NewInMemoryQueue(1), nil)

	_, err := m.CreateRun("ftp://www.shop.example/mens", 0, false)
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = m.CreateRun("", 0, false)
	require.NoError(t, err)

	_, err = m.CreateRun("", 0, false)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, m.ListRuns(), 1, "rejected runs are not registered")
}

func TestManager_GetRunNotFound(t *testing.T) {
	m := NewManager(new(MockRunner), queue.NewInMemoryQueue(0), nil)

	_, err := m.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ListRunsNewestFirst(t *testing.T) {
	m := NewManager(new(MockRunner), queue.NewInMemoryQueue(0), nil)

	first, err := m.CreateRun("", 0, false)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := m.CreateRun("", 0, false)
	require.NoError(t, err)

	list := m.ListRuns()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestManager_GetRunReturnsCopy(t *testing.T) {
	m := NewManager(new(MockRunner), queue.NewInMemoryQueue(0), nil)

	run, err := m.CreateRun("", 0, false)
	require.NoError(t, err)

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	got.Status = StatusFailed

	again, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}

func TestManager_WorkerStopsOnClose(t *testing.T) {
	q := queue.NewInMemoryQueue(0)
	m := NewManager(new(MockRunner), q, nil)

	stopped := make(chan struct{})
	go func() {
		m.StartWorker(context.Background())
		close(stopped)
	}()

	require.NoError(t, q.Close())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
