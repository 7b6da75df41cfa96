// Package runs schedules pipeline runs requested over the HTTP API and keeps
// their status in memory.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/pipeline"
	"github.com/maltedev/apparel-scraper/internal/queue"
)

var (
	ErrNotFound   = errors.New("run not found")
	ErrBusy       = errors.New("too many runs queued")
	ErrInvalidURL = errors.New("invalid start url")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const maxListed = 100

// Run is one requested scrape and, once finished, its summary.
type Run struct {
	ID          string            `json:"id"`
	URL         string            `json:"url,omitempty"`
	MaxProducts int               `json:"max_products,omitempty"`
	DryRun      bool              `json:"dry_run"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Summary     *pipeline.Summary `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type Stats struct {
	TotalRuns     int     `json:"total_runs"`
	PendingRuns   int     `json:"pending_runs"`
	RunningRuns   int     `json:"running_runs"`
	CompletedRuns int     `json:"completed_runs"`
	FailedRuns    int     `json:"failed_runs"`
	SuccessRate   float64 `json:"success_rate"`
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Summary, error)
}

type Manager struct {
	runner Runner
	queue  queue.Queue
	logger *slog.Logger

	mu   sync.RWMutex
	runs map[string]*Run
}

func NewManager(runner Runner, q queue.Queue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		queue:  q,
		logger: logger.With("component", "run_manager"),
		runs:   make(map[string]*Run),
	}
}

// CreateRun queues a run. An empty url runs the configured categories.
func (m *Manager) CreateRun(rawURL string, maxProducts int, dryRun bool) (*Run, error) {
	if rawURL != "" {
		if _, err := models.Canonicalize(rawURL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
	}
	if maxProducts < 0 {
		maxProducts = 0
	}

	run := &Run{
		ID:          uuid.NewString(),
		URL:         rawURL,
		MaxProducts: maxProducts,
		DryRun:      dryRun,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	err := m.queue.Push(&queue.Task{
		ID:          run.ID,
		URL:         rawURL,
		MaxProducts: maxProducts,
		DryRun:      dryRun,
		CreatedAt:   run.CreatedAt,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.runs, run.ID)
		m.mu.Unlock()
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("failed to queue run: %w", err)
	}

	m.logger.Info("run created", "id", run.ID, "url", rawURL, "max_products", maxProducts, "dry_run", dryRun)
	return m.snapshot(run), nil
}

func (m *Manager) GetRun(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyRun(run), nil
}

// ListRuns returns the most recent runs, newest first.
func (m *Manager) ListRuns() []*Run {
	m.mu.RLock()
	list := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		list = append(list, m.copyRun(run))
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if len(list) > maxListed {
		list = list[:maxListed]
	}
	return list
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, run := range m.runs {
		stats.TotalRuns++
		switch run.Status {
		case StatusPending:
			stats.PendingRuns++
		case StatusRunning:
			stats.RunningRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed, StatusCancelled:
			stats.FailedRuns++
		}
	}
	if finished := stats.CompletedRuns + stats.FailedRuns; finished > 0 {
		stats.SuccessRate = float64(stats.CompletedRuns) / float64(finished) * 100
	}
	return stats
}

// StartWorker executes queued runs one at a time until ctx is done or the
// queue is closed.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("run worker started")

	for {
		task, err := m.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
				m.logger.Error("failed to get run from queue", "error", err)
				continue
			}
			m.logger.Info("run worker stopping")
			return
		}
		m.process(ctx, task)
	}
}

func (m *Manager) process(ctx context.Context, task *queue.Task) {
	logger := m.logger.With("id", task.ID)
	logger.Info("processing run")
	m.update(task.ID, func(run *Run) {
		now := time.Now().UTC()
		run.Status = StatusRunning
		run.StartedAt = &now
	})

	summary, err := m.runner.Run(ctx, pipeline.Options{
		RunID:       task.ID,
		StartURL:    task.URL,
		MaxProducts: task.MaxProducts,
		DryRun:      task.DryRun,
	})

	m.update(task.ID, func(run *Run) {
		now := time.Now().UTC()
		run.CompletedAt = &now
		run.Summary = summary
		switch {
		case err == nil:
			run.Status = StatusCompleted
		case errors.Is(err, context.Canceled):
			run.Status = StatusCancelled
			run.Error = err.Error()
		default:
			run.Status = StatusFailed
			run.Error = err.Error()
		}
	})

	if err != nil {
		logger.Error("run failed", "error", err)
		return
	}
	logger.Info("run completed", "found", summary.Found, "saved", summary.Saved, "success", summary.Success)
}

func (m *Manager) update(id string, fn func(*Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[id]; ok {
		fn(run)
	}
}

func (m *Manager) snapshot(run *Run) *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyRun(run)
}

func (m *Manager) copyRun(run *Run) *Run {
	cp := *run
	if run.Summary != nil {
		s := *run.Summary
		cp.Summary = &s
	}
	return &cp
}
