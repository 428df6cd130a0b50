// Package taskqueue runs queued mosaic targets one after another and persists
// their state so an interrupted batch resumes where it stopped.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"sky-mosaic/internal/logging"
)

// QueueState represents the persistent queue state
type QueueState struct {
	TaskOrder []string `json:"taskOrder"`
}

// QueueStatus summarizes the queue
type QueueStatus struct {
	IsRunning      bool   `json:"isRunning"`
	CurrentTaskID  string `json:"currentTaskID"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	FailedTasks    int    `json:"failedTasks"`
	PendingTasks   int    `json:"pendingTasks"`
}

// ProgressFunc receives tile progress for the running task.
type ProgressFunc func(done, total int, failed bool)

// TaskExecutor builds the mosaic for one task and returns its output folder.
type TaskExecutor interface {
	ExecuteMosaicTask(ctx context.Context, task *MosaicTask, progress ProgressFunc) (string, error)
}

// ExecutorFunc adapts a function to TaskExecutor.
type ExecutorFunc func(ctx context.Context, task *MosaicTask, progress ProgressFunc) (string, error)

func (f ExecutorFunc) ExecuteMosaicTask(ctx context.Context, task *MosaicTask, progress ProgressFunc) (string, error) {
	return f(ctx, task, progress)
}

// Option configures a QueueManager.
type Option func(*QueueManager)

func WithLogger(l zerolog.Logger) Option {
	return func(qm *QueueManager) { qm.log = logging.Component(l, "taskqueue") }
}

// OnTaskComplete is called after each task reaches a terminal state.
func OnTaskComplete(fn func(*MosaicTask)) Option {
	return func(qm *QueueManager) { qm.onTaskComplete = fn }
}

// QueueManager manages the mosaic task queue
type QueueManager struct {
	mu          sync.RWMutex
	tasks       map[string]*MosaicTask
	taskOrder   []string
	storagePath string

	isRunning   bool
	currentTask *MosaicTask

	executor       TaskExecutor
	onTaskComplete func(*MosaicTask)
	log            zerolog.Logger
}

// NewQueueManager opens the queue stored under storagePath, creating it if
// needed. Tasks left running by an interrupted process go back to pending.
// A nil executor opens the queue for inspection only; Run then fails.
func NewQueueManager(storagePath string, executor TaskExecutor, opts ...Option) (*QueueManager, error) {
	qm := &QueueManager{
		tasks:       make(map[string]*MosaicTask),
		storagePath: storagePath,
		executor:    executor,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(qm)
	}
	if err := qm.loadState(); err != nil {
		return nil, err
	}
	return qm, nil
}

func (qm *QueueManager) getStoragePaths() (queueFile, tasksDir string) {
	return filepath.Join(qm.storagePath, "queue.json"), filepath.Join(qm.storagePath, "tasks")
}

func (qm *QueueManager) loadState() error {
	queueFile, tasksDir := qm.getStoragePaths()

	data, err := os.ReadFile(queueFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read queue state: %w", err)
	}
	var state QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse queue state: %w", err)
	}

	for _, id := range state.TaskOrder {
		task, err := LoadFromFile(filepath.Join(tasksDir, id+".json"))
		if err != nil {
			qm.log.Warn().Err(err).Str("task", id).Msg("dropping unreadable task")
			continue
		}
		if task.Status == TaskStatusRunning {
			task.Status = TaskStatusPending
		}
		qm.tasks[id] = task
		qm.taskOrder = append(qm.taskOrder, id)
	}
	qm.log.Debug().Int("tasks", len(qm.taskOrder)).Msg("queue loaded")
	return nil
}

func (qm *QueueManager) saveState() error {
	queueFile, _ := qm.getStoragePaths()
	if err := os.MkdirAll(filepath.Dir(queueFile), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	data, err := json.MarshalIndent(QueueState{TaskOrder: qm.taskOrder}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}
	if err := os.WriteFile(queueFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}
	return nil
}

func (qm *QueueManager) saveTask(task *MosaicTask) error {
	_, tasksDir := qm.getStoragePaths()
	return task.SaveToFile(tasksDir)
}

// AddTask appends a task to the queue
func (qm *QueueManager) AddTask(task *MosaicTask) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if task.ID == "" {
		task.ID = NewMosaicTask(task.Target).ID
	}
	if _, exists := qm.tasks[task.ID]; exists {
		return fmt.Errorf("task already queued: %s", task.ID)
	}
	qm.tasks[task.ID] = task
	qm.taskOrder = append(qm.taskOrder, task.ID)

	if err := qm.saveTask(task); err != nil {
		return err
	}
	if err := qm.saveState(); err != nil {
		return err
	}
	qm.log.Info().Str("task", task.ID).Str("name", task.Target.Name).Msg("task added")
	return nil
}

// FindByName returns the first task whose target carries name, or nil.
func (qm *QueueManager) FindByName(name string) *MosaicTask {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	for _, id := range qm.taskOrder {
		if t := qm.tasks[id]; t.Target.Name == name {
			return t
		}
	}
	return nil
}

// GetAllTasks returns all tasks in queue order
func (qm *QueueManager) GetAllTasks() []*MosaicTask {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	result := make([]*MosaicTask, 0, len(qm.taskOrder))
	for _, id := range qm.taskOrder {
		result = append(result, qm.tasks[id])
	}
	return result
}

// RetryFailed moves failed and cancelled tasks back to pending and returns
// how many were requeued.
func (qm *QueueManager) RetryFailed() (int, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	n := 0
	for _, id := range qm.taskOrder {
		t := qm.tasks[id]
		if t.Status != TaskStatusFailed && t.Status != TaskStatusCancelled {
			continue
		}
		t.Status = TaskStatusPending
		if err := qm.saveTask(t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteTask removes a task that is not running
func (qm *QueueManager) DeleteTask(id string) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	task, exists := qm.tasks[id]
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}
	if qm.currentTask == task {
		return fmt.Errorf("cannot delete running task: %s", id)
	}
	return qm.removeLocked(id)
}

func (qm *QueueManager) removeLocked(id string) error {
	_, tasksDir := qm.getStoragePaths()
	delete(qm.tasks, id)
	qm.taskOrder = slices.DeleteFunc(qm.taskOrder, func(v string) bool { return v == id })
	if err := os.Remove(filepath.Join(tasksDir, id+".json")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove task file: %w", err)
	}
	return qm.saveState()
}

// ClearCompleted removes completed tasks from the queue
func (qm *QueueManager) ClearCompleted() error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	for _, id := range slices.Clone(qm.taskOrder) {
		if qm.tasks[id].Status == TaskStatusCompleted {
			if err := qm.removeLocked(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetStatus returns a snapshot of the queue
func (qm *QueueManager) GetStatus() QueueStatus {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	status := QueueStatus{IsRunning: qm.isRunning, TotalTasks: len(qm.tasks)}
	if qm.currentTask != nil {
		status.CurrentTaskID = qm.currentTask.ID
	}
	for _, t := range qm.tasks {
		switch t.Status {
		case TaskStatusCompleted:
			status.CompletedTasks++
		case TaskStatusFailed, TaskStatusCancelled:
			status.FailedTasks++
		case TaskStatusPending:
			status.PendingTasks++
		}
	}
	return status
}

// next picks the highest-priority pending task, earliest queued first.
func (qm *QueueManager) next() *MosaicTask {
	var best *MosaicTask
	for _, id := range qm.taskOrder {
		t := qm.tasks[id]
		if t.Status != TaskStatusPending {
			continue
		}
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	return best
}

// Run executes pending tasks one at a time until none remain. A failing task
// is recorded and the queue moves on; cancelling ctx marks the running task
// cancelled and returns ctx.Err().
func (qm *QueueManager) Run(ctx context.Context) error {
	if qm.executor == nil {
		return errors.New("taskqueue: no executor")
	}
	qm.mu.Lock()
	if qm.isRunning {
		qm.mu.Unlock()
		return errors.New("taskqueue: already running")
	}
	qm.isRunning = true
	qm.mu.Unlock()

	defer func() {
		qm.mu.Lock()
		qm.isRunning = false
		qm.currentTask = nil
		qm.mu.Unlock()
	}()

	qm.log.Info().Msg("queue started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		qm.mu.Lock()
		task := qm.next()
		if task == nil {
			qm.mu.Unlock()
			status := qm.GetStatus()
			qm.log.Info().Int("completed", status.CompletedTasks).Int("failed", status.FailedTasks).Msg("queue finished")
			return nil
		}
		qm.currentTask = task
		task.MarkStarted()
		if err := qm.saveTask(task); err != nil {
			qm.mu.Unlock()
			return err
		}
		qm.mu.Unlock()

		qm.log.Info().Str("task", task.ID).Str("name", task.Target.Name).Int("attempt", task.Attempts).Msg("executing task")
		out, execErr := qm.executor.ExecuteMosaicTask(ctx, task, func(done, total int, failed bool) {
			qm.mu.Lock()
			defer qm.mu.Unlock()
			task.UpdateProgress(done, total, failed)
			if err := qm.saveTask(task); err != nil {
				qm.log.Warn().Err(err).Str("task", task.ID).Msg("failed to persist progress")
			}
		})

		qm.mu.Lock()
		switch {
		case execErr != nil && ctx.Err() != nil:
			task.MarkCancelled()
			task.OutputPath = out
		case execErr != nil:
			task.MarkFailed(execErr)
			task.OutputPath = out
			qm.log.Error().Err(execErr).Str("task", task.ID).Str("name", task.Target.Name).Msg("task failed")
		default:
			task.MarkCompleted(out)
			qm.log.Info().Str("task", task.ID).Str("output", out).Msg("task completed")
		}
		saveErr := qm.saveTask(task)
		qm.currentTask = nil
		qm.mu.Unlock()

		if qm.onTaskComplete != nil {
			qm.onTaskComplete(task)
		}
		if saveErr != nil {
			return saveErr
		}
	}
}
