package taskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Target is one field to build a mosaic for.
type Target struct {
	Name    string  `json:"name" toml:"name"`
	RA      float64 `json:"ra" toml:"ra"`
	Dec     float64 `json:"dec" toml:"dec"`
	ObsTime string  `json:"obsTime,omitempty" toml:"obs_time"`
}

// TaskProgress tracks tiles finished within the running mosaic
type TaskProgress struct {
	TilesTotal     int `json:"tilesTotal"`
	TilesCompleted int `json:"tilesCompleted"`
	TilesFailed    int `json:"tilesFailed"`
	Percent        int `json:"percent"`
}

// MosaicTask is a single queued mosaic run
type MosaicTask struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"` // Higher = more urgent (default 0)
	CreatedAt   string     `json:"createdAt"`
	StartedAt   string     `json:"startedAt,omitempty"`
	CompletedAt string     `json:"completedAt,omitempty"`
	Attempts    int        `json:"attempts"`

	Target Target `json:"target"`

	Progress TaskProgress `json:"progress"`

	Error string `json:"error,omitempty"`

	// Folder holding the tiles and report once the run finished
	OutputPath string `json:"outputPath,omitempty"`
}

// NewMosaicTask creates a pending task for target
func NewMosaicTask(target Target) *MosaicTask {
	return &MosaicTask{
		ID:        uuid.NewString(),
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Target:    target,
	}
}

// SaveToFile persists the task to <dir>/<id>.json
func (t *MosaicTask) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, t.ID+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	return nil
}

// LoadFromFile loads a task from a JSON file
func LoadFromFile(path string) (*MosaicTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var task MosaicTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", path, err)
	}
	return &task, nil
}

// UpdateProgress records a finished tile
func (t *MosaicTask) UpdateProgress(done, total int, failed bool) {
	t.Progress.TilesCompleted = done
	t.Progress.TilesTotal = total
	if failed {
		t.Progress.TilesFailed++
	}
	if total > 0 {
		t.Progress.Percent = min(done*100/total, 100)
	}
}

func (t *MosaicTask) MarkStarted() {
	t.StartedAt = time.Now().UTC().Format(time.RFC3339)
	t.CompletedAt = ""
	t.Error = ""
	t.Status = TaskStatusRunning
	t.Attempts++
	t.Progress = TaskProgress{}
}

func (t *MosaicTask) MarkCompleted(outputPath string) {
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	t.Status = TaskStatusCompleted
	t.OutputPath = outputPath
	t.Progress.Percent = 100
}

func (t *MosaicTask) MarkFailed(err error) {
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
}

func (t *MosaicTask) MarkCancelled() {
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	t.Status = TaskStatusCancelled
}
