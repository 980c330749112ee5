package ensemble

import (
	"time"

	"github.com/google/uuid"
)

// OutputType is the requested (or inferred) shape of a task's final artifact.
type OutputType string

const (
	OutputAuto      OutputType = "auto" // infer from the roles that produced terminal steps
	OutputReport    OutputType = "report"
	OutputCode      OutputType = "code"
	OutputWebsite   OutputType = "website"
	OutputImage     OutputType = "image"
	OutputVideo     OutputType = "video"
	OutputDataset   OutputType = "dataset"
	OutputDocument  OutputType = "document"
	OutputComposite OutputType = "composite"
)

// TaskStatus is the lifecycle state of a submitted task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskPlanning    TaskStatus = "planning"
	TaskExecuting   TaskStatus = "executing"
	TaskAggregating TaskStatus = "aggregating"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskFile is an attachment supplied with a task. URL may be a local path
// or a fetchable location; tools decide how to load it.
type TaskFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url"`
}

// Task is one user request to the engine.
type Task struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Files      []TaskFile `json:"files,omitempty"`
	OutputType OutputType `json:"output_type"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TaskOption customizes NewTask.
type TaskOption func(*Task)

// TaskWithFiles attaches files to the task.
func TaskWithFiles(files ...TaskFile) TaskOption {
	return func(t *Task) { t.Files = append(t.Files, files...) }
}

// TaskWithOutputType sets the requested artifact type (default auto).
func TaskWithOutputType(ot OutputType) TaskOption {
	return func(t *Task) { t.OutputType = ot }
}

// TaskWithID overrides the generated task id (useful for replay and tests).
func TaskWithID(id string) TaskOption {
	return func(t *Task) { t.ID = id }
}

// NewTask builds a task with a fresh UUID, pending status, and auto output
// type unless overridden.
func NewTask(content string, opts ...TaskOption) Task {
	t := Task{
		ID:         uuid.NewString(),
		Content:    content,
		OutputType: OutputAuto,
		Status:     TaskPending,
		CreatedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}
