package upload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an upload task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Destination names the object an upload produces.
type Destination struct {
	Container   string `json:"container"`
	ObjectName  string `json:"objectName"`
	ContentType string `json:"contentType,omitempty"`
}

// Task is the durable record of one upload. Only the owning Manager mutates it.
type Task struct {
	ID          string      `json:"id"`
	SourceURI   string      `json:"sourceUri"`
	Destination Destination `json:"destination"`
	Status      Status      `json:"status"`
	BytesSent   uint64      `json:"bytesSent"`
	TotalBytes  uint64      `json:"totalBytes"`
	LastError   string      `json:"lastError,omitempty"`
	ResultURL   string      `json:"resultUrl,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Progress returns BytesSent/TotalBytes in [0,1]. An empty source counts as done
// once completed.
func (t Task) Progress() float64 {
	if t.TotalBytes == 0 {
		if t.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	p := float64(t.BytesSent) / float64(t.TotalBytes)
	if p > 1 {
		return 1
	}
	return p
}

// IsFinished reports whether the task has reached a state no worker will change.
func (t Task) IsFinished() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// sessionNamespace scopes the deterministic session ids derived from task ids.
var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("eventsync:upload-session"))

// SessionID returns the remote session id of a task. It is derived from the task id,
// so a resumed transfer always finds the session it started.
func SessionID(taskID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(taskID)).String()
}

// taskKeyPrefix namespaces upload task records in the PersistentStore.
const taskKeyPrefix = "upload:task:"

func taskKey(id string) string { return taskKeyPrefix + id }

func encodeTask(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload task %s: %w", t.ID, err)
	}
	return data, nil
}

func decodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("failed to unmarshal upload task: %w", err)
	}
	if t.ID == "" {
		return Task{}, fmt.Errorf("upload task record has no id")
	}
	return t, nil
}
