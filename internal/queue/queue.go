package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task type names shared between the scheduler and the runner.
const (
	TaskRun = "task:run"
)

// Queue names.
const (
	QueueRuns = "runs"
)

// RunPayload is the body of a task:run message.
type RunPayload struct {
	TaskID int64  `json:"task_id"`
	JobKey string `json:"job_key,omitempty"`
	Retry  int    `json:"retry,omitempty"`
}

// RunTaskID is the queue-level identity of a scheduled run of a task. Reusing
// it on enqueue bounds a task to one queued-or-active scheduled run at a time.
func RunTaskID(taskID int64) string {
	return fmt.Sprintf("%s:%d", TaskRun, taskID)
}

func NewRunTask(p RunPayload) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(TaskRun, payload)
}

func ParseRunPayload(t *asynq.Task) (RunPayload, error) {
	var p RunPayload
	err := json.Unmarshal(t.Payload(), &p)
	return p, err
}
