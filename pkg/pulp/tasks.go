package pulp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/metrics"
)

const (
	TaskStateWaiting   = "waiting"
	TaskStateRunning   = "running"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
	TaskStateCanceled  = "canceled"
)

// Task is pulp's record of one asynchronous operation. Error is carried
// verbatim so failed submissions can be recorded without rewriting the
// server's payload.
type Task struct {
	PulpHref         string          `json:"pulp_href"`
	Name             string          `json:"name,omitempty"`
	State            string          `json:"state"`
	Error            json.RawMessage `json:"error,omitempty"`
	CreatedResources []string        `json:"created_resources,omitempty"`
}

// CreatedResource returns the first created resource href containing
// fragment, or "" when the task created none. Sync tasks list the new
// repository version here, publication and distribution tasks the created
// object.
func (t *Task) CreatedResource(fragment string) string {
	for _, href := range t.CreatedResources {
		if strings.Contains(href, fragment) {
			return href
		}
	}
	return ""
}

func (t *Task) Terminal() bool {
	switch t.State {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// ErrorDescription extracts the human-readable description from the error
// payload, falling back to the raw payload when it has another shape.
func (t *Task) ErrorDescription() string {
	if len(t.Error) == 0 {
		return ""
	}
	var parsed struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(t.Error, &parsed); err != nil || parsed.Description == "" {
		return string(t.Error)
	}
	return parsed.Description
}

func (c *Client) GetTask(ctx context.Context, href string) (*Task, error) {
	var task Task
	if err := c.get(ctx, href, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

const (
	taskPollInterval    = 2 * time.Second
	taskPollMaxInterval = 30 * time.Second
	// taskPollMaxErrors bounds consecutive failed polls. Every poll already
	// retries transport errors internally, so reaching this means the server
	// was unreachable across several backoff cycles, not a blip.
	taskPollMaxErrors = 3
)

// WaitForTask polls href with exponential backoff until the task reaches a
// terminal state or ctx fires. Transient poll failures do not abort the
// wait, the task keeps running server-side and is simply polled again.
func (c *Client) WaitForTask(ctx context.Context, href string) (*Task, error) {
	interval := c.pollInterval
	consecutiveErrors := 0
	for {
		task, err := c.GetTask(ctx, href)
		switch {
		case err == nil:
			consecutiveErrors = 0
			if task.Terminal() {
				return task, nil
			}
		case api.IsCanceled(err) || api.IsDeadline(err):
			return nil, err
		default:
			consecutiveErrors++
			metrics.RecordPollRetry(c.host)
			if consecutiveErrors >= taskPollMaxErrors {
				return nil, api.TagErrorf(api.ErrorPulpUnreachable, "failed to poll task %s %d times in a row: %v", href, consecutiveErrors, err)
			}
			logrus.WithError(err).WithField("task", href).Warn("Failed to poll pulp task, will retry.")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > taskPollMaxInterval {
			interval = taskPollMaxInterval
		}
	}
}

// CancelTask asks pulp to cancel a task. Tasks that already reached a
// terminal state cannot be canceled anymore, pulp answers 409 and that is
// treated as success.
func (c *Client) CancelTask(ctx context.Context, href string) error {
	_, err := c.do(ctx, http.MethodPatch, href, map[string]string{"state": TaskStateCanceled})
	if err != nil && IsStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}
