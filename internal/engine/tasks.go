package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"solaros/internal/domain"
	"solaros/internal/events"
	"solaros/internal/repo"
)

// ErrQueueEmpty is returned by ClaimNextTask when no pending task matches.
var ErrQueueEmpty = errors.New("task queue empty")

var taskTypes = map[string]bool{
	"cad_generate":   true,
	"permit_submit":  true,
	"schedule_match": true,
	"funding_submit": true,
	"credit_audit":   true,
	"survey_process": true,
}

// TaskEnqueueOptions are parameters for queueing one unit of work. Priority
// and MaxRetries default from config when zero. Dedupe skips the insert when
// the project already has a pending or in-progress task of the same type.
type TaskEnqueueOptions struct {
	ID         string
	ProjectID  string
	Type       string
	Input      map[string]any
	Priority   int
	MaxRetries int
	Dedupe     bool
	CreatedBy  string
}

// EnqueueTasks inserts a batch of tasks in one transaction, so a pipeline
// step that fans out into several tasks either queues all of them or none.
// Deduped entries are dropped silently; the returned slice holds only tasks
// actually created.
func (e Engine) EnqueueTasks(ctx context.Context, opts ...TaskEnqueueOptions) ([]domain.AiTask, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var created []domain.AiTask
	for _, opt := range opts {
		if opt.ProjectID == "" {
			return nil, errors.New("project is required")
		}
		if !taskTypes[opt.Type] {
			return nil, fmt.Errorf("unknown task type %s", opt.Type)
		}
		if _, err := e.Repo.GetProjectTx(ctx, tx, opt.ProjectID); err != nil {
			return nil, err
		}
		if opt.Dedupe {
			exists, err := e.Repo.PendingTaskExists(ctx, tx, opt.ProjectID, opt.Type)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
		}
		defaults := e.Config.TaskDefaultsFor(opt.Type)
		if opt.Priority == 0 {
			opt.Priority = defaults.Priority
		}
		if opt.Priority < domain.PriorityCritical || opt.Priority > domain.PriorityDeferred {
			return nil, fmt.Errorf("priority must be 1-5, got %d", opt.Priority)
		}
		if opt.MaxRetries == 0 {
			opt.MaxRetries = defaults.MaxRetries
		}
		input := ""
		if opt.Input != nil {
			data, err := json.Marshal(opt.Input)
			if err != nil {
				return nil, fmt.Errorf("marshal task input: %w", err)
			}
			input = string(data)
		}
		now := e.nowRFC3339()
		t := domain.AiTask{
			ID:         opt.ID,
			ProjectID:  opt.ProjectID,
			Type:       opt.Type,
			Status:     "pending",
			Priority:   opt.Priority,
			Input:      input,
			MaxRetries: opt.MaxRetries,
			CreatedBy:  opt.CreatedBy,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedBy == "" {
			t.CreatedBy = "pipeline"
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		if err := e.writer().Append(ctx, tx, events.TypeTaskEnqueued, t.ProjectID, "task", t.ID, t.CreatedBy, events.EventPayload{
			"type":     t.Type,
			"priority": t.Priority,
		}); err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// ClaimNextTask hands the highest-priority oldest pending task to a worker.
// taskType narrows the claim to one type when non-empty.
func (e Engine) ClaimNextTask(ctx context.Context, taskType, workerID string) (domain.AiTask, error) {
	if workerID == "" {
		return domain.AiTask{}, errors.New("worker is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AiTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.NextPendingTask(ctx, tx, taskType)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.AiTask{}, ErrQueueEmpty
	}
	if err != nil {
		return domain.AiTask{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.MarkTaskClaimed(ctx, tx, t.ID, workerID, now); err != nil {
		return domain.AiTask{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeTaskClaimed, t.ProjectID, "task", t.ID, workerID, events.EventPayload{
		"type": t.Type,
	}); err != nil {
		return domain.AiTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AiTask{}, err
	}
	t.Status = "in_progress"
	t.ClaimedBy = &workerID
	t.UpdatedAt = now
	return t, nil
}

// TaskResultOptions carry a worker's output for a claimed task.
type TaskResultOptions struct {
	Output       string
	AiAttempt    string
	LearningData string
	ActorID      string
}

func (e Engine) CompleteTask(ctx context.Context, id string, opts TaskResultOptions) (domain.AiTask, error) {
	for _, blob := range []string{opts.Output, opts.AiAttempt, opts.LearningData} {
		if blob != "" {
			if err := validateJSON(blob); err != nil {
				return domain.AiTask{}, fmt.Errorf("invalid task result payload: %w", err)
			}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AiTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.AiTask{}, err
	}
	if t.Status != "in_progress" {
		return domain.AiTask{}, fmt.Errorf("task %s is %s, not in_progress", id, t.Status)
	}
	now := e.nowRFC3339()
	if err := e.Repo.MarkTaskCompleted(ctx, tx, id, optional(opts.Output), optional(opts.AiAttempt), optional(opts.LearningData), now); err != nil {
		return domain.AiTask{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeTaskCompleted, t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
		"type": t.Type,
	}); err != nil {
		return domain.AiTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AiTask{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

// FailTask records a worker failure. The task goes back to pending while
// retries remain; once exhausted it is parked as failed with human_fallback
// set so an operator picks it up.
func (e Engine) FailTask(ctx context.Context, id string, opts TaskResultOptions) (domain.AiTask, error) {
	if opts.AiAttempt != "" {
		if err := validateJSON(opts.AiAttempt); err != nil {
			return domain.AiTask{}, fmt.Errorf("invalid task attempt payload: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AiTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.AiTask{}, err
	}
	if t.Status != "in_progress" {
		return domain.AiTask{}, fmt.Errorf("task %s is %s, not in_progress", id, t.Status)
	}
	requeue := t.RetryCount+1 < t.MaxRetries
	now := e.nowRFC3339()
	if err := e.Repo.MarkTaskFailed(ctx, tx, id, requeue, optional(opts.AiAttempt), now); err != nil {
		return domain.AiTask{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeTaskFailed, t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
		"type":     t.Type,
		"requeued": requeue,
	}); err != nil {
		return domain.AiTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AiTask{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
