package repo

import (
	"context"
	"database/sql"
	"strings"

	"solaros/internal/domain"
)

const taskCols = `id,project_id,type,status,priority,input_json,output_json,ai_attempt_json,human_fallback,learning_data_json,retry_count,max_retries,created_by,claimed_by,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.AiTask, error) {
	var t domain.AiTask
	var input, output, attempt, learning, claimedBy sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Type, &t.Status, &t.Priority, &input, &output, &attempt, &t.HumanFallback, &learning, &t.RetryCount, &t.MaxRetries, &t.CreatedBy, &claimedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Input = input.String
	if output.Valid {
		t.Output = &output.String
	}
	if attempt.Valid {
		t.AiAttempt = &attempt.String
	}
	if learning.Valid {
		t.LearningData = &learning.String
	}
	if claimedBy.Valid {
		t.ClaimedBy = &claimedBy.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.AiTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ai_tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Type, t.Status, t.Priority, nullable(t.Input), nullableStringPtr(t.Output), nullableStringPtr(t.AiAttempt),
		t.HumanFallback, nullableStringPtr(t.LearningData), t.RetryCount, t.MaxRetries, t.CreatedBy, nullableStringPtr(t.ClaimedBy), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.AiTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM ai_tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.AiTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM ai_tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilter struct {
	ProjectID string
	Type      string
	Status    string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.AiTask, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM ai_tasks WHERE `+strings.Join(clauses, " AND ")+` ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AiTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PendingTaskExists reports whether the project already has a pending or
// in-progress task of the given type. Used to dedupe watcher enqueues.
func (r Repo) PendingTaskExists(ctx context.Context, tx *sql.Tx, projectID, taskType string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM ai_tasks WHERE project_id=? AND type=? AND status IN ('pending','in_progress')`, projectID, taskType).Scan(&n)
	return n > 0, err
}

// NextPendingTask returns the highest-priority oldest pending task, or
// ErrNotFound when the queue is empty.
func (r Repo) NextPendingTask(ctx context.Context, tx *sql.Tx, taskType string) (domain.AiTask, error) {
	query := `SELECT ` + taskCols + ` FROM ai_tasks WHERE status='pending'`
	var args []any
	if taskType != "" {
		query += ` AND type=?`
		args = append(args, taskType)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`
	row := tx.QueryRowContext(ctx, query, args...)
	return scanTask(row.Scan)
}

func (r Repo) MarkTaskClaimed(ctx context.Context, tx *sql.Tx, id, claimedBy, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ai_tasks SET status='in_progress', claimed_by=?, updated_at=? WHERE id=? AND status='pending'`, claimedBy, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkTaskCompleted(ctx context.Context, tx *sql.Tx, id string, output, attempt, learning *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ai_tasks SET status='completed', output_json=?, ai_attempt_json=COALESCE(?,ai_attempt_json), learning_data_json=COALESCE(?,learning_data_json), updated_at=? WHERE id=?`,
		nullableStringPtr(output), nullableStringPtr(attempt), nullableStringPtr(learning), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskFailed either requeues a task with an incremented retry count or,
// once retries are exhausted, parks it as failed with human_fallback set.
func (r Repo) MarkTaskFailed(ctx context.Context, tx *sql.Tx, id string, requeue bool, attempt *string, updatedAt string) error {
	var query string
	if requeue {
		query = `UPDATE ai_tasks SET status='pending', claimed_by=NULL, retry_count=retry_count+1, ai_attempt_json=COALESCE(?,ai_attempt_json), updated_at=? WHERE id=?`
	} else {
		query = `UPDATE ai_tasks SET status='failed', human_fallback=1, retry_count=retry_count+1, ai_attempt_json=COALESCE(?,ai_attempt_json), updated_at=? WHERE id=?`
	}
	res, err := tx.ExecContext(ctx, query, nullableStringPtr(attempt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
