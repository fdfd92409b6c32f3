package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"solaros/internal/domain"
)

const webhookCols = `id,url,method,payload_json,headers_json,source,status,success,status_code,response_body,error,retry_of,attempted_at,created_at`

func scanWebhookLog(scan func(dest ...any) error) (domain.WebhookLog, error) {
	var w domain.WebhookLog
	var method, payload, headers, source, respBody, werr, retryOf, attemptedAt sql.NullString
	var success sql.NullBool
	var statusCode sql.NullInt64
	err := scan(&w.ID, &w.URL, &method, &payload, &headers, &source, &w.Status, &success, &statusCode, &respBody, &werr, &retryOf, &attemptedAt, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Method = method.String
	w.Payload = payload.String
	w.Headers = headers.String
	w.Source = source.String
	if success.Valid {
		w.Success = &success.Bool
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		w.StatusCode = &code
	}
	if respBody.Valid {
		w.ResponseBody = &respBody.String
	}
	if werr.Valid {
		w.Error = &werr.String
	}
	if retryOf.Valid {
		w.RetryOf = &retryOf.String
	}
	if attemptedAt.Valid {
		w.AttemptedAt = &attemptedAt.String
	}
	return w, nil
}

func (r Repo) InsertWebhookLog(ctx context.Context, w domain.WebhookLog) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_logs(`+webhookCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.URL, nullable(w.Method), nullable(w.Payload), nullable(w.Headers), nullable(w.Source), w.Status,
		nullableBoolPtr(w.Success), nullableIntPtr(w.StatusCode), nullableStringPtr(w.ResponseBody), nullableStringPtr(w.Error),
		nullableStringPtr(w.RetryOf), nullableStringPtr(w.AttemptedAt), w.CreatedAt)
	return err
}

func (r Repo) GetWebhookLog(ctx context.Context, id string) (domain.WebhookLog, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhook_logs WHERE id=?`, id)
	return scanWebhookLog(row.Scan)
}

// PendingRetries returns the oldest pending manual-retry logs, up to limit.
func (r Repo) PendingRetries(ctx context.Context, limit int) ([]domain.WebhookLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+webhookCols+` FROM webhook_logs WHERE status='pending' AND source='manual_retry' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookLog
	for rows.Next() {
		w, err := scanWebhookLog(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) ListWebhookLogs(ctx context.Context, status string, limit int) ([]domain.WebhookLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + webhookCols + ` FROM webhook_logs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookLog
	for rows.Next() {
		w, err := scanWebhookLog(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// RecordWebhookResult finalizes one delivery attempt. The row never goes back
// to pending; a manual retry creates a fresh log instead.
func (r Repo) RecordWebhookResult(ctx context.Context, id, status string, success bool, statusCode *int, responseBody, werr *string, attemptedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_logs SET status=?, success=?, status_code=?, response_body=?, error=?, attempted_at=? WHERE id=?`,
		status, success, nullableIntPtr(statusCode), nullableStringPtr(responseBody), nullableStringPtr(werr), attemptedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- integration status ---

func (r Repo) UpsertIntegrationStatus(ctx context.Context, s domain.IntegrationStatus) error {
	masked, err := json.Marshal(s.MaskedKeys)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO integration_status(name,connected,masked_keys_json,checked_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET connected=excluded.connected, masked_keys_json=excluded.masked_keys_json, checked_at=excluded.checked_at`,
		s.Name, s.Connected, string(masked), s.CheckedAt)
	return err
}

func (r Repo) ListIntegrationStatus(ctx context.Context) ([]domain.IntegrationStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,connected,COALESCE(masked_keys_json,'{}'),checked_at FROM integration_status ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntegrationStatus
	for rows.Next() {
		var s domain.IntegrationStatus
		var masked string
		if err := rows.Scan(&s.Name, &s.Connected, &masked, &s.CheckedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(masked), &s.MaskedKeys); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
