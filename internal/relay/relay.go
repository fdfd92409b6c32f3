// Package relay replays stored webhook requests. It sweeps the log for
// pending manual retries on a fixed cadence and classifies each delivery
// attempt onto the log entry; it never throws delivery failures at callers.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"solaros/internal/config"
	"solaros/internal/domain"
	"solaros/internal/metrics"
	"solaros/internal/repo"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultBatchSize   = 20
	defaultTimeout     = 30 * time.Second
	defaultBodyCapture = 2000
	defaultRate        = 5
	errorBodyCapture   = 200
	userAgent          = "SolarOS-Webhook-Relay/1.0"
)

// Result is the classification of one delivery attempt.
type Result struct {
	Success      bool    `json:"success"`
	StatusCode   *int    `json:"status_code,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`
	Error        *string `json:"error,omitempty"`
}

type Relay struct {
	Repo        repo.Repo
	Client      *http.Client
	Now         func() time.Time
	Log         *slog.Logger
	Interval    time.Duration
	BatchSize   int
	BodyCapture int
	Timeout     time.Duration
	limiter     *rate.Limiter
}

func New(r repo.Repo, cfg *config.Config, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	rl := &Relay{
		Repo:        r,
		Now:         time.Now,
		Log:         log,
		Interval:    defaultInterval,
		BatchSize:   defaultBatchSize,
		BodyCapture: defaultBodyCapture,
		Timeout:     defaultTimeout,
	}
	perSecond := float64(defaultRate)
	if cfg != nil {
		if cfg.Relay.IntervalMinutes > 0 {
			rl.Interval = time.Duration(cfg.Relay.IntervalMinutes) * time.Minute
		}
		if cfg.Relay.BatchSize > 0 {
			rl.BatchSize = cfg.Relay.BatchSize
		}
		if cfg.Relay.TimeoutSeconds > 0 {
			rl.Timeout = time.Duration(cfg.Relay.TimeoutSeconds) * time.Second
		}
		if cfg.Relay.BodyCaptureBytes > 0 {
			rl.BodyCapture = cfg.Relay.BodyCaptureBytes
		}
		if cfg.Relay.RatePerSecond > 0 {
			perSecond = cfg.Relay.RatePerSecond
		}
	}
	rl.Client = &http.Client{Timeout: rl.Timeout}
	rl.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	return rl
}

// Run sweeps until ctx is canceled. The first sweep happens immediately.
func (rl *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.Interval)
	defer ticker.Stop()
	for {
		if err := rl.Sweep(ctx); err != nil {
			rl.Log.Error("relay: sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep replays up to BatchSize oldest pending manual retries. A crash
// mid-batch leaves the untouched remainder pending for the next sweep;
// a log's status is only written after its attempt finishes.
func (rl *Relay) Sweep(ctx context.Context) error {
	logs, err := rl.Repo.PendingRetries(ctx, rl.BatchSize)
	if err != nil {
		return err
	}
	for _, entry := range logs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rl.limiter.Wait(ctx); err != nil {
			return err
		}
		res := rl.Deliver(ctx, entry)
		status := "failed"
		if res.Success {
			status = "delivered"
		}
		attemptedAt := rl.Now().UTC().Format(time.RFC3339)
		if err := rl.Repo.RecordWebhookResult(ctx, entry.ID, status, res.Success, res.StatusCode, res.ResponseBody, res.Error, attemptedAt); err != nil {
			return err
		}
		metrics.WebhookDeliveries.WithLabelValues(status).Inc()
		rl.Log.Info("relay: replayed webhook", "log_id", entry.ID, "url", entry.URL, "status", status)
	}
	return nil
}

// Deliver performs one HTTP replay of a stored request and classifies the
// outcome. Success is strictly a 2xx status. The response body is captured
// up to BodyCapture characters; failures record an error string instead of
// returning one.
func (rl *Relay) Deliver(ctx context.Context, entry domain.WebhookLog) Result {
	if entry.URL == "" {
		return failure("missing URL")
	}
	method := entry.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	var contentLength int
	if entry.Payload != "" {
		body = bytes.NewReader([]byte(entry.Payload))
		contentLength = len(entry.Payload)
	}
	callCtx, cancel := context.WithTimeout(ctx, rl.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, entry.URL, body)
	if err != nil {
		return failure(fmt.Sprintf("invalid request: %v", err))
	}
	if entry.Headers != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(entry.Headers), &headers); err != nil {
			return failure(fmt.Sprintf("invalid stored headers: %v", err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(contentLength))
	req.Header.Set("User-Agent", userAgent)

	resp, err := rl.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return failure(fmt.Sprintf("Request timed out after %ds", int(rl.Timeout.Seconds())))
		}
		return failure(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, int64(rl.BodyCapture)))
	capturedStr := string(captured)
	code := resp.StatusCode
	res := Result{StatusCode: &code, ResponseBody: &capturedStr}
	if code >= 200 && code < 300 {
		res.Success = true
		return res
	}
	errBody := capturedStr
	if len(errBody) > errorBodyCapture {
		errBody = errBody[:errorBodyCapture]
	}
	msg := fmt.Sprintf("HTTP %d: %s", code, errBody)
	res.Error = &msg
	return res
}

// Requeue copies an existing log into a fresh pending manual-retry entry
// linked through retry_of. The original entry is left untouched.
func (rl *Relay) Requeue(ctx context.Context, original domain.WebhookLog) (domain.WebhookLog, error) {
	if original.URL == "" {
		return domain.WebhookLog{}, errors.New("log has no URL")
	}
	entry := domain.WebhookLog{
		ID:        uuid.NewString(),
		URL:       original.URL,
		Method:    original.Method,
		Payload:   original.Payload,
		Headers:   original.Headers,
		Source:    "manual_retry",
		Status:    "pending",
		RetryOf:   &original.ID,
		CreatedAt: rl.Now().UTC().Format(time.RFC3339),
	}
	if err := rl.Repo.InsertWebhookLog(ctx, entry); err != nil {
		return domain.WebhookLog{}, err
	}
	return entry, nil
}

// RetryNow requeues a log and delivers the new entry immediately, recording
// the classification on it. Used by the admin retry endpoint.
func (rl *Relay) RetryNow(ctx context.Context, original domain.WebhookLog) (domain.WebhookLog, Result, error) {
	entry, err := rl.Requeue(ctx, original)
	if err != nil {
		return domain.WebhookLog{}, Result{}, err
	}
	if err := rl.limiter.Wait(ctx); err != nil {
		return domain.WebhookLog{}, Result{}, err
	}
	res := rl.Deliver(ctx, entry)
	status := "failed"
	if res.Success {
		status = "delivered"
	}
	attemptedAt := rl.Now().UTC().Format(time.RFC3339)
	if err := rl.Repo.RecordWebhookResult(ctx, entry.ID, status, res.Success, res.StatusCode, res.ResponseBody, res.Error, attemptedAt); err != nil {
		return domain.WebhookLog{}, Result{}, err
	}
	metrics.WebhookDeliveries.WithLabelValues(status).Inc()
	entry.Status = status
	entry.Success = &res.Success
	entry.StatusCode = res.StatusCode
	entry.ResponseBody = res.ResponseBody
	entry.Error = res.Error
	entry.AttemptedAt = &attemptedAt
	return entry, res, nil
}

func failure(msg string) Result {
	return Result{Success: false, Error: &msg}
}
