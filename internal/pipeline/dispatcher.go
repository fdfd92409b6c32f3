package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"solaros/internal/config"
	"solaros/internal/domain"
	"solaros/internal/metrics"
	"solaros/internal/repo"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 100
	defaultMaxAttempts  = 5
	retryBaseDelay      = 100 * time.Millisecond
	retryMaxDelay       = 5 * time.Second
)

// Consumer is one stage handler bound to the event feed under its own name.
type Consumer struct {
	Name   string
	Handle func(ctx context.Context, evt domain.Event) error
}

// Dispatcher polls the event log and feeds each consumer everything past its
// durable cursor. The cursor only advances after an event is handled (or its
// retries are exhausted and the failure recorded), so delivery is at least
// once and survives restarts.
type Dispatcher struct {
	Repo        repo.Repo
	Consumers   []Consumer
	Poll        time.Duration
	Batch       int
	MaxAttempts int
	Log         *slog.Logger
}

func NewDispatcher(r repo.Repo, cfg *config.Config, w Watchers, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		Repo:        r,
		Poll:        defaultPollInterval,
		Batch:       defaultBatchSize,
		MaxAttempts: defaultMaxAttempts,
		Log:         log,
		Consumers: []Consumer{
			{Name: "survey_approved", Handle: w.SurveyApproved},
			{Name: "design_approved", Handle: w.DesignApproved},
			{Name: "permit_approved", Handle: w.PermitApproved},
			{Name: "install_complete", Handle: w.InstallComplete},
			{Name: "funding_complete", Handle: w.FundingComplete},
		},
	}
	if cfg != nil {
		if cfg.Pipeline.Dispatcher.PollMillis > 0 {
			d.Poll = time.Duration(cfg.Pipeline.Dispatcher.PollMillis) * time.Millisecond
		}
		if cfg.Pipeline.Dispatcher.BatchSize > 0 {
			d.Batch = cfg.Pipeline.Dispatcher.BatchSize
		}
		if cfg.Pipeline.Dispatcher.MaxAttempts > 0 {
			d.MaxAttempts = cfg.Pipeline.Dispatcher.MaxAttempts
		}
	}
	return d
}

// Run blocks until ctx is canceled, polling on behalf of every consumer.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range d.Consumers {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			ticker := time.NewTicker(d.Poll)
			defer ticker.Stop()
			for {
				if err := d.Drain(ctx, c); err != nil {
					d.Log.Error("pipeline: drain failed", "consumer", c.Name, "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(c)
	}
	wg.Wait()
}

// DrainAll runs one polling pass for every consumer. Used by tests and by
// callers that want synchronous pipeline progress without the background
// loop.
func (d *Dispatcher) DrainAll(ctx context.Context) error {
	for _, c := range d.Consumers {
		if err := d.Drain(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Drain processes batches for one consumer until the feed is exhausted.
func (d *Dispatcher) Drain(ctx context.Context, c Consumer) error {
	for {
		cursor, err := d.Repo.GetCursor(ctx, c.Name)
		if err != nil {
			return err
		}
		evts, err := d.Repo.EventsAfter(ctx, d.Batch, cursor)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}
		for _, evt := range evts {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.deliver(ctx, c, evt)
			if err := d.Repo.SetCursor(ctx, c.Name, evt.ID); err != nil {
				return err
			}
			metrics.EventsDispatched.Inc()
		}
		if len(evts) < d.Batch {
			return nil
		}
	}
}

// deliver retries a handler with capped exponential backoff. Exhausted
// retries are logged and counted; the cursor still advances so one poisonous
// event cannot wedge the whole feed.
func (d *Dispatcher) deliver(ctx context.Context, c Consumer, evt domain.Event) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= d.MaxAttempts; attempt++ {
		lastErr = c.Handle(ctx, evt)
		if lastErr == nil {
			return
		}
		// shutdown, not a poison event; the cursor stays put and the
		// event is redelivered on the next run
		if ctx.Err() != nil {
			return
		}
		d.Log.Warn("pipeline: consumer attempt failed",
			"consumer", c.Name, "event_id", evt.ID, "event_type", evt.Type, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	metrics.ConsumerFailures.WithLabelValues(c.Name).Inc()
	d.Log.Error("pipeline: consumer gave up on event",
		"consumer", c.Name, "event_id", evt.ID, "event_type", evt.Type, "error", lastErr)
}
