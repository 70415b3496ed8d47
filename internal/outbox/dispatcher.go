// Package outbox drives at-least-once delivery of queued notifications with
// exponential backoff and a hard retry ceiling.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orbitwatch/internal/model"
	"orbitwatch/internal/store"
)

// Notifier delivers one alert payload. A returned error marks the attempt
// as failed and schedules a retry.
type Notifier interface {
	Send(ctx context.Context, payload model.AlertPayload) error
}

// Config holds the retry policy.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	DrainLimit  int
}

// DefaultConfig is the reference retry policy: 60s base doubling to a 600s
// cap, parked as FAILED after 10 attempts, 10 rows per drain.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  10,
		BackoffBase: 60 * time.Second,
		BackoffCap:  600 * time.Second,
		DrainLimit:  10,
	}
}

// Dispatcher drains pending outbox rows.
//
// Delivery is at-least-once: a crash between a successful send and the
// status update re-sends the row on restart. That duplicate is accepted
// rather than weakening the retry semantics.
type Dispatcher struct {
	cfg      Config
	store    store.Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher builds a Dispatcher with its dependencies.
func NewDispatcher(cfg Config, st store.Store, notifier Notifier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Drain attempts delivery for pending rows due now, oldest first. Returns
// the number of rows successfully sent. Per-row failures only affect that
// row's retry state.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	now := d.now().UTC()
	rows, err := d.store.PendingAlerts(ctx, d.cfg.DrainLimit, now)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, row := range rows {
		if err := d.notifier.Send(ctx, row.Payload); err != nil {
			d.logger.Warn("alert delivery failed",
				zap.String("outbox_id", row.ID),
				zap.Int("retry_count", row.RetryCount),
				zap.Error(err),
			)
			if updateErr := d.scheduleRetry(ctx, row); updateErr != nil {
				d.logger.Error("retry scheduling failed", zap.String("outbox_id", row.ID), zap.Error(updateErr))
			}
			continue
		}

		if err := d.store.UpdateAlert(ctx, row.ID, model.OutboxSent, row.RetryCount, row.NextAttemptAt); err != nil {
			d.logger.Error("mark sent failed", zap.String("outbox_id", row.ID), zap.Error(err))
			continue
		}
		sent++
		d.logger.Info("alert sent", zap.String("outbox_id", row.ID), zap.String("incident_id", row.IncidentID))
	}
	return sent, nil
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, row model.OutboxRow) error {
	retryCount := row.RetryCount + 1
	if retryCount >= d.cfg.MaxRetries {
		d.logger.Error("parking alert as FAILED",
			zap.String("outbox_id", row.ID),
			zap.Int("retry_count", retryCount),
			zap.Error(model.ErrRetriesExhausted),
		)
		return d.store.UpdateAlert(ctx, row.ID, model.OutboxFailed, retryCount, row.NextAttemptAt)
	}
	next := d.now().UTC().Add(Backoff(retryCount, d.cfg.BackoffBase, d.cfg.BackoffCap))
	return d.store.UpdateAlert(ctx, row.ID, model.OutboxPending, retryCount, next)
}

// Backoff returns min(base * 2^retry, ceiling): exponential growth with a
// hard ceiling to bound worst-case delivery latency.
func Backoff(retry int, base, ceiling time.Duration) time.Duration {
	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// WithClock replaces the wall clock. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}
