package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orbitwatch/internal/outbox"
)

// Alerts drains the notification outbox on a fixed interval.
type Alerts struct {
	dispatcher *outbox.Dispatcher
	logger     *zap.Logger
}

// NewAlerts builds the alerts service.
func NewAlerts(dispatcher *outbox.Dispatcher, logger *zap.Logger) *Alerts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerts{dispatcher: dispatcher, logger: logger}
}

// Tick drains one batch of due outbox rows.
func (a *Alerts) Tick(ctx context.Context) error {
	sent, err := a.dispatcher.Drain(ctx)
	if err != nil {
		return err
	}
	alertsSentTotal.Add(float64(sent))
	return nil
}

// Run drives Tick on the given interval until ctx is cancelled.
func (a *Alerts) Run(ctx context.Context, interval time.Duration) {
	Loop(ctx, "alerts", interval, a.logger, a.Tick)
}
