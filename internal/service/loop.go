// Package service schedules the long-running poll loops and contains their
// cycle errors: a failed cycle is logged and retried on the next tick, never
// allowed to take the process down.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Loop runs tick immediately and then on every interval until ctx is
// cancelled. One cycle always runs to completion before the next is
// scheduled; there is no mid-cycle cancellation beyond the per-call
// timeouts of the cycle's own network requests.
func Loop(ctx context.Context, name string, interval time.Duration, logger *zap.Logger, tick func(context.Context) error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	run := func() {
		if err := tick(ctx); err != nil {
			cyclesTotal.WithLabelValues(name, "error").Inc()
			logger.Error("cycle failed", zap.String("service", name), zap.Error(err))
			return
		}
		cyclesTotal.WithLabelValues(name, "ok").Inc()
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("loop stopped", zap.String("service", name))
			return
		case <-ticker.C:
			run()
		}
	}
}
