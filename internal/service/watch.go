package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orbitwatch/internal/indexer"
	"orbitwatch/internal/rules"
)

// Watch couples the indexer and the rule engine into one poll cycle:
// advance the cursor, then evaluate the gap rule over the scanned range.
type Watch struct {
	indexer *indexer.Indexer
	engine  *rules.Engine
	logger  *zap.Logger
}

// NewWatch builds the watch service.
func NewWatch(ix *indexer.Indexer, engine *rules.Engine, logger *zap.Logger) *Watch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watch{indexer: ix, engine: engine, logger: logger}
}

// Tick runs one full cycle.
func (w *Watch) Tick(ctx context.Context) error {
	result, err := w.indexer.Advance(ctx)
	if err != nil {
		return err
	}
	eventsIndexedTotal.Add(float64(len(result.NewEvents)))

	decision, err := w.engine.Evaluate(ctx, result.FromBlock, result.ToBlock)
	if err != nil {
		return err
	}
	if decision.Fired {
		incidentsFiredTotal.Inc()
	}
	return nil
}

// Run drives Tick on the given interval until ctx is cancelled.
func (w *Watch) Run(ctx context.Context, interval time.Duration) {
	Loop(ctx, "watch", interval, w.logger, w.Tick)
}
