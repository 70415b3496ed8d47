// Package indexer advances a durable cursor over the parent chain and
// persists matching batch-posting logs idempotently.
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"orbitwatch/internal/chain"
	"orbitwatch/internal/model"
	"orbitwatch/internal/store"
)

// timestampFanOut bounds concurrent block lookups to stay inside public RPC
// rate limits.
const timestampFanOut = 5

// Config holds runtime settings for one indexing route.
type Config struct {
	CursorID      string
	Contract      common.Address
	Confirmations uint64
	MaxRange      uint64
	SeedOffset    uint64
}

// Result reports one advance cycle. FromBlock/ToBlock is the range the rule
// engine should evaluate against; on a no-op cycle it is empty with
// ToBlock = safe head.
type Result struct {
	NewEvents []model.BatchEvent
	FromBlock uint64
	ToBlock   uint64
}

// Indexer scans the chain for batch events and owns the cursor.
type Indexer struct {
	cfg    Config
	chain  chain.Reader
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New builds an Indexer with its dependencies.
func New(cfg Config, chainClient chain.Reader, st store.Store, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = 500
	}
	return &Indexer{
		cfg:    cfg,
		chain:  chainClient,
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Advance runs one indexing cycle: load or seed the cursor, scan the next
// capped range below the confirmation-safe head, persist events, then move
// the cursor. Provider failures leave the cursor untouched; per-event
// persistence failures are logged and skipped, and the cursor still
// advances since overlapping rescans are idempotent.
func (ix *Indexer) Advance(ctx context.Context) (Result, error) {
	head, err := ix.chain.LatestBlockNumber(ctx)
	if err != nil {
		return Result{}, model.Transient("latest block", err)
	}

	cursor, err := ix.loadOrSeedCursor(ctx, head)
	if err != nil {
		return Result{}, err
	}

	var safeHead uint64
	if head > ix.cfg.Confirmations {
		safeHead = head - ix.cfg.Confirmations
	}

	fromBlock := cursor.LastProcessedBlock + 1
	if fromBlock > safeHead {
		ix.logger.Debug("no new safe blocks",
			zap.Uint64("from", fromBlock),
			zap.Uint64("safe_head", safeHead),
		)
		return Result{FromBlock: fromBlock, ToBlock: safeHead}, nil
	}

	toBlock := safeHead
	if capped := fromBlock + ix.cfg.MaxRange - 1; capped < toBlock {
		toBlock = capped
	}

	logs, err := ix.chain.FilterLogs(ctx, fromBlock, toBlock, ix.cfg.Contract, []common.Hash{chain.BatchDeliveredTopic})
	if err != nil {
		return Result{}, model.Transient("filter logs", err)
	}

	ix.logger.Info("scanned range",
		zap.Uint64("from", fromBlock),
		zap.Uint64("to", toBlock),
		zap.Int("logs", len(logs)),
	)

	var newEvents []model.BatchEvent
	if len(logs) > 0 {
		timestamps := ix.resolveTimestamps(ctx, distinctBlocks(logs))

		for _, log := range logs {
			seqNum := "0x0"
			if len(log.Topics) > 1 {
				seqNum = log.Topics[1].Hex()
			}
			event := model.BatchEvent{
				ID:             uuid.NewString(),
				BlockNumber:    log.BlockNumber,
				TxHash:         log.TxHash.Hex(),
				LogIndex:       uint64(log.Index),
				BatchSeqNum:    seqNum,
				BlockTimestamp: timestamps[log.BlockNumber],
			}

			inserted, err := ix.store.InsertEvent(ctx, event)
			if err != nil {
				ix.logger.Error("store event failed",
					zap.String("tx_hash", event.TxHash),
					zap.Uint64("log_index", event.LogIndex),
					zap.Error(err),
				)
				continue
			}
			if inserted {
				newEvents = append(newEvents, event)
			}
		}
	}

	cursor.LastProcessedBlock = toBlock
	if err := ix.store.SaveCursor(ctx, cursor); err != nil {
		return Result{}, err
	}

	return Result{NewEvents: newEvents, FromBlock: fromBlock, ToBlock: toBlock}, nil
}

// WithClock replaces the wall clock used for timestamp fallback. Test hook.
func (ix *Indexer) WithClock(now func() time.Time) *Indexer {
	ix.now = now
	return ix
}

// loadOrSeedCursor returns the route cursor, creating it near the current
// head on first run. Seeding from genesis would make the first catch-up
// unbounded on public endpoints.
func (ix *Indexer) loadOrSeedCursor(ctx context.Context, head uint64) (model.Cursor, error) {
	cursor, ok, err := ix.store.LoadCursor(ctx, ix.cfg.CursorID)
	if err != nil {
		return model.Cursor{}, err
	}
	if ok {
		return cursor, nil
	}

	var seed uint64
	if head > ix.cfg.SeedOffset {
		seed = head - ix.cfg.SeedOffset
	}
	cursor = model.Cursor{
		ID:                 ix.cfg.CursorID,
		CursorType:         model.CursorTypeInboxLogs,
		LastProcessedBlock: seed,
	}
	if err := ix.store.SaveCursor(ctx, cursor); err != nil {
		return model.Cursor{}, err
	}
	ix.logger.Info("cursor initialized", zap.String("id", cursor.ID), zap.Uint64("block", seed))
	return cursor, nil
}

// resolveTimestamps fetches block timestamps with bounded concurrency. A
// failed lookup degrades to the current wall clock rather than aborting the
// cycle; the substitution is logged as an approximation.
func (ix *Indexer) resolveTimestamps(ctx context.Context, blocks []uint64) map[uint64]int64 {
	out := make(map[uint64]int64, len(blocks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, timestampFanOut)

	for _, number := range blocks {
		wg.Add(1)
		sem <- struct{}{}
		go func(number uint64) {
			defer wg.Done()
			defer func() { <-sem }()

			ts, err := ix.chain.BlockTimestamp(ctx, number)
			value := int64(ts)
			if err != nil {
				value = ix.now().Unix()
				ix.logger.Warn("block timestamp unavailable, approximating with wall clock",
					zap.Uint64("block_number", number),
					zap.Error(err),
				)
			}

			mu.Lock()
			out[number] = value
			mu.Unlock()
		}(number)
	}

	wg.Wait()
	return out
}

func distinctBlocks(logs []types.Log) []uint64 {
	seen := make(map[uint64]struct{}, len(logs))
	out := make([]uint64, 0, len(logs))
	for _, log := range logs {
		if _, ok := seen[log.BlockNumber]; ok {
			continue
		}
		seen[log.BlockNumber] = struct{}{}
		out = append(out, log.BlockNumber)
	}
	return out
}
