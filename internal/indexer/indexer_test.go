package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"orbitwatch/internal/model"
	"orbitwatch/internal/store"
)

type scannedRange struct {
	from, to uint64
}

type fakeChain struct {
	head       uint64
	headErr    error
	logs       []types.Log
	filterErr  error
	timestamps map[uint64]uint64
	tsFailures map[uint64]bool
	scans      []scannedRange
}

func (f *fakeChain) LatestBlockNumber(_ context.Context) (uint64, error) {
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, from, to uint64, _ common.Address, _ []common.Hash) ([]types.Log, error) {
	f.scans = append(f.scans, scannedRange{from, to})
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	if f.tsFailures[number] {
		return 0, errors.New("timestamp unavailable")
	}
	ts, ok := f.timestamps[number]
	if !ok {
		return 0, errors.New("unknown block")
	}
	return ts, nil
}

func testConfig() Config {
	return Config{
		CursorID:      "xai-seqinbox",
		Contract:      common.HexToAddress("0x995a9d3ca121D48d21087eDE20bc8acb2398c8B1"),
		Confirmations: 6,
		MaxRange:      500,
		SeedOffset:    50,
	}
}

func batchLog(block uint64, tx string, index uint) types.Log {
	return types.Log{
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
		Topics: []common.Hash{
			common.HexToHash("0xaaaa"),
			common.HexToHash("0x01"),
		},
	}
}

func TestAdvanceSeedsCursorNearHead(t *testing.T) {
	chainClient := &fakeChain{head: 1000, timestamps: map[uint64]uint64{}}
	st := store.NewMemory()
	ix := New(testConfig(), chainClient, st, nil)

	result, err := ix.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	if result.FromBlock != 951 {
		t.Fatalf("expected scan from 951, got %d", result.FromBlock)
	}
	if result.ToBlock != 994 {
		t.Fatalf("expected scan to safe head 994, got %d", result.ToBlock)
	}

	cursor, ok, err := st.LoadCursor(context.Background(), "xai-seqinbox")
	if err != nil || !ok {
		t.Fatalf("cursor missing: %v", err)
	}
	if cursor.LastProcessedBlock != 994 {
		t.Fatalf("cursor at %d, want 994", cursor.LastProcessedBlock)
	}
	if cursor.CursorType != model.CursorTypeInboxLogs {
		t.Fatalf("unexpected cursor type %q", cursor.CursorType)
	}
}

func TestAdvanceStoresEvents(t *testing.T) {
	chainClient := &fakeChain{
		head:       1000,
		logs:       []types.Log{batchLog(980, "0x1", 2), batchLog(990, "0x2", 0)},
		timestamps: map[uint64]uint64{980: 1700000100, 990: 1700000200},
	}
	st := store.NewMemory()
	ix := New(testConfig(), chainClient, st, nil)

	result, err := ix.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if len(result.NewEvents) != 2 {
		t.Fatalf("expected 2 new events, got %d", len(result.NewEvents))
	}

	latest, ok, err := st.LatestEvent(context.Background())
	if err != nil || !ok {
		t.Fatalf("latest event missing: %v", err)
	}
	if latest.BlockNumber != 990 || latest.BlockTimestamp != 1700000200 {
		t.Fatalf("unexpected latest event: %+v", latest)
	}
	if latest.BatchSeqNum != common.HexToHash("0x01").Hex() {
		t.Fatalf("unexpected seq num %q", latest.BatchSeqNum)
	}
}

func TestAdvanceIdempotentOnRescan(t *testing.T) {
	chainClient := &fakeChain{
		head:       1000,
		logs:       []types.Log{batchLog(980, "0x1", 2)},
		timestamps: map[uint64]uint64{980: 1700000100},
	}
	st := store.NewMemory()
	ix := New(testConfig(), chainClient, st, nil)

	ctx := context.Background()
	if _, err := ix.Advance(ctx); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	// Force a full rescan of the same range.
	if err := st.SaveCursor(ctx, model.Cursor{ID: "xai-seqinbox", CursorType: model.CursorTypeInboxLogs, LastProcessedBlock: 950}); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}

	result, err := ix.Advance(ctx)
	if err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if len(result.NewEvents) != 0 {
		t.Fatalf("rescan created %d duplicate events", len(result.NewEvents))
	}

	events, err := st.EventsInRange(ctx, 0, 2000)
	if err != nil {
		t.Fatalf("events in range: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
}

func TestAdvanceNoNewSafeBlocks(t *testing.T) {
	chainClient := &fakeChain{head: 1000}
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.SaveCursor(ctx, model.Cursor{ID: "xai-seqinbox", CursorType: model.CursorTypeInboxLogs, LastProcessedBlock: 994}); err != nil {
		t.Fatalf("save cursor: %v", err)
	}

	ix := New(testConfig(), chainClient, st, nil)
	result, err := ix.Advance(ctx)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if len(result.NewEvents) != 0 {
		t.Fatalf("expected no events")
	}
	if len(chainClient.scans) != 0 {
		t.Fatalf("expected no log query on a no-op cycle")
	}

	cursor, _, _ := st.LoadCursor(ctx, "xai-seqinbox")
	if cursor.LastProcessedBlock != 994 {
		t.Fatalf("cursor moved on no-op cycle: %d", cursor.LastProcessedBlock)
	}
}

func TestAdvanceCapsScanRange(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRange = 10
	chainClient := &fakeChain{head: 2000}
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.SaveCursor(ctx, model.Cursor{ID: "xai-seqinbox", CursorType: model.CursorTypeInboxLogs, LastProcessedBlock: 1000}); err != nil {
		t.Fatalf("save cursor: %v", err)
	}

	ix := New(cfg, chainClient, st, nil)
	result, err := ix.Advance(ctx)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if result.FromBlock != 1001 || result.ToBlock != 1010 {
		t.Fatalf("expected capped range [1001,1010], got [%d,%d]", result.FromBlock, result.ToBlock)
	}

	cursor, _, _ := st.LoadCursor(ctx, "xai-seqinbox")
	if cursor.LastProcessedBlock != 1010 {
		t.Fatalf("cursor at %d, want 1010", cursor.LastProcessedBlock)
	}
}

func TestAdvanceCursorMonotonic(t *testing.T) {
	chainClient := &fakeChain{head: 1000, timestamps: map[uint64]uint64{}}
	st := store.NewMemory()
	ix := New(testConfig(), chainClient, st, nil)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		if _, err := ix.Advance(ctx); err != nil {
			t.Fatalf("advance %d failed: %v", i, err)
		}
		safeHead := chainClient.head - 6
		cursor, _, _ := st.LoadCursor(ctx, "xai-seqinbox")
		if cursor.LastProcessedBlock < last {
			t.Fatalf("cursor regressed: %d < %d", cursor.LastProcessedBlock, last)
		}
		if cursor.LastProcessedBlock > safeHead {
			t.Fatalf("cursor %d beyond safe head %d", cursor.LastProcessedBlock, safeHead)
		}
		last = cursor.LastProcessedBlock
		chainClient.head += 3
	}
}

func TestAdvanceProviderFailureLeavesCursor(t *testing.T) {
	chainClient := &fakeChain{head: 1000, filterErr: errors.New("rpc down")}
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.SaveCursor(ctx, model.Cursor{ID: "xai-seqinbox", CursorType: model.CursorTypeInboxLogs, LastProcessedBlock: 900}); err != nil {
		t.Fatalf("save cursor: %v", err)
	}

	ix := New(testConfig(), chainClient, st, nil)
	_, err := ix.Advance(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !model.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	cursor, _, _ := st.LoadCursor(ctx, "xai-seqinbox")
	if cursor.LastProcessedBlock != 900 {
		t.Fatalf("cursor moved after failed cycle: %d", cursor.LastProcessedBlock)
	}
}

type flakyStore struct {
	*store.Memory
	failTx string
}

func (s *flakyStore) InsertEvent(ctx context.Context, event model.BatchEvent) (bool, error) {
	if event.TxHash == s.failTx {
		return false, errors.New("disk full")
	}
	return s.Memory.InsertEvent(ctx, event)
}

func TestAdvanceEventInsertFailureIsolated(t *testing.T) {
	chainClient := &fakeChain{
		head:       1000,
		logs:       []types.Log{batchLog(980, "0x1", 2), batchLog(990, "0x2", 0)},
		timestamps: map[uint64]uint64{980: 1700000100, 990: 1700000200},
	}
	st := &flakyStore{Memory: store.NewMemory(), failTx: common.HexToHash("0x2").Hex()}
	ix := New(testConfig(), chainClient, st, nil)
	ctx := context.Background()

	result, err := ix.Advance(ctx)
	if err != nil {
		t.Fatalf("failed insert must not abort the cycle: %v", err)
	}
	if len(result.NewEvents) != 1 {
		t.Fatalf("expected 1 surviving event, got %d", len(result.NewEvents))
	}
	if result.NewEvents[0].BlockNumber != 980 {
		t.Fatalf("wrong event survived: %+v", result.NewEvents[0])
	}

	events, err := st.Memory.EventsInRange(ctx, 0, 2000)
	if err != nil {
		t.Fatalf("events in range: %v", err)
	}
	if len(events) != 1 || events[0].BlockNumber != 980 {
		t.Fatalf("unexpected persisted events: %+v", events)
	}

	cursor, ok, err := st.LoadCursor(ctx, "xai-seqinbox")
	if err != nil || !ok {
		t.Fatalf("cursor missing: %v", err)
	}
	if cursor.LastProcessedBlock != 994 {
		t.Fatalf("cursor at %d, want 994 despite the failed insert", cursor.LastProcessedBlock)
	}
}

func TestAdvanceTimestampFallback(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	chainClient := &fakeChain{
		head:       1000,
		logs:       []types.Log{batchLog(980, "0x1", 0)},
		timestamps: map[uint64]uint64{},
		tsFailures: map[uint64]bool{980: true},
	}
	st := store.NewMemory()
	ix := New(testConfig(), chainClient, st, nil).WithClock(func() time.Time { return now })

	result, err := ix.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if len(result.NewEvents) != 1 {
		t.Fatalf("expected event despite timestamp failure")
	}
	if result.NewEvents[0].BlockTimestamp != now.Unix() {
		t.Fatalf("expected wall-clock fallback %d, got %d", now.Unix(), result.NewEvents[0].BlockTimestamp)
	}
}
