package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"orbitwatch/internal/evidence"
	"orbitwatch/internal/model"
	"orbitwatch/internal/store"
)

type fakePublisher struct {
	err    error
	adds   [][]byte
	nextID int
}

func (p *fakePublisher) Add(_ context.Context, data []byte) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.adds = append(p.adds, data)
	p.nextID++
	return "Qm" + string(rune('a'+p.nextID-1)), nil
}

func testEngine(st store.Store, publisher *fakePublisher, now time.Time) *Engine {
	return NewEngine(Config{
		RouteID:         "xai",
		ThresholdSecs:   900,
		CooldownSecs:    600,
		SourceEndpoint:  "https://arb1.arbitrum.io/rpc",
		ContractAddress: "0x995a9d3ca121D48d21087eDE20bc8acb2398c8B1",
	}, st, publisher, nil).WithClock(func() time.Time { return now })
}

func seedEvent(t *testing.T, st store.Store, block uint64, ts int64) {
	t.Helper()
	_, err := st.InsertEvent(context.Background(), model.BatchEvent{
		ID:             "ev",
		BlockNumber:    block,
		TxHash:         "0xabc",
		LogIndex:       1,
		BatchSeqNum:    "0x01",
		BlockTimestamp: ts,
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func TestEvaluateInsufficientData(t *testing.T) {
	st := store.NewMemory()
	engine := testEngine(st, &fakePublisher{}, time.Unix(1700001000, 0))

	decision, err := engine.Evaluate(context.Background(), 100, 200)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision.Fired {
		t.Fatalf("fired without data")
	}
}

func TestEvaluateWithinThreshold(t *testing.T) {
	st := store.NewMemory()
	base := int64(1700000000)
	seedEvent(t, st, 100, base)

	engine := testEngine(st, &fakePublisher{}, time.Unix(base+900, 0))
	decision, err := engine.Evaluate(context.Background(), 100, 200)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision.Fired {
		t.Fatalf("fired at gap == threshold")
	}
}

func TestEvaluateFiresBeyondThreshold(t *testing.T) {
	st := store.NewMemory()
	base := int64(1700000000)
	seedEvent(t, st, 100, base)

	publisher := &fakePublisher{}
	engine := testEngine(st, publisher, time.Unix(base+901, 0))
	decision, err := engine.Evaluate(context.Background(), 90, 110)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !decision.Fired {
		t.Fatalf("expected rule to fire at gap 901")
	}
	if decision.GapSecs != 901 {
		t.Fatalf("gap %d, want 901", decision.GapSecs)
	}
	if decision.EvidenceCID == "" {
		t.Fatalf("missing evidence cid")
	}

	incidents, err := st.ListIncidents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(incidents))
	}
	if incidents[0].RuleType != RuleTypeBatchPostingGap || incidents[0].Severity != SeverityHigh {
		t.Fatalf("unexpected incident: %+v", incidents[0])
	}
	if incidents[0].EvidenceCID != decision.EvidenceCID {
		t.Fatalf("incident cid mismatch")
	}

	pending, err := st.PendingAlerts(context.Background(), 10, time.Unix(base+902, 0))
	if err != nil {
		t.Fatalf("pending alerts: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(pending))
	}
	if pending[0].Payload.EvidenceCID != decision.EvidenceCID {
		t.Fatalf("payload cid mismatch")
	}
}

func TestEvaluatePublishedBundleSelfVerifies(t *testing.T) {
	st := store.NewMemory()
	base := int64(1700000000)
	seedEvent(t, st, 100, base)

	publisher := &fakePublisher{}
	engine := testEngine(st, publisher, time.Unix(base+1000, 0))
	if _, err := engine.Evaluate(context.Background(), 90, 110); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	var bundle evidence.Bundle
	if err := json.Unmarshal(publisher.adds[0], &bundle); err != nil {
		t.Fatalf("decode published bundle: %v", err)
	}
	if err := bundle.Verify(); err != nil {
		t.Fatalf("published bundle fails self-verification: %v", err)
	}
	if bundle.ComputedGapSecs != 1000 {
		t.Fatalf("bundle gap %d, want 1000", bundle.ComputedGapSecs)
	}
	if len(bundle.LogResults) != 1 || bundle.LogResults[0].BlockNumber != 100 {
		t.Fatalf("unexpected log results: %+v", bundle.LogResults)
	}
	if bundle.LastObserved == nil || bundle.LastObserved.BlockTimestamp != base {
		t.Fatalf("unexpected last observed: %+v", bundle.LastObserved)
	}
}

func TestEvaluateCooldownSuppresses(t *testing.T) {
	st := store.NewMemory()
	base := int64(1700000000)
	seedEvent(t, st, 100, base)

	publisher := &fakePublisher{}
	first := testEngine(st, publisher, time.Unix(base+901, 0))
	decision, err := first.Evaluate(context.Background(), 90, 110)
	if err != nil || !decision.Fired {
		t.Fatalf("first evaluation should fire: %v", err)
	}

	// Identical gap 100 seconds after the incident: inside the cooldown.
	second := testEngine(st, publisher, time.Unix(base+1001, 0))
	decision, err = second.Evaluate(context.Background(), 90, 110)
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if decision.Fired {
		t.Fatalf("fired inside cooldown window")
	}

	incidents, _ := st.ListIncidents(context.Background(), 10)
	if len(incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(incidents))
	}
}

func TestEvaluateRefiresAfterCooldown(t *testing.T) {
	st := store.NewMemory()
	base := int64(1700000000)
	seedEvent(t, st, 100, base)

	publisher := &fakePublisher{}
	first := testEngine(st, publisher, time.Unix(base+901, 0))
	if _, err := first.Evaluate(context.Background(), 90, 110); err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}

	later := testEngine(st, publisher, time.Unix(base+901+601, 0))
	decision, err := later.Evaluate(context.Background(), 90, 110)
	if err != nil {
		t.Fatalf("later evaluation failed: %v", err)
	}
	if !decision.Fired {
		t.Fatalf("expected re-fire after cooldown expired")
	}
}

func TestEvaluatePublishFailureCreatesNothing(t *testing.T) {
	st := store.NewMemory()
	base := int64(1700000000)
	seedEvent(t, st, 100, base)

	publisher := &fakePublisher{err: errors.New("ipfs down")}
	engine := testEngine(st, publisher, time.Unix(base+901, 0))

	_, err := engine.Evaluate(context.Background(), 90, 110)
	if err == nil {
		t.Fatalf("expected error when publish fails")
	}

	incidents, _ := st.ListIncidents(context.Background(), 10)
	if len(incidents) != 0 {
		t.Fatalf("incident created despite failed publish")
	}
	pending, _ := st.PendingAlerts(context.Background(), 10, time.Unix(base+902, 0))
	if len(pending) != 0 {
		t.Fatalf("outbox row created despite failed publish")
	}
}
