// Package rules applies the batch-posting gap rule to indexed state and
// opens incidents with sealed evidence.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orbitwatch/internal/chain"
	"orbitwatch/internal/evidence"
	"orbitwatch/internal/ipfs"
	"orbitwatch/internal/model"
	"orbitwatch/internal/store"
)

// RuleTypeBatchPostingGap fires when no batch has been posted for longer
// than the threshold.
const RuleTypeBatchPostingGap = "BATCH_POSTING_GAP"

// SeverityHigh is the severity assigned to gap incidents.
const SeverityHigh = "HIGH"

// Config holds the rule parameters for one route.
type Config struct {
	RouteID         string
	ThresholdSecs   int64
	CooldownSecs    int64
	SourceEndpoint  string
	ContractAddress string
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Fired       bool
	Reason      string
	GapSecs     int64
	IncidentID  string
	EvidenceCID string
}

// Engine evaluates the gap rule. It keeps no state between cycles beyond
// the durable event log and incident history, so it is restartable at any
// point.
type Engine struct {
	cfg       Config
	store     store.Store
	publisher ipfs.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine builds an Engine with its dependencies.
func NewEngine(cfg Config, st store.Store, publisher ipfs.Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Evaluate checks the gap since the last observed batch event against the
// threshold. fromBlock/toBlock is the range the indexer just scanned; its
// events become the supporting evidence when the rule fires. The incident
// and outbox row are only written after the evidence publish succeeds, so a
// failed publish simply lets the rule re-fire on a later cycle.
func (e *Engine) Evaluate(ctx context.Context, fromBlock, toBlock uint64) (Decision, error) {
	now := e.now().UTC()

	lastEvent, ok, err := e.store.LatestEvent(ctx)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		e.logger.Info("no batch events yet, skipping evaluation")
		return Decision{Reason: "insufficient data"}, nil
	}

	gapSecs := now.Unix() - lastEvent.BlockTimestamp
	if gapSecs <= e.cfg.ThresholdSecs {
		e.logger.Info("batch posting within threshold",
			zap.Int64("gap_secs", gapSecs),
			zap.Int64("threshold_secs", e.cfg.ThresholdSecs),
		)
		return Decision{Reason: "within threshold", GapSecs: gapSecs}, nil
	}

	// Cooldown window is measured from the last incident's creation time,
	// keyed only on (route, rule type): any same-type incident suppresses
	// re-firing while the window is open.
	cooldownStart := now.Add(-time.Duration(e.cfg.CooldownSecs) * time.Second)
	active, err := e.store.IncidentSince(ctx, e.cfg.RouteID, RuleTypeBatchPostingGap, cooldownStart)
	if err != nil {
		return Decision{}, err
	}
	if active {
		e.logger.Info("incident cooldown active, suppressing",
			zap.Int64("gap_secs", gapSecs),
		)
		return Decision{Reason: "cooldown active", GapSecs: gapSecs}, nil
	}

	reason := fmt.Sprintf("No new SequencerBatchDelivered event for %ds (threshold: %ds)", gapSecs, e.cfg.ThresholdSecs)

	rangeEvents, err := e.store.EventsInRange(ctx, fromBlock, toBlock)
	if err != nil {
		return Decision{}, err
	}
	logResults := make([]evidence.LogRef, 0, len(rangeEvents))
	for _, event := range rangeEvents {
		logResults = append(logResults, evidence.RefFromEvent(event))
	}

	bundle := evidence.Bundle{
		Version:         evidence.Version,
		GeneratedAt:     now,
		RouteID:         e.cfg.RouteID,
		RuleType:        RuleTypeBatchPostingGap,
		Severity:        SeverityHigh,
		ThresholdSecs:   e.cfg.ThresholdSecs,
		ComputedGapSecs: gapSecs,
		SourceEndpoint:  e.cfg.SourceEndpoint,
		ContractAddress: e.cfg.ContractAddress,
		BlockRange:      evidence.BlockRange{FromBlock: fromBlock, ToBlock: toBlock},
		LogFilter: evidence.LogFilter{
			Address:   e.cfg.ContractAddress,
			Topics:    []string{chain.BatchDeliveredTopic.Hex()},
			FromBlock: fromBlock,
			ToBlock:   toBlock,
		},
		LogResults:   logResults,
		LastObserved: evidence.ObservedFromEvent(lastEvent),
		Decision:     evidence.Decision{Fired: true, Reason: reason},
	}
	if err := bundle.Seal(); err != nil {
		return Decision{}, err
	}

	serialized, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return Decision{}, model.Invalid("marshal bundle", err)
	}
	cid, err := e.publisher.Add(ctx, serialized)
	if err != nil {
		return Decision{}, err
	}
	e.logger.Info("evidence published", zap.String("cid", cid), zap.String("bundle_hash", bundle.BundleHash))

	incident := model.Incident{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		RouteID:     e.cfg.RouteID,
		RuleType:    RuleTypeBatchPostingGap,
		Severity:    SeverityHigh,
		Reason:      reason,
		EvidenceCID: cid,
	}
	if err := e.store.InsertIncident(ctx, incident); err != nil {
		return Decision{}, err
	}

	alert := model.OutboxRow{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		IncidentID:    incident.ID,
		Status:        model.OutboxPending,
		RetryCount:    0,
		NextAttemptAt: now,
		Payload: model.AlertPayload{
			RouteID:     e.cfg.RouteID,
			RuleType:    RuleTypeBatchPostingGap,
			Reason:      reason,
			EvidenceCID: cid,
			Severity:    SeverityHigh,
		},
	}
	if err := e.store.EnqueueAlert(ctx, alert); err != nil {
		return Decision{}, err
	}

	e.logger.Info("incident created",
		zap.String("incident_id", incident.ID),
		zap.String("evidence_cid", cid),
		zap.Int64("gap_secs", gapSecs),
	)

	return Decision{
		Fired:       true,
		Reason:      reason,
		GapSecs:     gapSecs,
		IncidentID:  incident.ID,
		EvidenceCID: cid,
	}, nil
}

// WithClock replaces the wall clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}
