// Package evidence builds and seals the hash-addressed record of a fired
// decision. A bundle carries every input the rule engine used, so a third
// party can re-derive the decision from chain data alone.
package evidence

import (
	"fmt"
	"time"

	"orbitwatch/internal/canonical"
	"orbitwatch/internal/model"
)

// Version identifies the bundle document format.
const Version = "v1"

// LogRef locates one log result inside the scanned range.
type LogRef struct {
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"txHash"`
	LogIndex    uint64 `json:"logIndex"`
}

// ObservedEvent is the last batch event known at decision time.
type ObservedEvent struct {
	BlockNumber    uint64 `json:"blockNumber"`
	TxHash         string `json:"txHash"`
	LogIndex       uint64 `json:"logIndex"`
	BlockTimestamp int64  `json:"blockTimestamp"`
}

// BlockRange is the inclusive range the indexer scanned this cycle.
type BlockRange struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
}

// LogFilter is the exact eth_getLogs query used, recorded so the verifier
// can re-issue it verbatim.
type LogFilter struct {
	Address   string   `json:"address"`
	Topics    []string `json:"topics"`
	FromBlock uint64   `json:"fromBlock"`
	ToBlock   uint64   `json:"toBlock"`
}

// Decision is the rule outcome the bundle testifies to.
type Decision struct {
	Fired  bool   `json:"fired"`
	Reason string `json:"reason"`
}

// Bundle is the full provenance of one rule decision. BundleHash is the
// SHA-256 of the canonical encoding of every other field; it is computed
// with the hash field absent and appended afterwards, so any mutation of
// content invalidates it.
type Bundle struct {
	Version         string         `json:"version"`
	GeneratedAt     time.Time      `json:"generatedAt"`
	RouteID         string         `json:"routeId"`
	RuleType        string         `json:"ruleType"`
	Severity        string         `json:"severity"`
	ThresholdSecs   int64          `json:"thresholdSecs"`
	ComputedGapSecs int64          `json:"computedGapSecs"`
	SourceEndpoint  string         `json:"sourceEndpoint"`
	ContractAddress string         `json:"contractAddress"`
	BlockRange      BlockRange     `json:"blockRange"`
	LogFilter       LogFilter      `json:"logFilter"`
	LogResults      []LogRef       `json:"logResults"`
	LastObserved    *ObservedEvent `json:"lastObserved"`
	Decision        Decision       `json:"decision"`
	BundleHash      string         `json:"bundleHash,omitempty"`
}

// Seal computes and attaches the bundle hash.
func (b *Bundle) Seal() error {
	hash, err := b.recomputeHash()
	if err != nil {
		return err
	}
	b.BundleHash = hash
	return nil
}

// Verify recomputes the hash and checks it against the sealed value.
func (b Bundle) Verify() error {
	if b.BundleHash == "" {
		return model.Invalid("verify bundle", fmt.Errorf("bundle is not sealed"))
	}
	hash, err := b.recomputeHash()
	if err != nil {
		return err
	}
	if hash != b.BundleHash {
		return model.Invalid("verify bundle", fmt.Errorf("hash mismatch: recomputed %s, recorded %s", hash, b.BundleHash))
	}
	return nil
}

func (b Bundle) recomputeHash() (string, error) {
	unsealed := b
	unsealed.BundleHash = ""
	return canonical.Hash(unsealed)
}

// RefFromEvent converts a stored event to its bundle log reference.
func RefFromEvent(event model.BatchEvent) LogRef {
	return LogRef{
		BlockNumber: event.BlockNumber,
		TxHash:      event.TxHash,
		LogIndex:    event.LogIndex,
	}
}

// ObservedFromEvent converts a stored event to the bundle's last-observed
// record.
func ObservedFromEvent(event model.BatchEvent) *ObservedEvent {
	return &ObservedEvent{
		BlockNumber:    event.BlockNumber,
		TxHash:         event.TxHash,
		LogIndex:       event.LogIndex,
		BlockTimestamp: event.BlockTimestamp,
	}
}
