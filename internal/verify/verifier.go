// Package verify independently re-derives a recorded decision from a
// published evidence bundle and raw chain data.
package verify

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"orbitwatch/internal/chain"
	"orbitwatch/internal/evidence"
	"orbitwatch/internal/ipfs"
	"orbitwatch/internal/model"
)

// DefaultToleranceSecs is the allowed disagreement between the recorded gap
// and its recomputation before the verdict flips to DIFF.
const DefaultToleranceSecs = 10

// Verdict is the outcome of a recompute run. All three values are ordinary
// results, not errors.
type Verdict string

const (
	VerdictMatch        Verdict = "MATCH"
	VerdictDiff         Verdict = "DIFF"
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

// Report carries the full comparison between the bundle and the recompute.
type Report struct {
	Verdict           Verdict
	Bundle            evidence.Bundle
	RecomputedGapSecs int64
	DriftSecs         int64
	LogCount          int
	LastObserved      *evidence.ObservedEvent
}

// DialFunc opens a chain reader for an RPC endpoint. The cleanup func
// releases the connection.
type DialFunc func(ctx context.Context, rpcURL string) (chain.Reader, func(), error)

// Verifier fetches a bundle by CID, re-issues its recorded log query, and
// compares the recomputed gap against the recorded one.
type Verifier struct {
	fetcher       ipfs.Fetcher
	dial          DialFunc
	toleranceSecs int64
	logger        *zap.Logger
}

// New builds a Verifier with its dependencies.
func New(fetcher ipfs.Fetcher, dial DialFunc, toleranceSecs int64, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if toleranceSecs <= 0 {
		toleranceSecs = DefaultToleranceSecs
	}
	return &Verifier{
		fetcher:       fetcher,
		dial:          dial,
		toleranceSecs: toleranceSecs,
		logger:        logger,
	}
}

// Verify runs the recompute procedure for a published CID. rpcOverride, when
// non-empty, points the re-query at a different endpoint than the bundle
// records, so the recompute can run against an independently operated
// provider.
//
// The recomputed gap is anchored at the bundle's generatedAt, not the
// current wall clock, so a verification run years later still compares the
// same quantity the original decision computed.
func (v *Verifier) Verify(ctx context.Context, cid, rpcOverride string) (Report, error) {
	data, err := v.fetcher.Fetch(ctx, cid)
	if err != nil {
		return Report{}, err
	}

	var bundle evidence.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Report{}, model.Invalid("decode bundle", err)
	}
	if err := bundle.Verify(); err != nil {
		return Report{}, err
	}

	endpoint := bundle.SourceEndpoint
	if rpcOverride != "" {
		endpoint = rpcOverride
	}
	reader, cleanup, err := v.dial(ctx, endpoint)
	if err != nil {
		return Report{}, model.Transient("dial rpc", err)
	}
	defer cleanup()

	topics := make([]common.Hash, 0, len(bundle.LogFilter.Topics))
	for _, topic := range bundle.LogFilter.Topics {
		topics = append(topics, common.HexToHash(topic))
	}

	logs, err := reader.FilterLogs(ctx,
		bundle.LogFilter.FromBlock,
		bundle.LogFilter.ToBlock,
		common.HexToAddress(bundle.LogFilter.Address),
		topics,
	)
	if err != nil {
		return Report{}, model.Transient("filter logs", err)
	}

	v.logger.Info("re-ran recorded log query",
		zap.String("endpoint", endpoint),
		zap.Int("logs", len(logs)),
		zap.Int("recorded_logs", len(bundle.LogResults)),
	)

	report := Report{Bundle: bundle, LogCount: len(logs)}
	generatedAt := bundle.GeneratedAt.Unix()

	switch {
	case len(logs) > 0:
		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber > logs[j].BlockNumber
			}
			return logs[i].Index > logs[j].Index
		})
		mostRecent := logs[0]

		ts, err := reader.BlockTimestamp(ctx, mostRecent.BlockNumber)
		if err != nil {
			return Report{}, model.Transient("block timestamp", err)
		}

		report.RecomputedGapSecs = generatedAt - int64(ts)
		report.LastObserved = &evidence.ObservedEvent{
			BlockNumber:    mostRecent.BlockNumber,
			TxHash:         mostRecent.TxHash.Hex(),
			LogIndex:       uint64(mostRecent.Index),
			BlockTimestamp: int64(ts),
		}

	case bundle.LastObserved != nil:
		// Quiet range: fall back to the recorded last-observed event as the
		// comparison basis.
		report.RecomputedGapSecs = generatedAt - bundle.LastObserved.BlockTimestamp
		report.LastObserved = bundle.LastObserved

	default:
		report.Verdict = VerdictInconclusive
		return report, nil
	}

	drift := report.RecomputedGapSecs - bundle.ComputedGapSecs
	if drift < 0 {
		drift = -drift
	}
	report.DriftSecs = drift
	if drift <= v.toleranceSecs {
		report.Verdict = VerdictMatch
	} else {
		report.Verdict = VerdictDiff
	}
	return report, nil
}
