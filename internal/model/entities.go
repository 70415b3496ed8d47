package model

import "time"

// CursorType identifies what a cursor tracks.
const CursorTypeInboxLogs = "SEQINBOX_LOGS"

// Cursor marks the last block height fully scanned for a route.
// It is the sole source of truth for the next unscanned block and
// must only move forward.
type Cursor struct {
	ID                 string `json:"id"`
	CursorType         string `json:"cursor_type"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
}

// BatchEvent is one observed batch-posting log. (TxHash, LogIndex) is the
// natural key; rows are write-once.
type BatchEvent struct {
	ID             string `json:"id"`
	BlockNumber    uint64 `json:"block_number"`
	TxHash         string `json:"tx_hash"`
	LogIndex       uint64 `json:"log_index"`
	BatchSeqNum    string `json:"batch_seq_num"`
	BlockTimestamp int64  `json:"block_timestamp"`
}

// Incident records one fired rule evaluation. Immutable after creation.
type Incident struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	RouteID     string    `json:"route_id"`
	RuleType    string    `json:"rule_type"`
	Severity    string    `json:"severity"`
	Reason      string    `json:"reason"`
	EvidenceCID string    `json:"evidence_cid"`
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxRow is one pending notification obligation. Rows are never deleted;
// the status history doubles as the delivery audit trail.
type OutboxRow struct {
	ID            string       `json:"id"`
	CreatedAt     time.Time    `json:"created_at"`
	IncidentID    string       `json:"incident_id"`
	Status        OutboxStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	Payload       AlertPayload `json:"payload_json"`
}

// AlertPayload is the wire payload stored with an outbox row and handed to
// the notification transport.
type AlertPayload struct {
	RouteID     string `json:"routeId"`
	RuleType    string `json:"ruleType"`
	Reason      string `json:"reason"`
	EvidenceCID string `json:"evidenceCid"`
	Severity    string `json:"severity"`
}
