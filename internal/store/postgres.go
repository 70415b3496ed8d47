package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orbitwatch/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS cursors (
	id TEXT PRIMARY KEY,
	cursor_type TEXT NOT NULL,
	last_processed_block BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS batch_events (
	id TEXT PRIMARY KEY,
	block_number BIGINT NOT NULL,
	tx_hash TEXT NOT NULL,
	log_index BIGINT NOT NULL,
	batch_seq_num TEXT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	UNIQUE (tx_hash, log_index)
);
CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	route_id TEXT NOT NULL,
	rule_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	reason TEXT NOT NULL,
	evidence_cid TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_outbox (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	incident_id TEXT NOT NULL REFERENCES incidents(id),
	status TEXT NOT NULL,
	retry_count INT NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	payload_json JSONB NOT NULL
);
`

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) LoadCursor(ctx context.Context, id string) (model.Cursor, bool, error) {
	var c model.Cursor
	row := s.pool.QueryRow(ctx, `SELECT id, cursor_type, last_processed_block FROM cursors WHERE id=$1`, id)
	var block int64
	if err := row.Scan(&c.ID, &c.CursorType, &block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cursor{}, false, nil
		}
		return model.Cursor{}, false, model.Transient("load cursor", err)
	}
	c.LastProcessedBlock = uint64(block)
	return c, true, nil
}

func (s *Postgres) SaveCursor(ctx context.Context, cursor model.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cursors (id, cursor_type, last_processed_block)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block
	`, cursor.ID, cursor.CursorType, int64(cursor.LastProcessedBlock))
	if err != nil {
		return model.Transient("save cursor", err)
	}
	return nil
}

func (s *Postgres) InsertEvent(ctx context.Context, event model.BatchEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO batch_events (id, block_number, tx_hash, log_index, batch_seq_num, block_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`,
		event.ID,
		int64(event.BlockNumber),
		event.TxHash,
		int64(event.LogIndex),
		event.BatchSeqNum,
		event.BlockTimestamp,
	)
	if err != nil {
		return false, model.Transient("insert event", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) LatestEvent(ctx context.Context) (model.BatchEvent, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, block_number, tx_hash, log_index, batch_seq_num, block_timestamp
		FROM batch_events
		ORDER BY block_timestamp DESC, block_number DESC
		LIMIT 1
	`)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BatchEvent{}, false, nil
		}
		return model.BatchEvent{}, false, model.Transient("latest event", err)
	}
	return event, true, nil
}

func (s *Postgres) EventsInRange(ctx context.Context, from, to uint64) ([]model.BatchEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, block_number, tx_hash, log_index, batch_seq_num, block_timestamp
		FROM batch_events
		WHERE block_number >= $1 AND block_number <= $2
		ORDER BY block_number ASC, log_index ASC
	`, int64(from), int64(to))
	if err != nil {
		return nil, model.Transient("events in range", err)
	}
	defer rows.Close()

	var events []model.BatchEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, model.Transient("scan event", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transient("events in range", err)
	}
	return events, nil
}

func (s *Postgres) InsertIncident(ctx context.Context, incident model.Incident) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (id, created_at, route_id, rule_type, severity, reason, evidence_cid)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		incident.ID,
		incident.CreatedAt,
		incident.RouteID,
		incident.RuleType,
		incident.Severity,
		incident.Reason,
		incident.EvidenceCID,
	)
	if err != nil {
		return model.Transient("insert incident", err)
	}
	return nil
}

func (s *Postgres) IncidentSince(ctx context.Context, routeID, ruleType string, since time.Time) (bool, error) {
	var id string
	row := s.pool.QueryRow(ctx, `
		SELECT id FROM incidents
		WHERE route_id = $1 AND rule_type = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`, routeID, ruleType, since)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, model.Transient("incident since", err)
	}
	return true, nil
}

func (s *Postgres) ListIncidents(ctx context.Context, limit int) ([]model.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, route_id, rule_type, severity, reason, evidence_cid
		FROM incidents
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, model.Transient("list incidents", err)
	}
	defer rows.Close()

	var incidents []model.Incident
	for rows.Next() {
		var inc model.Incident
		if err := rows.Scan(&inc.ID, &inc.CreatedAt, &inc.RouteID, &inc.RuleType, &inc.Severity, &inc.Reason, &inc.EvidenceCID); err != nil {
			return nil, model.Transient("scan incident", err)
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transient("list incidents", err)
	}
	return incidents, nil
}

func (s *Postgres) EnqueueAlert(ctx context.Context, alert model.OutboxRow) error {
	payload, err := json.Marshal(alert.Payload)
	if err != nil {
		return model.Invalid("marshal alert payload", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_outbox (id, created_at, incident_id, status, retry_count, next_attempt_at, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		alert.ID,
		alert.CreatedAt,
		alert.IncidentID,
		string(alert.Status),
		alert.RetryCount,
		alert.NextAttemptAt,
		payload,
	)
	if err != nil {
		return model.Transient("enqueue alert", err)
	}
	return nil
}

func (s *Postgres) PendingAlerts(ctx context.Context, limit int, now time.Time) ([]model.OutboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, incident_id, status, retry_count, next_attempt_at, payload_json
		FROM alert_outbox
		WHERE status = 'PENDING' AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, model.Transient("pending alerts", err)
	}
	defer rows.Close()

	var alerts []model.OutboxRow
	for rows.Next() {
		var row model.OutboxRow
		var status string
		var payload []byte
		if err := rows.Scan(&row.ID, &row.CreatedAt, &row.IncidentID, &status, &row.RetryCount, &row.NextAttemptAt, &payload); err != nil {
			return nil, model.Transient("scan alert", err)
		}
		row.Status = model.OutboxStatus(status)
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, model.Invalid(fmt.Sprintf("corrupt payload in outbox row %s", row.ID), err)
		}
		alerts = append(alerts, row)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transient("pending alerts", err)
	}
	return alerts, nil
}

func (s *Postgres) UpdateAlert(ctx context.Context, id string, status model.OutboxStatus, retryCount int, nextAttemptAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alert_outbox
		SET status = $2, retry_count = $3, next_attempt_at = $4
		WHERE id = $1
	`, id, string(status), retryCount, nextAttemptAt)
	if err != nil {
		return model.Transient("update alert", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.BatchEvent, error) {
	var event model.BatchEvent
	var blockNumber, logIndex int64
	if err := row.Scan(&event.ID, &blockNumber, &event.TxHash, &logIndex, &event.BatchSeqNum, &event.BlockTimestamp); err != nil {
		return model.BatchEvent{}, err
	}
	event.BlockNumber = uint64(blockNumber)
	event.LogIndex = uint64(logIndex)
	return event, nil
}
