package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"orbitwatch/internal/model"
)

// Memory is an in-process Store for local runs and tests. Same contract as
// Postgres minus durability across restarts.
type Memory struct {
	mu        sync.Mutex
	cursors   map[string]model.Cursor
	events    []model.BatchEvent
	eventKeys map[string]struct{}
	incidents []model.Incident
	alerts    []model.OutboxRow
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cursors:   make(map[string]model.Cursor),
		eventKeys: make(map[string]struct{}),
	}
}

func (s *Memory) LoadCursor(_ context.Context, id string) (model.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[id]
	return c, ok, nil
}

func (s *Memory) SaveCursor(_ context.Context, cursor model.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.ID] = cursor
	return nil
}

func (s *Memory) InsertEvent(_ context.Context, event model.BatchEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s:%d", event.TxHash, event.LogIndex)
	if _, ok := s.eventKeys[key]; ok {
		return false, nil
	}
	s.eventKeys[key] = struct{}{}
	s.events = append(s.events, event)
	return true, nil
}

func (s *Memory) LatestEvent(_ context.Context) (model.BatchEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return model.BatchEvent{}, false, nil
	}
	latest := s.events[0]
	for _, event := range s.events[1:] {
		if event.BlockTimestamp > latest.BlockTimestamp ||
			(event.BlockTimestamp == latest.BlockTimestamp && event.BlockNumber > latest.BlockNumber) {
			latest = event
		}
	}
	return latest, true, nil
}

func (s *Memory) EventsInRange(_ context.Context, from, to uint64) ([]model.BatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BatchEvent
	for _, event := range s.events {
		if event.BlockNumber >= from && event.BlockNumber <= to {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (s *Memory) InsertIncident(_ context.Context, incident model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, incident)
	return nil
}

func (s *Memory) IncidentSince(_ context.Context, routeID, ruleType string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incidents {
		if inc.RouteID == routeID && inc.RuleType == ruleType && !inc.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) ListIncidents(_ context.Context, limit int) ([]model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Incident, len(s.incidents))
	copy(out, s.incidents)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) EnqueueAlert(_ context.Context, alert model.OutboxRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *Memory) PendingAlerts(_ context.Context, limit int, now time.Time) ([]model.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxRow
	for _, row := range s.alerts {
		if row.Status == model.OutboxPending && !row.NextAttemptAt.After(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) UpdateAlert(_ context.Context, id string, status model.OutboxStatus, retryCount int, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Status = status
			s.alerts[i].RetryCount = retryCount
			s.alerts[i].NextAttemptAt = nextAttemptAt
			return nil
		}
	}
	return fmt.Errorf("outbox row %s not found", id)
}

// Alert returns a copy of the outbox row with the given id. Test helper.
func (s *Memory) Alert(id string) (model.OutboxRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.alerts {
		if row.ID == id {
			return row, true
		}
	}
	return model.OutboxRow{}, false
}
