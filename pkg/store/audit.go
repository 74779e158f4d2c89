package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shapewire-net/shapewire/pkg/audit"
)

type auditRow struct {
	ID         string         `db:"id"`
	TS         time.Time      `db:"ts"`
	Actor      string         `db:"actor"`
	Action     string         `db:"action"`
	EntityType string         `db:"entity_type"`
	EntityID   string         `db:"entity_id"`
	FromStatus string         `db:"from_status"`
	ToStatus   string         `db:"to_status"`
	Success    bool           `db:"success"`
	Error      string         `db:"error"`
	DurationMS int64          `db:"duration_ms"`
	Detail     sql.NullString `db:"detail"`
}

// AppendAuditEvent persists one audit event. Implements audit.Sink, so
// the daemon can hand the store to audit.NewStoreLogger.
func (s *Store) AppendAuditEvent(e *audit.Event) error {
	row := &auditRow{
		ID:         e.ID,
		TS:         e.Timestamp.UTC(),
		Actor:      e.Actor,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		FromStatus: e.From,
		ToStatus:   e.To,
		Success:    e.Success,
		Error:      e.Error,
		DurationMS: e.Duration.Milliseconds(),
	}
	if e.Detail != nil {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
		row.Detail = sql.NullString{String: string(detail), Valid: true}
	}
	_, err := s.db.NamedExec(
		`INSERT INTO audit_log
		 (id, ts, actor, action, entity_type, entity_id, from_status, to_status, success, error, duration_ms, detail)
		 VALUES (:id, :ts, :actor, :action, :entity_type, :entity_id, :from_status, :to_status, :success, :error, :duration_ms, :detail)`,
		row,
	)
	if err != nil {
		return storeErr("appending audit event", err)
	}
	return nil
}

// QueryAuditEvents returns stored events matching the filter, newest-first
func (s *Store) QueryAuditEvents(f audit.Filter) ([]*audit.Event, error) {
	query := "SELECT * FROM audit_log WHERE 1=1"
	var args []any
	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, f.Until.UTC())
	}
	if f.FailureOnly {
		query += " AND success = 0"
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	var rows []auditRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, storeErr("querying audit events", err)
	}

	out := make([]*audit.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *auditRow) toEvent() (*audit.Event, error) {
	e := &audit.Event{
		ID:         r.ID,
		Timestamp:  r.TS,
		Actor:      r.Actor,
		Action:     r.Action,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		From:       r.FromStatus,
		To:         r.ToStatus,
		Success:    r.Success,
		Error:      r.Error,
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
	}
	if r.Detail.Valid {
		if err := json.Unmarshal([]byte(r.Detail.String), &e.Detail); err != nil {
			return nil, fmt.Errorf("decoding audit detail for %s: %w", r.ID, err)
		}
	}
	return e, nil
}
