package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

type policyRow struct {
	ID          string         `db:"id"`
	IntentID    string         `db:"intent_id"`
	Plane       string         `db:"plane"`
	Kind        string         `db:"kind"`
	Target      string         `db:"target"`
	ConflictKey string         `db:"conflict_key"`
	Parameters  sql.NullString `db:"parameters"`
	Status      string         `db:"status"`
	Seq         int            `db:"seq"`
	AppliedAt   sql.NullTime   `db:"applied_at"`
	LastError   string         `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
}

func policyToRow(p *model.Policy) (*policyRow, error) {
	row := &policyRow{
		ID:          p.ID,
		IntentID:    p.IntentID,
		Plane:       string(p.Plane),
		Kind:        string(p.Kind),
		Target:      p.Target,
		ConflictKey: p.Key,
		Status:      string(p.Status),
		Seq:         p.Seq,
		LastError:   p.LastError,
		CreatedAt:   p.CreatedAt,
	}
	if p.Parameters != nil {
		params, err := json.Marshal(p.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encoding parameters for policy %s: %w", p.ID, err)
		}
		row.Parameters = sql.NullString{String: string(params), Valid: true}
	}
	if p.AppliedAt != nil {
		row.AppliedAt = sql.NullTime{Time: *p.AppliedAt, Valid: true}
	}
	return row, nil
}

func (r *policyRow) toPolicy() (*model.Policy, error) {
	p := &model.Policy{
		ID:        r.ID,
		IntentID:  r.IntentID,
		Plane:     model.Plane(r.Plane),
		Kind:      model.PolicyKind(r.Kind),
		Target:    r.Target,
		Key:       r.ConflictKey,
		Status:    model.PolicyStatus(r.Status),
		Seq:       r.Seq,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
	}
	if r.Parameters.Valid {
		if err := json.Unmarshal([]byte(r.Parameters.String), &p.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters for policy %s: %w", r.ID, err)
		}
	}
	if r.AppliedAt.Valid {
		t := r.AppliedAt.Time
		p.AppliedAt = &t
	}
	return p, nil
}

const insertPolicySQL = `INSERT INTO policies
	(id, intent_id, plane, kind, target, conflict_key, parameters, status, seq, applied_at, last_error, created_at)
	VALUES (:id, :intent_id, :plane, :kind, :target, :conflict_key, :parameters, :status, :seq, :applied_at, :last_error, :created_at)`

func rowsToPolicies(rows []policyRow) ([]*model.Policy, error) {
	out := make([]*model.Policy, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPolicy()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPolicy loads one policy by id
func (s *Store) GetPolicy(id string) (*model.Policy, error) {
	var row policyRow
	err := s.db.Get(&row, "SELECT * FROM policies WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("loading policy", err)
	}
	return row.toPolicy()
}

// GetIntentPolicies returns an intent's policies in declaration order
func (s *Store) GetIntentPolicies(intentID string) ([]*model.Policy, error) {
	var rows []policyRow
	err := s.db.Select(&rows,
		"SELECT * FROM policies WHERE intent_id = ? ORDER BY seq ASC", intentID)
	if err != nil {
		return nil, storeErr("loading intent policies", err)
	}
	return rowsToPolicies(rows)
}

// PolicyFilter narrows ListPolicies. Zero values match everything.
type PolicyFilter struct {
	Plane  model.Plane
	Status model.PolicyStatus
	Target string
	Limit  int
}

// ListPolicies returns policies newest-first, optionally filtered
func (s *Store) ListPolicies(f PolicyFilter) ([]*model.Policy, error) {
	query := "SELECT * FROM policies WHERE 1=1"
	var args []any
	if f.Plane != "" {
		query += " AND plane = ?"
		args = append(args, string(f.Plane))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Target != "" {
		query += " AND target = ?"
		args = append(args, f.Target)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []policyRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, storeErr("listing policies", err)
	}
	return rowsToPolicies(rows)
}

// UpdatePolicyStatus transitions one policy. Moving to applied stamps
// applied_at; a non-empty lastErr replaces the previous error note.
func (s *Store) UpdatePolicyStatus(id string, status model.PolicyStatus, lastErr string) error {
	var res sql.Result
	var err error
	if status == model.PolicyApplied {
		res, err = s.db.Exec(
			"UPDATE policies SET status = ?, applied_at = ?, last_error = ? WHERE id = ?",
			string(status), time.Now().UTC(), lastErr, id,
		)
	} else {
		res, err = s.db.Exec(
			"UPDATE policies SET status = ?, last_error = ? WHERE id = ?",
			string(status), lastErr, id,
		)
	}
	if err != nil {
		return storeErr("updating policy status", err)
	}
	return requireRow(res, "policy", id)
}

// PoliciesByKey returns policies on one conflict key in any of the given
// statuses, oldest-first. The core uses it to find what a new submission
// supersedes.
func (s *Store) PoliciesByKey(key string, statuses ...model.PolicyStatus) ([]*model.Policy, error) {
	if len(statuses) == 0 {
		statuses = []model.PolicyStatus{model.PolicyApplied, model.PolicyPendingDelivery}
	}
	placeholders := make([]string, len(statuses))
	args := []any{key}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf(
		"SELECT * FROM policies WHERE conflict_key = ? AND status IN (%s) ORDER BY id ASC",
		strings.Join(placeholders, ", "),
	)

	var rows []policyRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, storeErr("loading policies by key", err)
	}
	return rowsToPolicies(rows)
}

// AppliedPolicies returns every applied policy on one plane, oldest-first.
// Reconciliation walks this to rebuild the expected enforcement state.
func (s *Store) AppliedPolicies(plane model.Plane) ([]*model.Policy, error) {
	var rows []policyRow
	err := s.db.Select(&rows,
		"SELECT * FROM policies WHERE plane = ? AND status = ? ORDER BY id ASC",
		string(plane), string(model.PolicyApplied),
	)
	if err != nil {
		return nil, storeErr("loading applied policies", err)
	}
	return rowsToPolicies(rows)
}

// PendingDeliveryPolicies returns device-plane policies waiting for the
// device to come back online, oldest-first. Only the latest policy per
// conflict key is returned; anything older has been superseded in the
// meantime and must not be redelivered.
func (s *Store) PendingDeliveryPolicies(deviceID string) ([]*model.Policy, error) {
	var rows []policyRow
	err := s.db.Select(&rows,
		`SELECT * FROM policies
		 WHERE plane = ? AND status = ? AND target = ?
		 AND id IN (
			SELECT MAX(id) FROM policies
			WHERE plane = ? AND status = ? AND target = ?
			GROUP BY conflict_key
		 )
		 ORDER BY id ASC`,
		string(model.PlaneDevice), string(model.PolicyPendingDelivery), deviceID,
		string(model.PlaneDevice), string(model.PolicyPendingDelivery), deviceID,
	)
	if err != nil {
		return nil, storeErr("loading pending deliveries", err)
	}
	return rowsToPolicies(rows)
}
