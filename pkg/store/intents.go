package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

type intentRow struct {
	ID           string         `db:"id"`
	RawText      string         `db:"raw_text"`
	Parsed       string         `db:"parsed"`
	Goal         sql.NullString `db:"goal"`
	Status       string         `db:"status"`
	Submitter    string         `db:"submitter"`
	ParentID     string         `db:"parent_id"`
	SupersededBy string         `db:"superseded_by"`
	Warning      string         `db:"warning"`
	SubmittedAt  time.Time      `db:"submitted_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func intentToRow(in *model.Intent) (*intentRow, error) {
	parsed, err := json.Marshal(in.Parsed)
	if err != nil {
		return nil, fmt.Errorf("encoding parsed intent %s: %w", in.ID, err)
	}
	row := &intentRow{
		ID:           in.ID,
		RawText:      in.RawText,
		Parsed:       string(parsed),
		Status:       string(in.Status),
		Submitter:    in.Submitter,
		ParentID:     in.ParentID,
		SupersededBy: in.SupersededBy,
		Warning:      in.Warning,
		SubmittedAt:  in.SubmittedAt,
		UpdatedAt:    in.UpdatedAt,
	}
	if in.Goal != nil {
		goal, err := json.Marshal(in.Goal)
		if err != nil {
			return nil, fmt.Errorf("encoding goal for intent %s: %w", in.ID, err)
		}
		row.Goal = sql.NullString{String: string(goal), Valid: true}
	}
	return row, nil
}

func (r *intentRow) toIntent() (*model.Intent, error) {
	in := &model.Intent{
		ID:           r.ID,
		RawText:      r.RawText,
		Status:       model.IntentStatus(r.Status),
		Submitter:    r.Submitter,
		ParentID:     r.ParentID,
		SupersededBy: r.SupersededBy,
		Warning:      r.Warning,
		SubmittedAt:  r.SubmittedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Parsed), &in.Parsed); err != nil {
		return nil, fmt.Errorf("decoding parsed intent %s: %w", r.ID, err)
	}
	if r.Goal.Valid {
		in.Goal = &model.Goal{}
		if err := json.Unmarshal([]byte(r.Goal.String), in.Goal); err != nil {
			return nil, fmt.Errorf("decoding goal for intent %s: %w", r.ID, err)
		}
	}
	return in, nil
}

const insertIntentSQL = `INSERT INTO intents
	(id, raw_text, parsed, goal, status, submitter, parent_id, superseded_by, warning, submitted_at, updated_at)
	VALUES (:id, :raw_text, :parsed, :goal, :status, :submitter, :parent_id, :superseded_by, :warning, :submitted_at, :updated_at)`

// CreateIntentWithPolicies persists an intent and its compiled policies in
// one transaction, so a crash between the two cannot orphan policies.
func (s *Store) CreateIntentWithPolicies(in *model.Intent, policies []*model.Policy) error {
	row, err := intentToRow(in)
	if err != nil {
		return err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return storeErr("creating intent", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExec(insertIntentSQL, row); err != nil {
		return storeErr("inserting intent", err)
	}
	for _, p := range policies {
		prow, err := policyToRow(p)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExec(insertPolicySQL, prow); err != nil {
			return storeErr("inserting policy", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("committing intent", err)
	}
	return nil
}

// GetIntent loads one intent by id
func (s *Store) GetIntent(id string) (*model.Intent, error) {
	var row intentRow
	err := s.db.Get(&row, "SELECT * FROM intents WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("loading intent", err)
	}
	return row.toIntent()
}

// IntentFilter narrows ListIntents. Zero values match everything.
type IntentFilter struct {
	Status    model.IntentStatus
	Submitter string
	ParentID  string
	Limit     int
}

// ListIntents returns intents newest-first, optionally filtered
func (s *Store) ListIntents(f IntentFilter) ([]*model.Intent, error) {
	query := "SELECT * FROM intents WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Submitter != "" {
		query += " AND submitter = ?"
		args = append(args, f.Submitter)
	}
	if f.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, f.ParentID)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []intentRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, storeErr("listing intents", err)
	}
	out := make([]*model.Intent, 0, len(rows))
	for i := range rows {
		in, err := rows[i].toIntent()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// SetIntentStatus updates one intent's status and touches updated_at
func (s *Store) SetIntentStatus(id string, status model.IntentStatus) error {
	res, err := s.db.Exec(
		"UPDATE intents SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return storeErr("updating intent status", err)
	}
	return requireRow(res, "intent", id)
}

// SetIntentWarning records a non-fatal note on the intent, such as a
// pending_delivery condition or an extra-goal warning.
func (s *Store) SetIntentWarning(id, warning string) error {
	res, err := s.db.Exec(
		"UPDATE intents SET warning = ?, updated_at = ? WHERE id = ?",
		warning, time.Now().UTC(), id,
	)
	if err != nil {
		return storeErr("updating intent warning", err)
	}
	return requireRow(res, "intent", id)
}

// SupersedeIntent marks the old intent superseded, links its successor and
// supersedes every policy of the old intent that is still live, all in one
// transaction. Enforcement-level overwrite happens before this is called.
func (s *Store) SupersedeIntent(oldID, newID string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return storeErr("superseding intent", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE intents SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ?",
		string(model.IntentSuperseded), newID, time.Now().UTC(), oldID,
	)
	if err != nil {
		return storeErr("superseding intent", err)
	}
	if err := requireRow(res, "intent", oldID); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE policies SET status = ? WHERE intent_id = ? AND status IN (?, ?, ?)`,
		string(model.PolicySuperseded), oldID,
		string(model.PolicyPending), string(model.PolicyPendingDelivery), string(model.PolicyApplied),
	); err != nil {
		return storeErr("superseding policies", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("committing supersede", err)
	}
	return nil
}

// ActiveGoalIntents returns intents the feedback loop should evaluate:
// applied, satisfied or violated, with a goal attached.
func (s *Store) ActiveGoalIntents() ([]*model.Intent, error) {
	var rows []intentRow
	err := s.db.Select(&rows,
		`SELECT * FROM intents
		 WHERE goal IS NOT NULL AND status IN (?, ?, ?)
		 ORDER BY id ASC`,
		string(model.IntentApplied), string(model.IntentSatisfied), string(model.IntentViolated),
	)
	if err != nil {
		return nil, storeErr("listing goal intents", err)
	}
	out := make([]*model.Intent, 0, len(rows))
	for i := range rows {
		in, err := rows[i].toIntent()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// CorrectiveCount reports how many child intents an intent has spawned,
// in any state. Only the feedback loop creates children, so this is the
// length of the intent's corrective chain.
func (s *Store) CorrectiveCount(parentID string) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM intents WHERE parent_id = ?", parentID)
	if err != nil {
		return 0, storeErr("counting correctives", err)
	}
	return n, nil
}

// ActiveCounts returns how many intents and policies are currently live,
// for the exporter's gauges. Live means applied/satisfied/violated for
// intents and applied/pending_delivery for policies.
func (s *Store) ActiveCounts() (intents, policies int, err error) {
	err = s.db.Get(&intents,
		"SELECT COUNT(*) FROM intents WHERE status IN (?, ?, ?)",
		string(model.IntentApplied), string(model.IntentSatisfied), string(model.IntentViolated),
	)
	if err != nil {
		return 0, 0, storeErr("counting intents", err)
	}
	err = s.db.Get(&policies,
		"SELECT COUNT(*) FROM policies WHERE status IN (?, ?)",
		string(model.PolicyApplied), string(model.PolicyPendingDelivery),
	)
	if err != nil {
		return 0, 0, storeErr("counting policies", err)
	}
	return intents, policies, nil
}

// requireRow converts a zero-row UPDATE into ErrNotFound
func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("checking affected rows", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, util.ErrNotFound)
	}
	return nil
}
