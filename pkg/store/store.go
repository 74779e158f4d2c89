// Package store persists controller state in SQLite: intents, their
// compiled policies, telemetry samples for the feedback loop, the audit
// trail and API users. One database file, WAL mode, versioned schema.
package store

import (
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shapewire-net/shapewire/pkg/util"
)

// migration is one schema step. Statements run in order inside a single
// transaction together with the schema_version bump.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial",
		stmts: []string{
			`CREATE TABLE intents (
				id            TEXT PRIMARY KEY,
				raw_text      TEXT NOT NULL,
				parsed        TEXT NOT NULL,
				goal          TEXT,
				status        TEXT NOT NULL,
				submitter     TEXT NOT NULL DEFAULT '',
				parent_id     TEXT NOT NULL DEFAULT '',
				superseded_by TEXT NOT NULL DEFAULT '',
				warning       TEXT NOT NULL DEFAULT '',
				submitted_at  TIMESTAMP NOT NULL,
				updated_at    TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX idx_intents_status ON intents(status)`,
			`CREATE TABLE policies (
				id           TEXT PRIMARY KEY,
				intent_id    TEXT NOT NULL REFERENCES intents(id),
				plane        TEXT NOT NULL,
				kind         TEXT NOT NULL,
				target       TEXT NOT NULL,
				conflict_key TEXT NOT NULL,
				parameters   TEXT,
				status       TEXT NOT NULL,
				seq          INTEGER NOT NULL,
				applied_at   TIMESTAMP,
				last_error   TEXT NOT NULL DEFAULT '',
				created_at   TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX idx_policies_intent ON policies(intent_id)`,
			`CREATE INDEX idx_policies_key ON policies(conflict_key, status)`,
			`CREATE INDEX idx_policies_target ON policies(target, kind, status)`,
			`CREATE TABLE metrics_history (
				metric    TEXT NOT NULL,
				device_id TEXT NOT NULL DEFAULT '',
				value     REAL NOT NULL,
				ts        TIMESTAMP NOT NULL,
				UNIQUE(metric, device_id, ts)
			)`,
			`CREATE INDEX idx_metrics_ts ON metrics_history(metric, ts)`,
			`CREATE TABLE audit_log (
				id          TEXT PRIMARY KEY,
				ts          TIMESTAMP NOT NULL,
				actor       TEXT NOT NULL,
				action      TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id   TEXT NOT NULL DEFAULT '',
				from_status TEXT NOT NULL DEFAULT '',
				to_status   TEXT NOT NULL DEFAULT '',
				success     INTEGER NOT NULL DEFAULT 1,
				error       TEXT NOT NULL DEFAULT '',
				duration_ms INTEGER NOT NULL DEFAULT 0,
				detail      TEXT
			)`,
			`CREATE INDEX idx_audit_ts ON audit_log(ts)`,
			`CREATE INDEX idx_audit_entity ON audit_log(entity_type, entity_id)`,
			`CREATE TABLE users (
				username      TEXT PRIMARY KEY,
				password_hash TEXT NOT NULL,
				role          TEXT NOT NULL,
				created_at    TIMESTAMP NOT NULL
			)`,
		},
	},
}

// latestVersion is the schema version this binary understands
func latestVersion() int {
	return migrations[len(migrations)-1].version
}

// Store is the controller's state database. Writes to intent status go
// through the core's single submission worker; reads may run concurrently
// thanks to WAL mode.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open connects to the database at path, creating the file if needed.
// The schema is verified but not migrated; call Migrate before serving.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
	}.Encode())

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state store %s: %w: %v", path, util.ErrStoreUnavailable, err)
	}

	s := &Store{db: db, path: path}
	if err := s.ensureVersionTable(); err != nil {
		db.Close()
		return nil, err
	}

	current, err := s.SchemaVersion()
	if err != nil {
		db.Close()
		return nil, err
	}
	if current > latestVersion() {
		db.Close()
		return nil, fmt.Errorf("state store %s is at schema %d, newer than this binary's %d: %w",
			path, current, latestVersion(), util.ErrStoreUnavailable)
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health checker and
// by the degraded-mode probe.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("pinging state store: %w: %v", util.ErrStoreUnavailable, err)
	}
	// Ping on sqlite can succeed on a closed file handle; force a read.
	var one int
	if err := s.db.Get(&one, "SELECT 1"); err != nil {
		return fmt.Errorf("probing state store: %w: %v", util.ErrStoreUnavailable, err)
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

func (s *Store) ensureVersionTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w: %v", util.ErrStoreUnavailable, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, zero for a
// fresh database.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w: %v", util.ErrStoreUnavailable, err)
	}
	return version, nil
}

// Migrate applies pending migrations in order, each in its own
// transaction. Safe to call on every startup.
func (s *Store) Migrate() error {
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return err
		}
		util.WithComponent("store").Infof("applied migration %d (%s)", m.version, m.name)
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning migration %d: %w: %v", m.version, util.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w: %v", m.version, m.name, util.ErrStoreUnavailable, err)
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("recording migration %d: %w: %v", m.version, util.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w: %v", m.version, util.ErrStoreUnavailable, err)
	}
	return nil
}

// storeErr wraps a driver error into the store-unavailable taxonomy
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, util.ErrStoreUnavailable, err)
}
