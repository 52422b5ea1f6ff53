// Package store provides durable node state backed by an embedded SQLite
// database: the persisted settings a node was last configured with, and a
// rolling audit log of protocol events useful for field diagnosis.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/da-penguin-guy/Virgil/internal/logging"
)

var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — audit log of protocol-level events worth keeping past process
	// lifetime: links formed and broken, parameter commands applied, peers
	// connected, accepted and lost.
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		peer       TEXT NOT NULL DEFAULT '',
		event      TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	`PRAGMA journal_mode=WAL`,
	// v5, v6 — channel context for link/unlink-shaped audit events.
	`ALTER TABLE audit_log ADD COLUMN channel_index INTEGER NOT NULL DEFAULT -1`,
	`ALTER TABLE audit_log ADD COLUMN channel_type TEXT NOT NULL DEFAULT ''`,
}

// maxAuditEntries bounds the audit log's growth; RecordAudit purges beyond it.
const maxAuditEntries = 10000

// Store wraps a SQLite database and exposes node-state operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if path == ":memory:" {
		// Every connection to ":memory:" is a separate database; keep one.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		logging.Scoped("store").Warn("busy_timeout pragma failed", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		logging.Scoped("store").Debug("applied migration", "version", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key -> value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetAllSettings returns every key/value pair, for the settings CLI subcommand.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// AuditEvent is one protocol-level event worth keeping past process
// lifetime: a link formed or broken, a parameter command applied, a peer
// connected, accepted, rejected or lost. Malformed frames are not recorded.
// ChannelIndex is -1 and ChannelType is "" for events with no associated
// channel.
type AuditEvent struct {
	Timestamp    int64
	Kind         string
	PeerName     string
	ChannelIndex int
	ChannelType  string
	Detail       string
}

// RecordAudit appends evt to the audit log and purges entries beyond
// maxAuditEntries. ChannelIndex defaults to -1 when left unset.
func (s *Store) RecordAudit(ctx context.Context, evt AuditEvent) error {
	index := evt.ChannelIndex
	if index == 0 && evt.ChannelType == "" {
		index = -1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(peer, event, detail, channel_index, channel_type) VALUES(?,?,?,?,?)`,
		evt.PeerName, evt.Kind, evt.Detail, index, evt.ChannelType,
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`,
		maxAuditEntries,
	)
	return err
}

// RecentAudit returns up to limit audit events, most recent first,
// optionally filtered to a single peer (pass "" for all peers).
func (s *Store) RecentAudit(ctx context.Context, peer string, limit int) ([]AuditEvent, error) {
	var rows *sql.Rows
	var err error
	if peer != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT peer, event, detail, channel_index, channel_type, created_at FROM audit_log WHERE peer = ? ORDER BY id DESC LIMIT ?`,
			peer, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT peer, event, detail, channel_index, channel_type, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.PeerName, &e.Kind, &e.Detail, &e.ChannelIndex, &e.ChannelType, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
