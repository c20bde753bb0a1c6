// Package archive persists normalized log snapshots to SQLite. Live tree
// state stays in memory; the archive only holds exported node logs so they
// survive restarts and can be re-imported later.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mirrorstage/simdeck/internal/domain"
)

// Snapshot describes one archived node log.
type Snapshot struct {
	SnapshotID string    `json:"snapshotId"`
	SimID      string    `json:"simId"`
	NodeID     string    `json:"nodeId"`
	EntryCount int       `json:"entryCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SQLiteArchive implements the log archive using SQLite.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (and if needed migrates) the archive database.
func NewSQLiteArchive(dsn string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			sim_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			entry_count INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_sim ON snapshots(sim_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS entries (
			entry_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			type TEXT NOT NULL,
			agent_id TEXT,
			agent_name TEXT,
			content TEXT NOT NULL,
			media_urls TEXT,
			ts DATETIME,
			PRIMARY KEY (snapshot_id, seq),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(snapshot_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_snapshot ON entries(snapshot_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// SaveNodeLog archives one node's log under snapshotID. Entry order is
// preserved through the seq column.
func (a *SQLiteArchive) SaveNodeLog(ctx context.Context, snapshotID, simID, nodeID string, entries []domain.LogEntry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, sim_id, node_id, entry_count, created_at) VALUES (?, ?, ?, ?, ?)`,
		snapshotID, simID, nodeID, len(entries), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (entry_id, snapshot_id, seq, node_id, round, type, agent_id, agent_name, content, media_urls, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, entry := range entries {
		media, _ := json.Marshal(entry.MediaURLs)
		if _, err := stmt.ExecContext(ctx,
			entry.ID, snapshotID, i, entry.NodeID, entry.Round, string(entry.Type),
			entry.AgentID, entry.AgentName, entry.Content, string(media), entry.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert entry %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns an archived log in its original order.
func (a *SQLiteArchive) LoadSnapshot(ctx context.Context, snapshotID string) ([]domain.LogEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT entry_id, node_id, round, type, agent_id, agent_name, content, media_urls, ts
		 FROM entries WHERE snapshot_id = ? ORDER BY seq`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var typ string
		var agentID, agentName, media sql.NullString
		var ts sql.NullTime
		if err := rows.Scan(&entry.ID, &entry.NodeID, &entry.Round, &typ,
			&agentID, &agentName, &entry.Content, &media, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entry.Type = domain.EntryType(typ)
		entry.AgentID = agentID.String
		entry.AgentName = agentName.String
		if media.Valid && media.String != "" && media.String != "null" {
			if err := json.Unmarshal([]byte(media.String), &entry.MediaURLs); err != nil {
				return nil, fmt.Errorf("failed to decode media urls: %w", err)
			}
		}
		if ts.Valid {
			entry.Timestamp = ts.Time
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if entries == nil {
		var exists int
		err := a.db.QueryRowContext(ctx,
			`SELECT 1 FROM snapshots WHERE snapshot_id = ?`, snapshotID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("snapshot not found: %s", snapshotID)
		}
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// ListSnapshots returns snapshot metadata for a simulation, newest first.
func (a *SQLiteArchive) ListSnapshots(ctx context.Context, simID string) ([]Snapshot, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT snapshot_id, sim_id, node_id, entry_count, created_at
		 FROM snapshots WHERE sim_id = ? ORDER BY created_at DESC`, simID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.SnapshotID, &s.SimID, &s.NodeID, &s.EntryCount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes one archived log.
func (a *SQLiteArchive) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM entries WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
