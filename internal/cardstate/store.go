package cardstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatusStore persists the last-known remote card status per provider and
// a journal of issued commands, so a later pass can retry cards that stayed
// inconsistent. Backed by database/sql (sqlite in the sync daemon).
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a status store over an opened database.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Migrate creates the status tables when missing.
func Migrate(db *sql.DB) error {
	migrationSQL := `
	BEGIN TRANSACTION;

	CREATE TABLE IF NOT EXISTS card_statuses (
		provider TEXT NOT NULL,
		external_card_id TEXT NOT NULL,
		blocked INTEGER NOT NULL,
		pin_blocked INTEGER NOT NULL,
		pending_blocked INTEGER,
		observed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (provider, external_card_id)
	);

	CREATE TABLE IF NOT EXISTS card_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		external_card_id TEXT NOT NULL,
		block INTEGER NOT NULL,
		error TEXT,
		issued_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_card_commands_card ON card_commands(card_id, issued_at);

	COMMIT;
	`
	_, err := db.Exec(migrationSQL)
	return err
}

// UpsertStatus stores the provider's current view of one card.
func (ss *StatusStore) UpsertStatus(ctx context.Context, rs RemoteStatus) error {
	var pending *bool
	if rs.PendingBlocked != nil {
		p := *rs.PendingBlocked
		pending = &p
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO card_statuses (provider, external_card_id, blocked, pin_blocked, pending_blocked, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, external_card_id) DO UPDATE SET
			blocked = excluded.blocked,
			pin_blocked = excluded.pin_blocked,
			pending_blocked = excluded.pending_blocked,
			observed_at = excluded.observed_at
	`, rs.Provider, rs.ExternalCardID, rs.Blocked, rs.PINBlocked, pending, rs.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert card status: %w", err)
	}
	return nil
}

// Statuses returns the last-known remote view keyed by external card id.
func (ss *StatusStore) Statuses(ctx context.Context, providerName string) (map[string]RemoteStatus, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT provider, external_card_id, blocked, pin_blocked, pending_blocked, observed_at
		FROM card_statuses
		WHERE provider = ?
	`, providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to query card statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]RemoteStatus)
	for rows.Next() {
		var rs RemoteStatus
		var pending sql.NullBool
		if err := rows.Scan(&rs.Provider, &rs.ExternalCardID, &rs.Blocked, &rs.PINBlocked, &pending, &rs.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan card status: %w", err)
		}
		if pending.Valid {
			p := pending.Bool
			rs.PendingBlocked = &p
		}
		out[rs.ExternalCardID] = rs
	}
	return out, rows.Err()
}

// RecordCommand journals one issued command and its outcome.
func (ss *StatusStore) RecordCommand(ctx context.Context, res CommandResult) error {
	var errText *string
	if res.Err != nil {
		s := res.Err.Error()
		errText = &s
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO card_commands (card_id, provider, external_card_id, block, error, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, res.Command.CardID.String(), res.Command.Provider, res.Command.ExternalCardID,
		res.Command.Block, errText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record card command: %w", err)
	}
	return nil
}

// CommandRecord is one journaled command row.
type CommandRecord struct {
	CardID         uuid.UUID
	Provider       string
	ExternalCardID string
	Block          bool
	Error          string
	IssuedAt       time.Time
}

// CommandsForCard returns the journal for one card, newest first.
func (ss *StatusStore) CommandsForCard(ctx context.Context, cardID uuid.UUID, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ss.db.QueryContext(ctx, `
		SELECT card_id, provider, external_card_id, block, COALESCE(error, ''), issued_at
		FROM card_commands
		WHERE card_id = ?
		ORDER BY issued_at DESC, id DESC
		LIMIT ?
	`, cardID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query card commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var rawID string
		if err := rows.Scan(&rawID, &rec.Provider, &rec.ExternalCardID, &rec.Block, &rec.Error, &rec.IssuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan card command: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse card id %q: %w", rawID, err)
		}
		rec.CardID = id
		out = append(out, rec)
	}
	return out, rows.Err()
}
