// Copyright 2024-2026 Aiku AI

// Package store persists the bridge's message identity correlations and the
// uploaded-asset memo table in SQLite. Every operation is a single statement,
// so concurrent readers never observe a partially written mapping.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"maunium.net/go/mautrix/id"
)

// MappingKind distinguishes the root content message of a relay from the
// attachment messages that followed it.
type MappingKind string

const (
	KindContent    MappingKind = "content"
	KindAttachment MappingKind = "attachment"
)

// Mapping correlates one Matrix event with one Discord message. A single
// Discord message may map to several Matrix events (text root plus one event
// per attachment), but a Matrix event maps to exactly one Discord message.
type Mapping struct {
	MatrixEventID  id.EventID
	DiscordID      int64
	Kind           MappingKind
	AuthorIncluded bool
}

// Store wraps the bridge database.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// New opens (or creates) the bridge database at the given path and runs
// pending schema upgrades.
func New(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewFromConfig("mautrix-discordrelay", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3-fk-wal",
			URI:          path,
			MaxOpenConns: 2,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge database: %w", err)
	}
	s := NewWithDB(db, log)
	if err = s.Upgrade(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open database without running upgrades.
func NewWithDB(db *dbutil.Database, log zerolog.Logger) *Store {
	db.UpgradeTable = UpgradeTable
	return &Store{db: db, log: log}
}

// Upgrade applies pending schema migrations.
func (s *Store) Upgrade(ctx context.Context) error {
	if err := s.db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade bridge database: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const (
	recordQuery = `
		INSERT INTO message_map (matrix_event_id, discord_id, kind, author_included)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (matrix_event_id) DO UPDATE
			SET discord_id = excluded.discord_id,
			    kind = excluded.kind,
			    author_included = excluded.author_included
	`
	resolveRemoteQuery = `SELECT discord_id FROM message_map WHERE matrix_event_id = $1`
	resolveLocalQuery  = `
		SELECT matrix_event_id, discord_id, kind, author_included
		FROM message_map WHERE discord_id = $1
		ORDER BY CASE kind WHEN 'content' THEN 0 ELSE 1 END, rowid
	`
	authorIncludedQuery = `
		SELECT author_included FROM message_map
		WHERE discord_id = $1 AND kind = 'content'
		LIMIT 1
	`
	forgetLocalQuery  = `DELETE FROM message_map WHERE matrix_event_id = $1`
	forgetRemoteQuery = `DELETE FROM message_map WHERE discord_id = $1`

	getAssetQuery = `SELECT target_handle FROM asset_cache WHERE source_url = $1`
	putAssetQuery = `
		INSERT INTO asset_cache (source_url, target_handle)
		VALUES ($1, $2)
		ON CONFLICT (source_url) DO NOTHING
	`
)

// Record inserts or overwrites the mapping for the given Matrix event ID.
func (s *Store) Record(ctx context.Context, m Mapping) error {
	_, err := s.db.Exec(ctx, recordQuery, m.MatrixEventID.String(), m.DiscordID, string(m.Kind), m.AuthorIncluded)
	if err != nil {
		return fmt.Errorf("failed to record mapping: %w", err)
	}
	return nil
}

// ResolveRemote returns the Discord message ID that the given Matrix event
// was relayed to or from. The second return is false when no mapping exists.
func (s *Store) ResolveRemote(ctx context.Context, eventID id.EventID) (int64, bool, error) {
	var discordID int64
	err := s.db.QueryRow(ctx, resolveRemoteQuery, eventID.String()).Scan(&discordID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("failed to resolve remote ID: %w", err)
	}
	return discordID, true, nil
}

// ResolveLocal returns every Matrix event that originated from the given
// Discord message, the content root first, then attachments in send order.
// An empty slice means no mapping exists.
func (s *Store) ResolveLocal(ctx context.Context, discordID int64) ([]Mapping, error) {
	rows, err := s.db.Query(ctx, resolveLocalQuery, discordID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local IDs: %w", err)
	}
	defer rows.Close()
	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		var eventID, kind string
		if err = rows.Scan(&eventID, &m.DiscordID, &kind, &m.AuthorIncluded); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		m.MatrixEventID = id.EventID(eventID)
		m.Kind = MappingKind(kind)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// AuthorIncluded reports whether the content message relayed for the given
// Discord ID embedded the author header. The second return is false when the
// message is untracked.
func (s *Store) AuthorIncluded(ctx context.Context, discordID int64) (included, found bool, err error) {
	err = s.db.QueryRow(ctx, authorIncludedQuery, discordID).Scan(&included)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	} else if err != nil {
		return false, false, fmt.Errorf("failed to get author flag: %w", err)
	}
	return included, true, nil
}

// ForgetLocal removes the mapping for a single Matrix event ID.
func (s *Store) ForgetLocal(ctx context.Context, eventID id.EventID) error {
	_, err := s.db.Exec(ctx, forgetLocalQuery, eventID.String())
	if err != nil {
		return fmt.Errorf("failed to forget local mapping: %w", err)
	}
	return nil
}

// ForgetRemote removes every mapping with the given Discord ID.
func (s *Store) ForgetRemote(ctx context.Context, discordID int64) error {
	_, err := s.db.Exec(ctx, forgetRemoteQuery, discordID)
	if err != nil {
		return fmt.Errorf("failed to forget remote mapping: %w", err)
	}
	return nil
}

// GetAsset returns the previously uploaded target-platform handle for a
// source URL. The asset table is a write-once memo: entries never expire.
func (s *Store) GetAsset(ctx context.Context, sourceURL string) (string, bool, error) {
	var handle string
	err := s.db.QueryRow(ctx, getAssetQuery, sourceURL).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to get cached asset: %w", err)
	}
	return handle, true, nil
}

// PutAsset memoizes an uploaded handle for a source URL. A concurrent insert
// of the same URL wins; the first write is kept.
func (s *Store) PutAsset(ctx context.Context, sourceURL, targetHandle string) error {
	_, err := s.db.Exec(ctx, putAssetQuery, sourceURL, targetHandle)
	if err != nil {
		return fmt.Errorf("failed to cache asset: %w", err)
	}
	return nil
}
