// Copyright 2024-2026 Aiku AI

// Package store persists the bridge's two durable tables, message
// correlations and identity mappings, in a Pebble key-value database.
//
// Key layout:
//
//	corr:<sourcePlatform>:<sourceMessageID>    -> CorrelationRecord JSON
//	corrtgt:<targetPlatform>:<targetMessageID> -> forward key (reverse index)
//	ident:<platform>:<nativeUserID>            -> IdentityMapping JSON
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

// ErrCorrelationExists is returned by RecordCorrelation when the source
// message already has a correlation record. The write path is the only place
// duplicate-send protection is enforced; callers treat this as "already
// relayed, skip re-delivery".
var ErrCorrelationExists = errors.New("correlation already recorded")

// CorrelationRecord links a source message to the message it produced on the
// other platform.
type CorrelationRecord struct {
	SourcePlatform  string    `json:"source_platform"`
	SourceMessageID string    `json:"source_message_id"`
	TargetPlatform  string    `json:"target_platform"`
	TargetMessageID string    `json:"target_message_id"`
	TargetChannelID string    `json:"target_channel_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// IdentityMapping records a learned native user identity and its display
// label. LinkedIdentityID is set only by an explicit, persisted link; the
// mapper never merges identities across platforms on its own.
type IdentityMapping struct {
	Platform         string    `json:"platform"`
	NativeUserID     string    `json:"native_user_id"`
	DisplayName      string    `json:"display_name"`
	LinkedIdentityID string    `json:"linked_identity_id,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store wraps a Pebble database holding both durable tables. Read-modify-
// write sequences are serialized by a mutex so callers get atomic semantics
// without engine-level locks.
type Store struct {
	db  *pebble.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// Open opens (or creates) the Pebble database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Store opened")
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func corrKey(sourcePlatform, sourceMessageID string) []byte {
	return []byte("corr:" + sourcePlatform + ":" + sourceMessageID)
}

func corrTargetKey(targetPlatform, targetMessageID string) []byte {
	return []byte("corrtgt:" + targetPlatform + ":" + targetMessageID)
}

func identKey(platform, nativeUserID string) []byte {
	return []byte("ident:" + platform + ":" + nativeUserID)
}

// RecordCorrelation writes a correlation record plus its reverse index.
// A second record for the same source key is rejected with
// ErrCorrelationExists, never overwritten.
func (s *Store) RecordCorrelation(rec CorrelationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := corrKey(rec.SourcePlatform, rec.SourceMessageID)
	exists, err := s.has(key)
	if err != nil {
		return err
	}
	if exists {
		return ErrCorrelationExists
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation: %w", err)
	}

	batch := s.db.NewBatch()
	if err := batch.Set(key, data, nil); err != nil {
		return err
	}
	if err := batch.Set(corrTargetKey(rec.TargetPlatform, rec.TargetMessageID), key, nil); err != nil {
		return err
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write correlation: %w", err)
	}
	return nil
}

// LookupCorrelation returns the record for a source message, or nil when the
// message was never relayed.
func (s *Store) LookupCorrelation(sourcePlatform, sourceMessageID string) (*CorrelationRecord, error) {
	return s.getCorrelation(corrKey(sourcePlatform, sourceMessageID))
}

// LookupByTarget returns the record whose relayed counterpart has the given
// native ID on the target platform. Used by the loop guard's fallback check
// for transports that cannot carry echo-tag metadata.
func (s *Store) LookupByTarget(targetPlatform, targetMessageID string) (*CorrelationRecord, error) {
	fwdKey, closer, err := s.db.Get(corrTargetKey(targetPlatform, targetMessageID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key := append([]byte(nil), fwdKey...)
	_ = closer.Close()
	return s.getCorrelation(key)
}

// RemoveCorrelation deletes a record and its reverse index. Removing a
// record that does not exist is a no-op, not an error.
func (s *Store) RemoveCorrelation(sourcePlatform, sourceMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := corrKey(sourcePlatform, sourceMessageID)
	rec, err := s.getCorrelation(key)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	batch := s.db.NewBatch()
	if err := batch.Delete(key, nil); err != nil {
		return err
	}
	if err := batch.Delete(corrTargetKey(rec.TargetPlatform, rec.TargetMessageID), nil); err != nil {
		return err
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("failed to remove correlation: %w", err)
	}
	return nil
}

func (s *Store) getCorrelation(key []byte) (*CorrelationRecord, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec CorrelationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt correlation record at %s: %w", key, err)
	}
	return &rec, nil
}

// GetIdentity returns the stored mapping for a native user, or nil when the
// user has never been seen.
func (s *Store) GetIdentity(platform, nativeUserID string) (*IdentityMapping, error) {
	data, closer, err := s.db.Get(identKey(platform, nativeUserID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var m IdentityMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt identity mapping: %w", err)
	}
	return &m, nil
}

// PutIdentity writes an identity mapping, overwriting any previous row for
// the same (platform, user) key.
func (s *Store) PutIdentity(m IdentityMapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal identity mapping: %w", err)
	}
	if err := s.db.Set(identKey(m.Platform, m.NativeUserID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write identity mapping: %w", err)
	}
	return nil
}

func (s *Store) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}
