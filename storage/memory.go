// Package storage defines the persistence boundary consumed by the
// traversal subsystem.
//
// This file provides the in-memory implementations used by tests and
// single-node deployments.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]SessionRecord)}
}

// CreateSession stores a new session record.
func (s *MemorySessionStore) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[rec.SessionID]; exists {
		return fmt.Errorf("storage: session %s already exists", rec.SessionID)
	}
	s.sessions[rec.SessionID] = rec
	return nil
}

// GetSession returns a session record.
func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// CloseSession marks a session closed.
func (s *MemorySessionStore) CloseSession(_ context.Context, sessionID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.ClosedAt = &closedAt
	s.sessions[sessionID] = rec
	return nil
}

// ExpireOldSessions closes open sessions created before cutoff.
func (s *MemorySessionStore) ExpireOldSessions(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	expired := 0
	for id, rec := range s.sessions {
		if rec.ClosedAt == nil && rec.CreatedAt.Before(cutoff) {
			rec.ClosedAt = &now
			s.sessions[id] = rec
			expired++
		}
	}
	return expired, nil
}

type blobKey struct {
	sessionID  string
	artifactID string
}

type blob struct {
	data []byte
	hash string
}

// MemoryBlobStore is an in-memory BlobStore with SHA-256 integrity
// verification.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[blobKey]blob
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[blobKey]blob)}
}

// Upload stores an artifact and returns its content hash.
func (s *MemoryBlobStore) Upload(_ context.Context, sessionID, artifactID string, data []byte) (string, error) {
	hash := contentHash(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[blobKey{sessionID, artifactID}] = blob{
		data: append([]byte(nil), data...),
		hash: hash,
	}
	return hash, nil
}

// Download returns an artifact after verifying its content hash.
func (s *MemoryBlobStore) Download(_ context.Context, sessionID, artifactID, wantHash string) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.blobs[blobKey{sessionID, artifactID}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if contentHash(b.data) != wantHash {
		return nil, ErrIntegrityMismatch
	}
	return append([]byte(nil), b.data...), nil
}

// Delete removes an artifact.
func (s *MemoryBlobStore) Delete(_ context.Context, sessionID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, blobKey{sessionID, artifactID})
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
