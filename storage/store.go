// Package storage defines the persistence boundary consumed by the
// traversal subsystem: a session store for rendezvous session records
// and a blob store for session artifacts. The traversal protocol never
// depends on how these are implemented; production deployments back
// them with a database and object storage, tests and single-node
// deployments use the in-memory implementations in this package.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrIntegrityMismatch indicates a downloaded blob failed its
	// content hash check. Fatal for that operation only.
	ErrIntegrityMismatch = errors.New("storage: content hash mismatch")
)

// SessionRecord is the persisted form of a rendezvous session.
type SessionRecord struct {
	SessionID string
	HostID    string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// SessionStore persists rendezvous session lifecycles.
type SessionStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error
	// ExpireOldSessions closes every open session created before
	// cutoff and returns how many were expired.
	ExpireOldSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// BlobStore persists opaque session artifacts keyed by session and
// artifact id. Download verifies the content hash recorded at upload
// and fails with ErrIntegrityMismatch on divergence.
type BlobStore interface {
	Upload(ctx context.Context, sessionID, artifactID string, data []byte) (contentHash string, err error)
	Download(ctx context.Context, sessionID, artifactID, contentHash string) ([]byte, error)
	Delete(ctx context.Context, sessionID, artifactID string) error
}
