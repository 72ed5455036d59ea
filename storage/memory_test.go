package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionStore_Lifecycle tests create, fetch, close.
func TestSessionStore_Lifecycle(t *testing.T) {
	s := NewMemorySessionStore()
	ctx := context.Background()

	rec := SessionRecord{SessionID: "sess-1", HostID: "host-a", CreatedAt: time.Now()}
	require.NoError(t, s.CreateSession(ctx, rec))
	assert.Error(t, s.CreateSession(ctx, rec))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "host-a", got.HostID)
	assert.Nil(t, got.ClosedAt)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CloseSession(ctx, "sess-1", time.Now()))
	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotNil(t, got.ClosedAt)

	assert.ErrorIs(t, s.CloseSession(ctx, "missing", time.Now()), ErrNotFound)
}

// TestSessionStore_ExpireOldSessions tests that only aged open
// sessions are expired.
func TestSessionStore_ExpireOldSessions(t *testing.T) {
	s := NewMemorySessionStore()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, SessionRecord{SessionID: "old", HostID: "h", CreatedAt: old}))
	require.NoError(t, s.CreateSession(ctx, SessionRecord{SessionID: "fresh", HostID: "h", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateSession(ctx, SessionRecord{SessionID: "closed", HostID: "h", CreatedAt: old}))
	require.NoError(t, s.CloseSession(ctx, "closed", time.Now()))

	n, err := s.ExpireOldSessions(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Nil(t, got.ClosedAt)
}

// TestBlobStore_IntegrityVerification tests hash-checked download.
func TestBlobStore_IntegrityVerification(t *testing.T) {
	s := NewMemoryBlobStore()
	ctx := context.Background()
	data := []byte("artifact contents")

	hash, err := s.Upload(ctx, "sess-1", "art-1", data)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	got, err := s.Download(ctx, "sess-1", "art-1", hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = s.Download(ctx, "sess-1", "art-1", "deadbeef")
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	_, err = s.Download(ctx, "sess-1", "missing", hash)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "sess-1", "art-1"))
	_, err = s.Download(ctx, "sess-1", "art-1", hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestBlobStore_CopiesData tests that stored blobs are isolated from
// caller mutation.
func TestBlobStore_CopiesData(t *testing.T) {
	s := NewMemoryBlobStore()
	ctx := context.Background()
	data := []byte("original")

	hash, err := s.Upload(ctx, "sess-1", "art-1", data)
	require.NoError(t, err)
	data[0] = 'X'

	got, err := s.Download(ctx, "sess-1", "art-1", hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}
