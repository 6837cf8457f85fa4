package blobstore

import (
	"path/filepath"
	"testing"
	"time"

	"dmrelay/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.Put("alice", "image/png", []byte("nonce-123456"), []byte("tag-0123456789ab"), []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.Ref)
	assert.Equal(t, int64(4), meta.Size)

	got, data, err := s.Get(meta.Ref)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "image/png", got.ContentType)
	assert.Equal(t, []byte("nonce-123456"), got.Nonce)
	assert.Equal(t, []byte("tag-0123456789ab"), got.Tag)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)
	assert.True(t, got.CreatedAt.Equal(meta.CreatedAt))

	stat, err := s.Stat(meta.Ref)
	require.NoError(t, err)
	assert.Equal(t, meta.Ref, stat.Ref)
	assert.True(t, s.Exists(meta.Ref))
}

func TestPutValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("", "text/plain", []byte("n"), nil, []byte("x"))
	assert.Error(t, err)
	_, err = s.Put("alice", "text/plain", nil, nil, []byte("x"))
	assert.Error(t, err)
	_, err = s.Put("alice", "text/plain", []byte("n"), nil, nil)
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.Put("alice", "", []byte("n"), nil, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(meta.Ref))
	assert.False(t, s.Exists(meta.Ref))

	_, _, err = s.Get(meta.Ref)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// Deleting twice is fine.
	assert.NoError(t, s.Delete(meta.Ref))
	assert.Error(t, s.Delete(""))
}

func TestCreatedBefore(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	s.now = func() time.Time { return now.Add(-48 * time.Hour) }
	old, err := s.Put("alice", "", []byte("n"), nil, []byte("old"))
	require.NoError(t, err)

	s.now = func() time.Time { return now }
	fresh, err := s.Put("alice", "", []byte("n"), nil, []byte("fresh"))
	require.NoError(t, err)

	refs, err := s.CreatedBefore(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.Ref}, refs)
	assert.NotContains(t, refs, fresh.Ref)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")

	s, err := Open(path)
	require.NoError(t, err)
	meta, err := s.Put("alice", "", []byte("n"), nil, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Exists(meta.Ref))
}
