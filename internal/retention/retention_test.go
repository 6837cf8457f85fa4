package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dmrelay/internal/apperr"
	"dmrelay/internal/blobstore"
	"dmrelay/internal/db"
	"dmrelay/internal/presence"
	"dmrelay/internal/protocol"
	"dmrelay/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) Send(*protocol.Message) error { return nil }

type env struct {
	database *db.Database
	blobs    *blobstore.Store
	relay    *relay.Relay
	conn     presence.Conn
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	database, err := db.NewDatabase(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	blobs, err := blobstore.Open(filepath.Join(dir, "attachments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	for _, name := range []string{"A", "B"} {
		_, err := database.CreateIdentity(name, "secret-"+name)
		require.NoError(t, err)
	}

	e := &env{database: database, blobs: blobs, conn: nopConn{}, now: time.Now().UTC()}
	registry := presence.New(database)
	require.NoError(t, registry.Bind("A", e.conn))
	e.relay = relay.New(database, database, registry,
		relay.WithBlobs(blobs),
		relay.WithClock(func() time.Time { return e.now }),
	)
	require.NoError(t, e.relay.Load())
	return e
}

func (e *env) upload(t *testing.T) string {
	t.Helper()
	meta, err := e.blobs.Put("A", "application/octet-stream", []byte("nonce"), []byte("tag"), []byte("sealed"))
	require.NoError(t, err)
	return meta.Ref
}

func (e *env) submit(t *testing.T, ciphertext, ref string) *db.Envelope {
	t.Helper()
	r, err := e.relay.Submit("A", e.conn, protocol.SubmitMessage{To: "B", Ciphertext: ciphertext, Nonce: "n", AttachmentRef: ref})
	require.NoError(t, err)
	return r.Envelope
}

func TestSweepExpiresEnvelopesAndAttachments(t *testing.T) {
	e := newEnv(t)
	base := e.now

	oldRef := e.upload(t)
	orphanRef := e.upload(t)
	e.submit(t, "old", oldRef)

	e.now = base.Add(23 * time.Hour)
	liveRef := e.upload(t)
	kept := e.submit(t, "new", liveRef)

	m := New(e.relay, 24*time.Hour, time.Minute, WithBlobs(e.blobs))
	res, err := m.Sweep(base.Add(25 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Envelopes)
	assert.Equal(t, 2, res.Attachments)

	assert.False(t, e.blobs.Exists(oldRef))
	assert.False(t, e.blobs.Exists(orphanRef))
	// Older than the cutoff but still referenced by a live envelope.
	assert.True(t, e.blobs.Exists(liveRef))

	stored, err := e.database.LoadEnvelopes()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, kept.ID, stored[0].ID)

	// Idempotent.
	res, err = m.Sweep(base.Add(25 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 1, e.relay.Len())
}

func TestSweepRemovesExpiredEnvelopeFromHistory(t *testing.T) {
	e := newEnv(t)
	ref := e.upload(t)
	e.submit(t, "0x01", ref)

	e.now = e.now.Add(25 * time.Hour)
	m := New(e.relay, 24*time.Hour, time.Minute, WithBlobs(e.blobs))
	_, err := m.Sweep(e.now)
	require.NoError(t, err)

	assert.Empty(t, e.relay.History("B"))
	_, _, err = e.blobs.Get(ref)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSweepKeepsAttachmentOfSurvivingEnvelope(t *testing.T) {
	e := newEnv(t)
	base := e.now

	ref := e.upload(t)
	e.submit(t, "old", ref)

	// The same attachment cannot ride on a second envelope.
	e.now = base.Add(23 * time.Hour)
	_, err := e.relay.Submit("A", e.conn, protocol.SubmitMessage{To: "B", Ciphertext: "new", Nonce: "n", AttachmentRef: ref})
	assert.Equal(t, apperr.KindMalformedEnvelope, apperr.KindOf(err))

	liveRef := e.upload(t)
	kept := e.submit(t, "new", liveRef)

	m := New(e.relay, 24*time.Hour, time.Minute, WithBlobs(e.blobs))
	_, err = m.Sweep(base.Add(25 * time.Hour))
	require.NoError(t, err)

	assert.False(t, e.blobs.Exists(ref))
	history := e.relay.History("B")
	require.Len(t, history, 1)
	assert.Equal(t, kept.ID, history[0].ID)
	assert.True(t, e.blobs.Exists(history[0].AttachmentRef))
}

type failingCollection struct {
	calls int
}

func (c *failingCollection) RemoveMatching(match func(*db.Envelope) bool, release func(*db.Envelope)) ([]*db.Envelope, error) {
	c.calls++
	return nil, apperr.PersistenceFailure("failed to delete envelopes", errors.New("io error"))
}

func (c *failingCollection) AttachmentRefs() map[string]struct{} { return nil }

func TestSweepPersistFailureIsRetried(t *testing.T) {
	c := &failingCollection{}
	m := New(c, time.Hour, time.Minute)

	_, err := m.Sweep(time.Now())
	assert.True(t, errors.Is(err, apperr.ErrPersistenceFailure))
	_, err = m.Sweep(time.Now())
	assert.Error(t, err)
	assert.Equal(t, 2, c.calls)
}

type failingBlobs struct{ deletes int }

func (b *failingBlobs) Delete(string) error {
	b.deletes++
	return errors.New("blob store unavailable")
}

func (b *failingBlobs) CreatedBefore(time.Time) ([]string, error) { return nil, nil }

func TestBlobDeleteFailureDoesNotBlockExpiry(t *testing.T) {
	e := newEnv(t)
	ref := e.upload(t)
	e.submit(t, "0x01", ref)

	blobs := &failingBlobs{}
	m := New(e.relay, 24*time.Hour, time.Minute, WithBlobs(blobs))
	res, err := m.Sweep(e.now.Add(48 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Envelopes)
	assert.Zero(t, res.Attachments)
	assert.Equal(t, 1, blobs.deletes)
	assert.Zero(t, e.relay.Len())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	e.submit(t, "0x01", "")

	later := e.now.Add(48 * time.Hour)
	compactions := make(chan struct{}, 10)
	m := New(e.relay, 24*time.Hour, 10*time.Millisecond,
		WithClock(func() time.Time { return later }),
		WithCompaction(func() error {
			select {
			case compactions <- struct{}{}:
			default:
			}
			return nil
		}, 10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return e.relay.Len() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-compactions:
	case <-time.After(time.Second):
		t.Fatal("compaction never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
