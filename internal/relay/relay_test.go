package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dmrelay/internal/apperr"
	"dmrelay/internal/blobstore"
	"dmrelay/internal/db"
	"dmrelay/internal/presence"
	"dmrelay/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu   sync.Mutex
	sent []*protocol.Message
	err  error
}

func (c *recordingConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingConn) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, m := range c.sent {
		if env, ok := m.Data.(protocol.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

type memStore struct {
	mu        sync.Mutex
	envelopes map[string]*db.Envelope
	saveErr   error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{envelopes: make(map[string]*db.Envelope)}
}

func (s *memStore) SaveEnvelope(env *db.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.envelopes[env.ID] = env
	return nil
}

func (s *memStore) LoadEnvelopes() ([]*db.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Envelope, 0, len(s.envelopes))
	for _, env := range s.envelopes {
		out = append(out, env)
	}
	return out, nil
}

func (s *memStore) DeleteEnvelopes(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	for _, id := range ids {
		delete(s.envelopes, id)
	}
	return nil
}

func (s *memStore) ReplaceEnvelopes(envelopes []*db.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = make(map[string]*db.Envelope, len(envelopes))
	for _, env := range envelopes {
		s.envelopes[env.ID] = env
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envelopes)
}

type knownIdentities map[string]bool

func (k knownIdentities) IdentityExists(name string) bool { return k[name] }

type fakeBlobs struct {
	metas   map[string]*blobstore.Meta
	deleted []string
}

func (b *fakeBlobs) Stat(ref string) (*blobstore.Meta, error) {
	m, ok := b.metas[ref]
	if !ok {
		return nil, apperr.NotFound("no such blob")
	}
	return m, nil
}

func (b *fakeBlobs) Delete(ref string) error {
	b.deleted = append(b.deleted, ref)
	delete(b.metas, ref)
	return nil
}

type fixture struct {
	relay    *Relay
	store    *memStore
	registry *presence.Registry
	alice    *recordingConn
	bob      *recordingConn
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		registry: presence.New(nil),
		alice:    &recordingConn{},
		bob:      &recordingConn{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.relay = New(f.store, knownIdentities{"A": true, "B": true, "C": true}, f.registry, opts...)
	require.NoError(t, f.registry.Bind("A", f.alice))
	return f
}

func submit(to, ciphertext string) protocol.SubmitMessage {
	return protocol.SubmitMessage{To: to, Ciphertext: ciphertext, Nonce: "nonce-" + ciphertext}
}

func TestSubmitDeliversToBothParties(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Bind("B", f.bob))

	receipt, err := f.relay.Submit("A", f.alice, submit("B", "0xAB"))
	require.NoError(t, err)
	assert.True(t, receipt.Echoed)
	assert.True(t, receipt.Forwarded)

	env := receipt.Envelope
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "A", env.From)
	assert.Equal(t, "B", env.To)
	assert.Equal(t, "0xAB", env.Ciphertext)
	assert.Equal(t, f.now, env.CreatedAt)

	require.Len(t, f.bob.envelopes(), 1)
	assert.Equal(t, env.ID, f.bob.envelopes()[0].ID)
	require.Len(t, f.alice.envelopes(), 1)
	assert.Equal(t, env.ID, f.alice.envelopes()[0].ID)

	assert.Equal(t, 1, f.store.count())
	assert.Len(t, f.relay.History("A"), 1)
	assert.Len(t, f.relay.History("B"), 1)
	assert.Empty(t, f.relay.History("C"))
}

func TestSubmitToOfflineRecipientIsStored(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.relay.Submit("A", f.alice, submit("B", "0x01"))
	require.NoError(t, err)
	assert.True(t, receipt.Echoed)
	assert.False(t, receipt.Forwarded)

	history := f.relay.History("B")
	require.Len(t, history, 1)
	assert.Equal(t, "0x01", history[0].Ciphertext)
}

func TestSubmitRejections(t *testing.T) {
	cases := []struct {
		name string
		req  protocol.SubmitMessage
		kind apperr.Kind
	}{
		{"unknown recipient", submit("Z", "0xAB"), apperr.KindUnknownRecipient},
		{"missing ciphertext", protocol.SubmitMessage{To: "B", Nonce: "n"}, apperr.KindMalformedEnvelope},
		{"missing nonce", protocol.SubmitMessage{To: "B", Ciphertext: "c"}, apperr.KindMalformedEnvelope},
		{"missing recipient", protocol.SubmitMessage{Ciphertext: "c", Nonce: "n"}, apperr.KindMalformedEnvelope},
		{"unknown attachment", protocol.SubmitMessage{To: "B", Ciphertext: "c", Nonce: "n", AttachmentRef: "nope"}, apperr.KindMalformedEnvelope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, WithBlobs(&fakeBlobs{metas: map[string]*blobstore.Meta{}}))
			require.NoError(t, f.registry.Bind("B", f.bob))

			_, err := f.relay.Submit("A", f.alice, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))

			assert.Zero(t, f.relay.Len())
			assert.Zero(t, f.store.count())
			assert.Empty(t, f.alice.sent)
			assert.Empty(t, f.bob.sent)
		})
	}
}

func TestSubmitFromUnboundConnectionIsForbidden(t *testing.T) {
	f := newFixture(t)
	impostor := &recordingConn{}

	_, err := f.relay.Submit("A", impostor, submit("B", "0xAB"))
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = f.relay.Submit("C", impostor, submit("B", "0xAB"))
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	assert.Zero(t, f.relay.Len())
}

func TestSubmitPersistenceFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Bind("B", f.bob))
	f.store.saveErr = errors.New("disk full")

	_, err := f.relay.Submit("A", f.alice, submit("B", "0xAB"))
	assert.True(t, errors.Is(err, apperr.ErrPersistenceFailure))

	assert.Zero(t, f.relay.Len())
	assert.Empty(t, f.relay.History("A"))
	assert.Empty(t, f.bob.sent)
	assert.Empty(t, f.alice.sent)

	// The next submission succeeds once the store recovers.
	f.store.saveErr = nil
	_, err = f.relay.Submit("A", f.alice, submit("B", "0xAB"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.relay.Len())
}

func TestSubmitToSelfDeliversOnce(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.relay.Submit("A", f.alice, submit("A", "note"))
	require.NoError(t, err)
	assert.False(t, receipt.Forwarded)
	assert.Len(t, f.alice.envelopes(), 1)
	assert.Len(t, f.relay.History("A"), 1)
}

func TestSubmitSurvivesDeadConnections(t *testing.T) {
	f := newFixture(t)
	dead := &recordingConn{err: errors.New("connection closed")}
	require.NoError(t, f.registry.Bind("B", dead))
	f.alice.err = errors.New("connection closed")

	receipt, err := f.relay.Submit("A", f.alice, submit("B", "0xAB"))
	require.NoError(t, err)
	assert.False(t, receipt.Echoed)
	assert.False(t, receipt.Forwarded)
	assert.Len(t, f.relay.History("B"), 1)
}

func TestCreatedAtStrictlyIncreases(t *testing.T) {
	f := newFixture(t)

	var last time.Time
	for i := 0; i < 5; i++ {
		r, err := f.relay.Submit("A", f.alice, submit("B", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.True(t, r.Envelope.CreatedAt.After(last), "created-at must increase")
		last = r.Envelope.CreatedAt
	}

	// A clock stepping backwards still yields increasing timestamps.
	f.now = f.now.Add(-time.Hour)
	r, err := f.relay.Submit("A", f.alice, submit("B", "late"))
	require.NoError(t, err)
	assert.True(t, r.Envelope.CreatedAt.After(last))

	history := f.relay.History("A")
	require.Len(t, history, 6)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt))
	}
}

func TestHistoryHidesExpired(t *testing.T) {
	f := newFixture(t, WithWindow(24*time.Hour))
	_, err := f.relay.Submit("A", f.alice, submit("B", "old"))
	require.NoError(t, err)

	f.now = f.now.Add(23 * time.Hour)
	_, err = f.relay.Submit("A", f.alice, submit("B", "new"))
	require.NoError(t, err)
	assert.Len(t, f.relay.History("B"), 2)

	f.now = f.now.Add(2 * time.Hour)
	history := f.relay.History("B")
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].Ciphertext)

	// Still stored until the retention sweep removes it.
	assert.Equal(t, 2, f.relay.Len())
}

func TestHistoryReturnsCopies(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay.Submit("A", f.alice, submit("B", "0xAB"))
	require.NoError(t, err)

	f.relay.History("A")[0].Ciphertext = "tampered"
	assert.Equal(t, "0xAB", f.relay.History("A")[0].Ciphertext)
}

func TestClearForRemovesSharedRecord(t *testing.T) {
	blobs := &fakeBlobs{metas: map[string]*blobstore.Meta{
		"blob-1": {Ref: "blob-1", Owner: "A"},
	}}
	f := newFixture(t, WithBlobs(blobs))
	require.NoError(t, f.registry.Bind("C", &recordingConn{}))

	_, err := f.relay.Submit("A", f.alice, protocol.SubmitMessage{To: "B", Ciphertext: "c", Nonce: "n", AttachmentRef: "blob-1"})
	require.NoError(t, err)
	_, err = f.relay.Submit("A", f.alice, submit("C", "other"))
	require.NoError(t, err)

	removed, err := f.relay.ClearFor("B")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.Empty(t, f.relay.History("B"))
	assert.Len(t, f.relay.History("A"), 1)
	assert.Equal(t, []string{"blob-1"}, blobs.deleted)
	assert.Equal(t, 1, f.store.count())

	removed, err = f.relay.ClearFor("B")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRemoveMatchingKeepsCollectionOnPersistFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay.Submit("A", f.alice, submit("B", "0xAB"))
	require.NoError(t, err)

	f.store.deleteErr = errors.New("io error")
	_, err = f.relay.RemoveMatching(func(*db.Envelope) bool { return true }, nil)
	assert.True(t, errors.Is(err, apperr.ErrPersistenceFailure))
	assert.Equal(t, 1, f.relay.Len())

	f.store.deleteErr = nil
	removed, err := f.relay.RemoveMatching(func(*db.Envelope) bool { return true }, nil)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.Zero(t, f.relay.Len())
}

func TestAttachmentOwnership(t *testing.T) {
	blobs := &fakeBlobs{metas: map[string]*blobstore.Meta{
		"mine":   {Ref: "mine", Owner: "A"},
		"theirs": {Ref: "theirs", Owner: "B"},
	}}
	f := newFixture(t, WithBlobs(blobs))

	_, err := f.relay.Submit("A", f.alice, protocol.SubmitMessage{To: "B", Ciphertext: "c", Nonce: "n", AttachmentRef: "theirs"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = f.relay.Submit("A", f.alice, protocol.SubmitMessage{To: "B", Ciphertext: "c", Nonce: "n", AttachmentRef: "mine"})
	require.NoError(t, err)

	assert.True(t, f.relay.SharesAttachment("A", "mine"))
	assert.True(t, f.relay.SharesAttachment("B", "mine"))
	assert.False(t, f.relay.SharesAttachment("C", "mine"))
	assert.Equal(t, map[string]struct{}{"mine": {}}, f.relay.AttachmentRefs())
}

func TestAttachmentBelongsToOneEnvelope(t *testing.T) {
	blobs := &fakeBlobs{metas: map[string]*blobstore.Meta{
		"blob-1": {Ref: "blob-1", Owner: "A"},
	}}
	f := newFixture(t, WithBlobs(blobs))
	require.NoError(t, f.registry.Bind("C", &recordingConn{}))

	withBlob := func(to string) protocol.SubmitMessage {
		return protocol.SubmitMessage{To: to, Ciphertext: "c", Nonce: "n", AttachmentRef: "blob-1"}
	}
	_, err := f.relay.Submit("A", f.alice, withBlob("C"))
	require.NoError(t, err)

	_, err = f.relay.Submit("A", f.alice, withBlob("B"))
	assert.Equal(t, apperr.KindMalformedEnvelope, apperr.KindOf(err))
	_, err = f.relay.Submit("A", f.alice, withBlob("C"))
	assert.Equal(t, apperr.KindMalformedEnvelope, apperr.KindOf(err))
	assert.Equal(t, 1, f.relay.Len())

	// Clearing an unrelated conversation leaves the blob of A and C alone.
	_, err = f.relay.Submit("A", f.alice, submit("B", "plain"))
	require.NoError(t, err)
	removed, err := f.relay.ClearFor("B")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, blobs.deleted)
	assert.True(t, f.relay.SharesAttachment("C", "blob-1"))
}

func TestClearForKeepsAttachmentsOnPersistFailure(t *testing.T) {
	blobs := &fakeBlobs{metas: map[string]*blobstore.Meta{
		"blob-1": {Ref: "blob-1", Owner: "A"},
	}}
	f := newFixture(t, WithBlobs(blobs))
	_, err := f.relay.Submit("A", f.alice, protocol.SubmitMessage{To: "B", Ciphertext: "c", Nonce: "n", AttachmentRef: "blob-1"})
	require.NoError(t, err)

	f.store.deleteErr = errors.New("io error")
	_, err = f.relay.ClearFor("B")
	assert.True(t, errors.Is(err, apperr.ErrPersistenceFailure))
	assert.Empty(t, blobs.deleted)
	assert.Len(t, f.relay.History("B"), 1)

	f.store.deleteErr = nil
	removed, err := f.relay.ClearFor("B")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"blob-1"}, blobs.deleted)
}

func TestAttachmentsDisabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay.Submit("A", f.alice, protocol.SubmitMessage{To: "B", Ciphertext: "c", Nonce: "n", AttachmentRef: "x"})
	assert.Equal(t, apperr.KindMalformedEnvelope, apperr.KindOf(err))
}

func TestReloadFromDatabase(t *testing.T) {
	database, err := db.NewDatabase(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	for _, name := range []string{"A", "B"} {
		_, err := database.CreateIdentity(name, "secret-"+name)
		require.NoError(t, err)
	}

	registry := presence.New(database)
	alice := &recordingConn{}
	require.NoError(t, registry.Bind("A", alice))

	r := New(database, database, registry)
	require.NoError(t, r.Load())
	first, err := r.Submit("A", alice, submit("B", "0xAB"))
	require.NoError(t, err)
	second, err := r.Submit("A", alice, submit("B", "0xCD"))
	require.NoError(t, err)

	// A fresh relay over the same store sees the same ordered history.
	restarted := New(database, database, presence.New(database))
	require.NoError(t, restarted.Load())
	history := restarted.History("B")
	require.Len(t, history, 2)
	assert.Equal(t, first.Envelope.ID, history[0].ID)
	assert.Equal(t, second.Envelope.ID, history[1].ID)

	// Timestamps continue after the last stored one.
	registry2 := presence.New(database)
	require.NoError(t, registry2.Bind("A", alice))
	restarted = New(database, database, registry2, WithClock(func() time.Time { return time.Time{} }))
	require.NoError(t, restarted.Load())
	third, err := restarted.Submit("A", alice, submit("B", "0xEF"))
	require.NoError(t, err)
	assert.True(t, third.Envelope.CreatedAt.After(second.Envelope.CreatedAt))
}

func TestConcurrentSubmits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Bind("B", f.bob))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := f.relay.Submit("A", f.alice, submit("B", fmt.Sprintf("%d-%d", i, j))); err != nil {
					t.Errorf("submit: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, f.relay.Len())
	assert.Equal(t, 100, f.store.count())
	assert.Len(t, f.bob.envelopes(), 100)

	history := f.relay.History("B")
	for i := 1; i < len(history); i++ {
		require.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt))
	}
}
