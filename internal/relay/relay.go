// Package relay owns the envelope collection: it accepts ciphertext from a
// bound sender, persists it, and pushes it to the live connections of both
// parties. Envelopes are kept in memory in creation order and mirrored to
// the envelope table; every mutation of the collection and its persisted
// form happens under one lock.
package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dmrelay/internal/apperr"
	"dmrelay/internal/blobstore"
	"dmrelay/internal/db"
	"dmrelay/internal/logging"
	"dmrelay/internal/metrics"
	"dmrelay/internal/presence"
	"dmrelay/internal/protocol"

	"github.com/google/uuid"
)

// DefaultWindow is how long an envelope stays visible and stored.
const DefaultWindow = 24 * time.Hour

// Store persists the envelope collection.
type Store interface {
	SaveEnvelope(env *db.Envelope) error
	LoadEnvelopes() ([]*db.Envelope, error)
	DeleteEnvelopes(ids []string) error
	ReplaceEnvelopes(envelopes []*db.Envelope) error
}

// Identities answers whether an identity exists.
type Identities interface {
	IdentityExists(name string) bool
}

// Resolver finds the live connection of an identity.
type Resolver interface {
	Resolve(identity string) (presence.Conn, bool)
}

// Blobs is the attachment store as seen by the relay.
type Blobs interface {
	Stat(ref string) (*blobstore.Meta, error)
	Delete(ref string) error
}

// Receipt describes the outcome of a submission.
type Receipt struct {
	Envelope  *db.Envelope
	Echoed    bool
	Forwarded bool
}

// Relay accepts, stores and forwards envelopes.
type Relay struct {
	mu        sync.Mutex
	envelopes []*db.Envelope
	last      time.Time

	store      Store
	identities Identities
	resolver   Resolver
	blobs      Blobs
	metrics    *metrics.Metrics
	window     time.Duration
	now        func() time.Time
	log        *logging.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithWindow sets the retention window used to hide expired envelopes.
func WithWindow(d time.Duration) Option {
	return func(r *Relay) { r.window = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithBlobs enables attachment references.
func WithBlobs(b Blobs) Option {
	return func(r *Relay) { r.blobs = b }
}

// WithMetrics records relay activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates an empty relay. Call Load to read the persisted collection.
func New(store Store, identities Identities, resolver Resolver, opts ...Option) *Relay {
	r := &Relay{
		store:      store,
		identities: identities,
		resolver:   resolver,
		window:     DefaultWindow,
		now:        time.Now,
		log:        logging.NewLogger("relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the in-memory collection with the persisted one.
func (r *Relay) Load() error {
	envelopes, err := r.store.LoadEnvelopes()
	if err != nil {
		return err
	}
	sort.SliceStable(envelopes, func(i, j int) bool {
		return envelopes[i].CreatedAt.Before(envelopes[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = envelopes
	if n := len(envelopes); n > 0 && envelopes[n-1].CreatedAt.After(r.last) {
		r.last = envelopes[n-1].CreatedAt
	}
	r.metrics.SetStoredEnvelopes(len(r.envelopes))
	return nil
}

// Flush writes the whole collection to the store.
func (r *Relay) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.ReplaceEnvelopes(r.envelopes); err != nil {
		return apperr.PersistenceFailure("failed to flush envelopes", err)
	}
	return nil
}

// Len returns the number of stored envelopes.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envelopes)
}

// Submit validates and stores an envelope from the identity bound to conn,
// then echoes it to the sender and forwards it to a reachable recipient.
// Nothing is stored unless every check passes and the write succeeds.
func (r *Relay) Submit(from string, conn presence.Conn, req protocol.SubmitMessage) (*Receipt, error) {
	env, err := r.accept(from, conn, req)
	if err != nil {
		r.metrics.EnvelopeRejected(string(apperr.KindOf(err)))
		return nil, err
	}
	r.metrics.EnvelopeSubmitted()

	receipt := &Receipt{Envelope: env}
	msg := protocol.NewMessage(ToWire(env))

	if err := conn.Send(msg); err == nil {
		receipt.Echoed = true
	} else {
		r.log.Debug("Sender echo dropped", map[string]string{"from": from, "envelope": env.ID, "error": err.Error()})
	}

	if env.To != from {
		if peer, ok := r.resolver.Resolve(env.To); ok {
			if err := peer.Send(msg); err == nil {
				receipt.Forwarded = true
			} else {
				// Stale handle; the envelope is still in history.
				r.log.Debug("Recipient forward dropped", map[string]string{"to": env.To, "envelope": env.ID, "error": err.Error()})
			}
		}
	}
	r.metrics.EnvelopeForwarded(receipt.Forwarded)
	return receipt, nil
}

func (r *Relay) accept(from string, conn presence.Conn, req protocol.SubmitMessage) (*db.Envelope, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if bound, ok := r.resolver.Resolve(from); !ok || bound != conn {
		return nil, apperr.Forbidden(fmt.Sprintf("sender %s is not bound to this connection", from))
	}
	if !r.identities.IdentityExists(req.To) {
		return nil, apperr.UnknownRecipient(req.To)
	}
	if req.AttachmentRef != "" {
		if err := r.checkAttachment(from, req.AttachmentRef); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if req.AttachmentRef != "" && r.carries(req.AttachmentRef) {
		return nil, apperr.MalformedEnvelope(fmt.Sprintf("attachment %s already sent", req.AttachmentRef))
	}

	env := &db.Envelope{
		ID:            uuid.New().String(),
		From:          from,
		To:            req.To,
		Ciphertext:    req.Ciphertext,
		Nonce:         req.Nonce,
		AttachmentRef: req.AttachmentRef,
		CreatedAt:     r.stamp(),
	}
	if err := r.store.SaveEnvelope(env); err != nil {
		r.log.WithError(err).Error("Failed to persist envelope", map[string]string{"from": from, "to": req.To})
		return nil, apperr.PersistenceFailure("failed to store message, please retry", err)
	}
	r.envelopes = append(r.envelopes, env)
	r.metrics.SetStoredEnvelopes(len(r.envelopes))
	return env, nil
}

func (r *Relay) checkAttachment(from, ref string) error {
	if r.blobs == nil {
		return apperr.MalformedEnvelope("attachments are not enabled")
	}
	meta, err := r.blobs.Stat(ref)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return apperr.MalformedEnvelope(fmt.Sprintf("unknown attachment %s", ref))
		}
		return apperr.PersistenceFailure("failed to look up attachment", err)
	}
	if meta.Owner != from {
		return apperr.Forbidden("attachment belongs to another identity")
	}
	return nil
}

// carries reports whether a stored envelope references ref. An attachment
// belongs to exactly one envelope. Caller holds mu.
func (r *Relay) carries(ref string) bool {
	for _, env := range r.envelopes {
		if env.AttachmentRef == ref {
			return true
		}
	}
	return false
}

// stamp returns a strictly increasing receipt time. Caller holds mu.
func (r *Relay) stamp() time.Time {
	t := r.now().UTC()
	if !t.After(r.last) {
		t = r.last.Add(time.Nanosecond)
	}
	r.last = t
	return t
}

// History returns the non-expired envelopes involving identity, oldest first.
func (r *Relay) History(identity string) []*db.Envelope {
	cutoff := r.now().Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*db.Envelope
	for _, env := range r.envelopes {
		if env.Involves(identity) && !env.CreatedAt.Before(cutoff) {
			cp := *env
			out = append(out, &cp)
		}
	}
	return out
}

// ClearFor removes every envelope involving identity, with its attachment.
// Both parties lose the shared record.
func (r *Relay) ClearFor(identity string) (int, error) {
	removed, err := r.RemoveMatching(func(env *db.Envelope) bool {
		return env.Involves(identity)
	}, r.releaseAttachment)
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		r.log.Info("History cleared", map[string]string{"identity": identity, "removed": fmt.Sprintf("%d", len(removed))})
	}
	return len(removed), nil
}

// RemoveMatching deletes every envelope for which match returns true. The
// removals are persisted in a single transaction; if that write fails the
// collection and the attachments are left unchanged so a later call can
// retry. Otherwise release runs for each removed envelope, still under the
// collection lock.
func (r *Relay) RemoveMatching(match func(*db.Envelope) bool, release func(*db.Envelope)) ([]*db.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		kept    = make([]*db.Envelope, 0, len(r.envelopes))
		removed []*db.Envelope
		ids     []string
	)
	for _, env := range r.envelopes {
		if match(env) {
			removed = append(removed, env)
			ids = append(ids, env.ID)
		} else {
			kept = append(kept, env)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if err := r.store.DeleteEnvelopes(ids); err != nil {
		return nil, apperr.PersistenceFailure("failed to delete envelopes", err)
	}
	r.envelopes = kept
	r.metrics.SetStoredEnvelopes(len(r.envelopes))

	if release != nil {
		for _, env := range removed {
			release(env)
		}
	}
	return removed, nil
}

func (r *Relay) releaseAttachment(env *db.Envelope) {
	if env.AttachmentRef == "" || r.blobs == nil {
		return
	}
	if err := r.blobs.Delete(env.AttachmentRef); err != nil {
		r.log.WithError(err).Warn("Failed to delete attachment", map[string]string{"envelope": env.ID, "attachment": env.AttachmentRef})
	}
}

// AttachmentRefs returns the attachment references of all stored envelopes.
func (r *Relay) AttachmentRefs() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := make(map[string]struct{})
	for _, env := range r.envelopes {
		if env.AttachmentRef != "" {
			refs[env.AttachmentRef] = struct{}{}
		}
	}
	return refs
}

// SharesAttachment reports whether identity takes part in a live envelope
// carrying the attachment ref.
func (r *Relay) SharesAttachment(identity, ref string) bool {
	cutoff := r.now().Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, env := range r.envelopes {
		if env.AttachmentRef == ref && env.Involves(identity) && !env.CreatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// ToWire converts a stored envelope to its protocol form.
func ToWire(env *db.Envelope) protocol.Envelope {
	return protocol.Envelope{
		ID:            env.ID,
		From:          env.From,
		To:            env.To,
		Ciphertext:    env.Ciphertext,
		Nonce:         env.Nonce,
		AttachmentRef: env.AttachmentRef,
		CreatedAt:     env.CreatedAt,
	}
}
