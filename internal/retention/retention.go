// Package retention expires envelopes older than the retention window and
// removes attachments nothing references any more.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dmrelay/internal/db"
	"dmrelay/internal/logging"
	"dmrelay/internal/metrics"
)

// Collection is the envelope collection the manager sweeps.
type Collection interface {
	RemoveMatching(match func(*db.Envelope) bool, release func(*db.Envelope)) ([]*db.Envelope, error)
	AttachmentRefs() map[string]struct{}
}

// Blobs is the attachment store.
type Blobs interface {
	Delete(ref string) error
	CreatedBefore(cutoff time.Time) ([]string, error)
}

// Result counts what one sweep removed.
type Result struct {
	Envelopes   int
	Attachments int
}

// Manager runs retention sweeps.
type Manager struct {
	envelopes Collection
	blobs     Blobs
	window    time.Duration
	interval  time.Duration

	compact      func() error
	compactEvery time.Duration

	metrics *metrics.Metrics
	now     func() time.Time
	log     *logging.Logger

	// Sweeps never overlap.
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithBlobs deletes attachments of expired envelopes and orphaned blobs.
func WithBlobs(b Blobs) Option {
	return func(m *Manager) { m.blobs = b }
}

// WithCompaction runs fn every d, for storage engines that need explicit
// space reclamation.
func WithCompaction(fn func() error, d time.Duration) Option {
	return func(m *Manager) {
		m.compact = fn
		m.compactEvery = d
	}
}

// WithMetrics records sweep results.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager expiring envelopes older than window every interval.
func New(envelopes Collection, window, interval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		envelopes: envelopes,
		window:    window,
		interval:  interval,
		now:       time.Now,
		log:       logging.NewLogger("retention"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep removes every envelope created before now minus the window and,
// once that removal is persisted, the attachment of each removed envelope.
// It then deletes every blob older than the cutoff which no remaining
// envelope references.
// Running it twice with the same now removes nothing the second time.
// If persisting the removal fails the envelopes stay and the next sweep
// retries.
func (m *Manager) Sweep(now time.Time) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := time.Now()
	cutoff := now.Add(-m.window)

	var res Result
	removed, err := m.envelopes.RemoveMatching(func(env *db.Envelope) bool {
		return env.CreatedAt.Before(cutoff)
	}, func(env *db.Envelope) {
		if m.release(env.ID, env.AttachmentRef) {
			res.Attachments++
		}
	})
	if err != nil {
		m.log.WithError(err).Error("Retention sweep failed, will retry", map[string]string{"cutoff": cutoff.Format(time.RFC3339)})
		return Result{}, err
	}
	res.Envelopes = len(removed)

	orphans, err := m.purgeOrphans(cutoff)
	res.Attachments += orphans
	m.metrics.SweepFinished(started, res.Envelopes, res.Attachments)

	if res.Envelopes > 0 || res.Attachments > 0 {
		m.log.Info("Retention sweep finished", map[string]string{
			"envelopes":   fmt.Sprintf("%d", res.Envelopes),
			"attachments": fmt.Sprintf("%d", res.Attachments),
		})
	}
	return res, err
}

// release deletes one attachment. Failures are logged and do not block the
// envelope removal.
func (m *Manager) release(envelopeID, ref string) bool {
	if ref == "" || m.blobs == nil {
		return false
	}
	if err := m.blobs.Delete(ref); err != nil {
		m.log.WithError(err).Warn("Failed to delete expired attachment", map[string]string{"envelope": envelopeID, "attachment": ref})
		return false
	}
	return true
}

func (m *Manager) purgeOrphans(cutoff time.Time) (int, error) {
	if m.blobs == nil {
		return 0, nil
	}
	candidates, err := m.blobs.CreatedBefore(cutoff)
	if err != nil {
		m.log.WithError(err).Warn("Failed to list attachments for purge")
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	live := m.envelopes.AttachmentRefs()
	purged := 0
	for _, ref := range candidates {
		if _, ok := live[ref]; ok {
			continue
		}
		if m.release("", ref) {
			purged++
		}
	}
	return purged, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	_, _ = m.Sweep(m.now())

	sweepTicker := time.NewTicker(m.interval)
	defer sweepTicker.Stop()

	var compactC <-chan time.Time
	if m.compact != nil && m.compactEvery > 0 {
		compactTicker := time.NewTicker(m.compactEvery)
		defer compactTicker.Stop()
		compactC = compactTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			_, _ = m.Sweep(m.now())
		case <-compactC:
			if err := m.compact(); err != nil {
				m.log.Debug("Storage compaction skipped", map[string]string{"reason": err.Error()})
			}
		}
	}
}
