// Package presence tracks which identities are reachable right now and
// through which live connection.
package presence

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dmrelay/internal/apperr"
	"dmrelay/internal/db"
	"dmrelay/internal/protocol"
)

// Conn is a live transport connection an identity can be bound to.
type Conn interface {
	Send(msg *protocol.Message) error
}

// Directory lists the identities known to the identity store.
type Directory interface {
	ListIdentities() ([]*db.Identity, error)
}

// Notifier is called after an identity comes online or goes offline.
type Notifier func(identity string, online bool, at time.Time)

// Entry is an immutable snapshot of one identity's presence.
type Entry struct {
	Identity   string
	Conn       Conn
	LastActive time.Time
}

// Online reports whether the entry holds a live connection.
func (e Entry) Online() bool {
	return e.Conn != nil
}

// Status describes a known identity for user lists.
type Status struct {
	Identity string
	Online   bool
	LastSeen time.Time
}

// Registry maps identities to their live connection. Entries are replaced
// wholesale under the lock, so readers never see a half-updated entry.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	dir       Directory
	notifiers []Notifier
	pending   []change
	now       func() time.Time

	// notifyMu is held while pending changes are delivered, so notifiers
	// see transitions in the order they were applied.
	notifyMu sync.Mutex
}

type change struct {
	identity string
	online   bool
	at       time.Time
}

// New creates an empty registry backed by dir for listKnown/search.
func New(dir Directory) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		dir:     dir,
		now:     time.Now,
	}
}

// OnChange registers a notifier for bind/unbind transitions.
func (r *Registry) OnChange(n Notifier) {
	r.mu.Lock()
	r.notifiers = append(r.notifiers, n)
	r.mu.Unlock()
}

// Bind records conn as the live connection of identity. It fails with
// AlreadyBound if another live connection holds the identity.
func (r *Registry) Bind(identity string, conn Conn) error {
	if conn == nil {
		return fmt.Errorf("presence: nil connection for %s", identity)
	}

	r.mu.Lock()
	cur, ok := r.entries[identity]
	if ok && cur.Conn != nil {
		r.mu.Unlock()
		if cur.Conn == conn {
			return nil
		}
		return apperr.AlreadyBound(identity)
	}
	at := r.now()
	r.entries[identity] = Entry{Identity: identity, Conn: conn, LastActive: at}
	r.pending = append(r.pending, change{identity: identity, online: true, at: at})
	r.mu.Unlock()

	r.dispatch()
	return nil
}

// Unbind clears the live connection of identity and stamps last-active.
// Unbinding an identity that is not bound is a no-op; the return value
// reports whether anything changed.
func (r *Registry) Unbind(identity string) bool {
	return r.unbind(identity, nil)
}

// Release unbinds identity only if it is bound to conn. A closing
// connection uses it so it never clears a newer binding.
func (r *Registry) Release(identity string, conn Conn) bool {
	if conn == nil {
		return false
	}
	return r.unbind(identity, conn)
}

func (r *Registry) unbind(identity string, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.entries[identity]
	if !ok || cur.Conn == nil || (conn != nil && cur.Conn != conn) {
		r.mu.Unlock()
		return false
	}
	at := r.now()
	r.entries[identity] = Entry{Identity: identity, LastActive: at}
	r.pending = append(r.pending, change{identity: identity, online: false, at: at})
	r.mu.Unlock()

	r.dispatch()
	return true
}

// dispatch delivers queued changes in order. Whoever holds notifyMu drains
// the queue, so a change is delivered by the time dispatch returns.
// Notifiers must not bind or unbind.
func (r *Registry) dispatch() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		c := r.pending[0]
		r.pending = r.pending[1:]
		notifiers := r.notifiers
		r.mu.Unlock()

		for _, n := range notifiers {
			n(c.identity, c.online, c.at)
		}
	}
}

// Resolve returns the live connection of identity, if any.
func (r *Registry) Resolve(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok || e.Conn == nil {
		return nil, false
	}
	return e.Conn, true
}

// Touch refreshes the last-active time of a bound identity.
func (r *Registry) Touch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[identity]; ok && e.Conn != nil {
		r.entries[identity] = Entry{Identity: identity, Conn: e.Conn, LastActive: r.now()}
	}
}

// Lookup returns the entry of identity as of this call.
func (r *Registry) Lookup(identity string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	return e, ok
}

// Online returns the currently bound entries sorted by identity.
func (r *Registry) Online() []Entry {
	r.mu.RLock()
	online := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Conn != nil {
			online = append(online, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(online, func(i, j int) bool { return online[i].Identity < online[j].Identity })
	return online
}

// ListKnown returns every identity in the directory with its presence.
func (r *Registry) ListKnown() ([]Status, error) {
	return r.list(func(string) bool { return true })
}

// Search returns known identities containing substr, case-insensitively.
func (r *Registry) Search(substr string) ([]Status, error) {
	needle := strings.ToLower(substr)
	return r.list(func(name string) bool {
		return strings.Contains(strings.ToLower(name), needle)
	})
}

func (r *Registry) list(match func(string) bool) ([]Status, error) {
	identities, err := r.dir.ListIdentities()
	if err != nil {
		return nil, fmt.Errorf("presence: failed to list identities: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Status
	for _, id := range identities {
		if !match(id.Name) {
			continue
		}
		st := Status{Identity: id.Name, LastSeen: id.LastSeen}
		if e, ok := r.entries[id.Name]; ok {
			st.Online = e.Conn != nil
			st.LastSeen = e.LastActive
		}
		out = append(out, st)
	}
	return out, nil
}
