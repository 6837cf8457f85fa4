package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"dmrelay/internal/apperr"
	"dmrelay/internal/crypto"

	"github.com/dgraph-io/badger/v4"
)

const (
	identityPrefix = "identity:"
	envelopePrefix = "envelope:"

	maxIdentityLength = 32
)

// Identity is a registered participant
type Identity struct {
	Name       string    `json:"name"`
	SecretHash []byte    `json:"secret_hash"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Envelope is one stored ciphertext message. Immutable once stored.
type Envelope struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Ciphertext    string    `json:"ciphertext"`
	Nonce         string    `json:"nonce"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Involves reports whether identity is the sender or the recipient
func (e *Envelope) Involves(identity string) bool {
	return e.From == identity || e.To == identity
}

// Database wraps BadgerDB holding the identity and envelope tables
type Database struct {
	db *badger.DB
}

// NewDatabase opens (or creates) the database at path
func NewDatabase(path string) (*Database, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	// Small deployment, keep the footprint small.
	opts.NumMemtables = 2
	opts.NumLevelZeroTables = 2
	opts.NumLevelZeroTablesStall = 3
	opts.NumCompactors = 2
	opts.LevelSizeMultiplier = 8
	opts.ValueLogFileSize = 16 << 20
	opts.MemTableSize = 8 << 20
	opts.BlockCacheSize = 8 << 20
	opts.IndexCacheSize = 8 << 20
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	// A submission is acknowledged only after its envelope hits disk.
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database
func (d *Database) Close() error {
	return d.db.Close()
}

// RunGarbageCollection reclaims value log space
func (d *Database) RunGarbageCollection() error {
	for {
		if err := d.db.RunValueLogGC(0.5); err != nil {
			if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
				return nil
			}
			return err
		}
	}
}

// ValidateIdentityName checks an identity handle: 1-32 of [A-Za-z0-9_-]
func ValidateIdentityName(name string) error {
	if len(name) < 1 || len(name) > maxIdentityLength {
		return fmt.Errorf("identity must be 1-%d characters", maxIdentityLength)
	}
	for _, char := range name {
		if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') || char == '-' || char == '_') {
			return errors.New("identity contains invalid characters")
		}
	}
	return nil
}

// CreateIdentity stores a new identity with a hashed secret
func (d *Database) CreateIdentity(name, secret string) (*Identity, error) {
	if err := ValidateIdentityName(name); err != nil {
		return nil, apperr.AuthFailure(err.Error())
	}
	if secret == "" {
		return nil, apperr.AuthFailure("secret must not be empty")
	}

	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	identity := &Identity{
		Name:       name,
		SecretHash: hash,
		CreatedAt:  now,
		LastSeen:   now,
	}

	err = d.db.Update(func(txn *badger.Txn) error {
		key := []byte(identityPrefix + name)
		_, err := txn.Get(key)
		if err == nil {
			return apperr.AuthFailure(fmt.Sprintf("identity %s already exists", name))
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check if identity exists: %w", err)
		}

		data, err := json.Marshal(identity)
		if err != nil {
			return fmt.Errorf("failed to marshal identity: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// GetIdentity retrieves an identity by name
func (d *Database) GetIdentity(name string) (*Identity, error) {
	var identity Identity

	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(identityPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &identity)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("identity %s not found", name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve identity %s: %w", name, err)
	}
	return &identity, nil
}

// IdentityExists reports whether name is a known identity
func (d *Database) IdentityExists(name string) bool {
	if ValidateIdentityName(name) != nil {
		return false
	}
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(identityPrefix + name))
		return err
	})
	return err == nil
}

// VerifyCredential checks a login attempt. Unknown identities and wrong
// secrets produce the same AuthFailure.
func (d *Database) VerifyCredential(name, secret string) error {
	identity, err := d.GetIdentity(name)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return apperr.AuthFailure("invalid credentials")
		}
		return err
	}
	if !crypto.CheckSecret(identity.SecretHash, secret) {
		return apperr.AuthFailure("invalid credentials")
	}
	return nil
}

// UpdateLastSeen updates the last seen timestamp for an identity
func (d *Database) UpdateLastSeen(name string, at time.Time) error {
	return d.db.Update(func(txn *badger.Txn) error {
		key := []byte(identityPrefix + name)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		var identity Identity
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &identity)
		}); err != nil {
			return err
		}

		identity.LastSeen = at
		data, err := json.Marshal(&identity)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// ListIdentities returns all identities sorted by name
func (d *Database) ListIdentities() ([]*Identity, error) {
	var identities []*Identity

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(identityPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var identity Identity
				if err := json.Unmarshal(val, &identity); err != nil {
					return err
				}
				identities = append(identities, &identity)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	sort.Slice(identities, func(i, j int) bool { return identities[i].Name < identities[j].Name })
	return identities, nil
}

// SaveEnvelope writes a single envelope in its own transaction
func (d *Database) SaveEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(envelopePrefix+env.ID), data)
	})
}

// LoadEnvelopes reads the whole envelope table, ordered by creation time
func (d *Database) LoadEnvelopes() ([]*Envelope, error) {
	var envelopes []*Envelope

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(envelopePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var env Envelope
				if err := json.Unmarshal(val, &env); err != nil {
					return err
				}
				envelopes = append(envelopes, &env)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load envelopes: %w", err)
	}

	sort.SliceStable(envelopes, func(i, j int) bool {
		return envelopes[i].CreatedAt.Before(envelopes[j].CreatedAt)
	})
	return envelopes, nil
}

// DeleteEnvelopes removes envelopes by id in one transaction. A removal
// too large for one transaction falls back to a batched write.
func (d *Database) DeleteEnvelopes(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	err := d.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete([]byte(envelopePrefix + id)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		err = d.deleteBatched(ids)
	}
	if err != nil {
		return fmt.Errorf("failed to delete envelopes: %w", err)
	}
	return nil
}

func (d *Database) deleteBatched(ids []string) error {
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range ids {
		if err := wb.Delete([]byte(envelopePrefix + id)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// ReplaceEnvelopes makes the envelope table equal to envelopes
func (d *Database) ReplaceEnvelopes(envelopes []*Envelope) error {
	keep := make(map[string]struct{}, len(envelopes))

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	for _, env := range envelopes {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		if err := wb.Set([]byte(envelopePrefix+env.ID), data); err != nil {
			return fmt.Errorf("failed to queue envelope write: %w", err)
		}
		keep[env.ID] = struct{}{}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to write envelopes: %w", err)
	}

	stored, err := d.LoadEnvelopes()
	if err != nil {
		return err
	}
	var stale []string
	for _, env := range stored {
		if _, ok := keep[env.ID]; !ok {
			stale = append(stale, env.ID)
		}
	}
	return d.DeleteEnvelopes(stale)
}
