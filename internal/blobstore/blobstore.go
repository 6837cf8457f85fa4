// Package blobstore keeps encrypted attachment blobs in a bbolt database,
// addressed by an opaque reference. The store never sees plaintext: blobs
// arrive already sealed by the client, together with the nonce and tag the
// recipient needs to open them.
package blobstore

import (
	"errors"
	"fmt"
	"time"

	"dmrelay/internal/apperr"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	metaBucket     = "meta"
	dataBucket     = "data"
	versionKey     = "version"
	storeVersion   = 0
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Meta describes a stored blob
type Meta struct {
	Ref         string    `cbor:"ref"`
	Owner       string    `cbor:"owner"`
	ContentType string    `cbor:"content_type"`
	Nonce       []byte    `cbor:"nonce"`
	Tag         []byte    `cbor:"tag"`
	Size        int64     `cbor:"size"`
	CreatedAt   time.Time `cbor:"created_at"`
}

// Store is a bbolt backed blob store
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open creates (or loads) a blob store in file f.
func Open(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("blobstore: failed to open %s: %w", f, err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(metaBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("blobstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close syncs and closes the store.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Put stores an encrypted blob and returns its metadata with a fresh reference.
func (s *Store) Put(owner, contentType string, nonce, tag, data []byte) (*Meta, error) {
	if owner == "" {
		return nil, apperr.BadRequest("blob owner is required")
	}
	if len(nonce) == 0 {
		return nil, apperr.BadRequest("blob nonce is required")
	}
	if len(data) == 0 {
		return nil, apperr.BadRequest("blob body is empty")
	}

	meta := &Meta{
		Ref:         uuid.New().String(),
		Owner:       owner,
		ContentType: contentType,
		Nonce:       nonce,
		Tag:         tag,
		Size:        int64(len(data)),
		CreatedAt:   s.now().UTC(),
	}
	raw, err := encMode.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("blobstore: failed to encode metadata: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(metaBucket)).Put([]byte(meta.Ref), raw); err != nil {
			return err
		}
		return tx.Bucket([]byte(dataBucket)).Put([]byte(meta.Ref), data)
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: failed to store blob: %w", err)
	}
	return meta, nil
}

// Stat returns the metadata of a blob.
func (s *Store) Stat(ref string) (*Meta, error) {
	var meta *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(metaBucket)).Get([]byte(ref))
		if raw == nil {
			return apperr.NotFound(fmt.Sprintf("attachment %s not found", ref))
		}
		meta = new(Meta)
		return cbor.Unmarshal(raw, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Get returns a blob's metadata and body.
func (s *Store) Get(ref string) (*Meta, []byte, error) {
	var (
		meta *Meta
		data []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(metaBucket)).Get([]byte(ref))
		if raw == nil {
			return apperr.NotFound(fmt.Sprintf("attachment %s not found", ref))
		}
		meta = new(Meta)
		if err := cbor.Unmarshal(raw, meta); err != nil {
			return err
		}
		// bbolt values are only valid for the life of the transaction.
		data = append([]byte(nil), tx.Bucket([]byte(dataBucket)).Get([]byte(ref))...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return meta, data, nil
}

// Exists reports whether ref names a stored blob.
func (s *Store) Exists(ref string) bool {
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(metaBucket)).Get([]byte(ref)) != nil
		return nil
	})
	return found
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(ref string) error {
	if ref == "" {
		return errors.New("blobstore: empty reference")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(metaBucket)).Delete([]byte(ref)); err != nil {
			return err
		}
		return tx.Bucket([]byte(dataBucket)).Delete([]byte(ref))
	})
}

// CreatedBefore lists the references of blobs stored before cutoff.
func (s *Store) CreatedBefore(cutoff time.Time) ([]string, error) {
	var refs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).ForEach(func(k, v []byte) error {
			var meta Meta
			if err := cbor.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("blobstore: corrupt metadata for %s: %w", k, err)
			}
			if meta.CreatedAt.Before(cutoff) {
				refs = append(refs, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}
