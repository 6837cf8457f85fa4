package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLength   = 32 // AES-256
	nonceLength = 12 // GCM nonce length
	tagLength   = 16 // GCM tag length

	kdfInfoPrefix = "dmrelay/v1|"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidKey       = errors.New("encryption key not initialized")
)

// KeyPair is an ephemeral X25519 key pair used for one key exchange
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// GenerateKeyPair creates a fresh X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// EncodedPublicKey returns the public key as exchange material
func (kp *KeyPair) EncodedPublicKey() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}

// DecodePublicKey parses exchange material received from a peer
func DecodePublicKey(material string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(pub) != curve25519.PointSize {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// DeriveSharedKey computes the symmetric key two identities share.
// The result does not depend on which side calls it.
func DeriveSharedKey(ourPrivateKey, theirPublicKey []byte, a, b string) ([]byte, error) {
	secret, err := curve25519.X25519(ourPrivateKey, theirPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	ids := []string{a, b}
	sort.Strings(ids)
	info := kdfInfoPrefix + strings.Join(ids, "|")

	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLength {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with a fresh random nonce.
// Ciphertext and nonce are returned base64 encoded.
func Seal(key []byte, plaintext string) (ciphertext, nonce string, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", "", err
	}

	n := make([]byte, nonceLength)
	if _, err := rand.Read(n); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ct := gcm.Seal(nil, n, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(n), nil
}

// Open decrypts a ciphertext produced by Seal
func Open(key []byte, ciphertext, nonce string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("failed to decode nonce: %w", err)
	}
	if len(n) != nonceLength {
		return "", errors.New("invalid nonce length")
	}

	plaintext, err := gcm.Open(nil, n, ct, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SealedAttachment is an encrypted file with its decryption metadata
type SealedAttachment struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// SealAttachment encrypts a file body with a fresh nonce, splitting off the GCM tag
func SealAttachment(key, data []byte) (*SealedAttachment, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, data, nil)
	split := len(sealed) - tagLength
	return &SealedAttachment{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// OpenAttachment reverses SealAttachment
func OpenAttachment(key []byte, att *SealedAttachment) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(att.Nonce) != nonceLength || len(att.Tag) != tagLength {
		return nil, errors.New("invalid attachment metadata")
	}

	sealed := make([]byte, 0, len(att.Ciphertext)+tagLength)
	sealed = append(sealed, att.Ciphertext...)
	sealed = append(sealed, att.Tag...)

	data, err := gcm.Open(nil, att.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt attachment: %w", err)
	}
	return data, nil
}

// HashSecret hashes a credential secret for the identity table
func HashSecret(secret string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}
	return hash, nil
}

// CheckSecret reports whether secret matches the stored hash
func CheckSecret(hash []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}
