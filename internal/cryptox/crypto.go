// Package cryptox is the engine's crypto boundary. Secret material (stored
// credential fields, connector client secrets) crosses it exactly once in
// each direction: Seal turns plaintext into an opaque handle that is safe to
// persist in snapshots, history rows and export archives; Open resolves a
// handle back to plaintext for the moment it is pushed over the wire.
//
// Nothing outside this package sees both a handle and the key material, so
// logs and audit rows can carry handles freely.
package cryptox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Handle is an opaque reference to sealed secret material.
type Handle string

// Sealer seals plaintext secrets into opaque handles and opens them back.
// Implementations must be safe for concurrent use.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) (Handle, error)
	Open(ctx context.Context, h Handle) ([]byte, error)

	// Fingerprint returns a deterministic digest of a secret for change
	// detection. The digest must be keyed: anything persisted next to a
	// handle may end up in history rows and export archives, so it must
	// not be checkable against a guessed plaintext without the key.
	Fingerprint(plaintext []byte) string
}

// handlePrefix versions the handle encoding so the sealing scheme can be
// rotated without breaking stored snapshots.
const handlePrefix = "v1:"

var ErrMalformedHandle = errors.New("malformed handle")

// DeriveKeys stretches a secret into a 32-byte AES key and a 32-byte MAC
// key using argon2id. The two keys come from one argon2 invocation so key
// setup cost is paid once.
func DeriveKeys(secret, salt []byte) (aesKey, macKey []byte) {
	buf := argon2.IDKey(secret, salt, 1, 64*1024, 4, 64)
	return buf[:32], buf[32:]
}

// AESSealer implements Sealer with AES-256-GCM and a random 12-byte nonce
// per seal. Handles encode "v1:" + base64(nonce || ciphertext). Fingerprints
// are HMAC-SHA256 under a separate key derived alongside the sealing key.
type AESSealer struct {
	key    []byte
	macKey []byte
}

// NewAESSealer derives the sealing and fingerprint keys from the given
// secret and salt.
func NewAESSealer(secret, salt []byte) *AESSealer {
	key, macKey := DeriveKeys(secret, salt)
	return &AESSealer{key: key, macKey: macKey}
}

func (s *AESSealer) Seal(_ context.Context, plaintext []byte) (Handle, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aesgcm.Seal(nonce, nonce, plaintext, nil)
	return Handle(handlePrefix + base64.StdEncoding.EncodeToString(sealed)), nil
}

func (s *AESSealer) Open(_ context.Context, h Handle) ([]byte, error) {
	raw, ok := strings.CutPrefix(string(h), handlePrefix)
	if !ok {
		return nil, ErrMalformedHandle
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedHandle, err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aesgcm.NonceSize() {
		return nil, ErrMalformedHandle
	}

	nonce, ciphertext := sealed[:aesgcm.NonceSize()], sealed[aesgcm.NonceSize():]
	return aesgcm.Open(nil, nonce, ciphertext, nil)
}

// Fingerprint returns a keyed digest of a secret. Sealing is randomized, so
// handles for equal plaintexts differ; change detection compares
// fingerprints instead of handles. The HMAC key keeps persisted
// fingerprints useless for offline guessing of the underlying secret.
func (s *AESSealer) Fingerprint(plaintext []byte) string {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(plaintext)
	return hex.EncodeToString(mac.Sum(nil))
}
