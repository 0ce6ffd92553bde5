// Package keys implements the topic-key lifecycle: generation, the
// human-facing display form, and derivation of the AEAD key used by the
// encrypted transport. No state is held here — every function is pure given
// its inputs, mirroring the teacher's identity package.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/hyperstream/hyperstream/internal/xerrors"
)

const (
	// Size is the byte length of a TopicKey and an AeadKey.
	Size = 32

	// DisplayLength is the fixed length of a TopicKey's base64url display
	// form (32 bytes, unpadded base64url is ceil(32*8/6) == 43 chars).
	DisplayLength = 43

	// hkdfSalt and hkdfInfo are the fixed domain-separation constants used
	// to turn a TopicKey into an AeadKey. These must never change without
	// breaking interoperability with every existing share key.
	hkdfSalt = "hyperstream-v1"
	hkdfInfo = "aes-256-gcm"
)

// TopicKey is the 32-byte secret two peers share out-of-band to find each
// other over the DHT and to derive their session's AeadKey. It must never be
// used directly as an encryption key.
type TopicKey [Size]byte

// AeadKey is the 32-byte key actually fed to AES-256-GCM, derived from a
// TopicKey via HKDF-SHA256.
type AeadKey [Size]byte

// Generate produces a fresh, cryptographically random TopicKey along with
// its base64url display form.
func Generate() (TopicKey, string, error) {
	var t TopicKey
	if _, err := io.ReadFull(rand.Reader, t[:]); err != nil {
		return TopicKey{}, "", fmt.Errorf("hyperstream: generate topic key: %w", err)
	}
	return t, Display(t), nil
}

// Display returns the base64url (no padding) display form of a TopicKey.
// The result is always DisplayLength characters.
func Display(t TopicKey) string {
	return base64.RawURLEncoding.EncodeToString(t[:])
}

// Parse decodes a display-form key back into a TopicKey. Any decoded length
// other than Size bytes is a hard error, per the data model invariant.
func Parse(display string) (TopicKey, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(display)
	if err != nil {
		return TopicKey{}, fmt.Errorf("%w: %v", xerrors.ErrInvalidKeyLength, err)
	}
	if len(decoded) != Size {
		return TopicKey{}, xerrors.ErrInvalidKeyLength
	}
	var t TopicKey
	copy(t[:], decoded)
	return t, nil
}

// Derive deterministically turns a TopicKey into the AeadKey used for this
// session's AES-256-GCM stream, via HKDF-SHA256 with fixed salt/info.
func Derive(t TopicKey) AeadKey {
	reader := hkdf.New(sha256.New, t[:], []byte(hkdfSalt), []byte(hkdfInfo))
	var k AeadKey
	if _, err := io.ReadFull(reader, k[:]); err != nil {
		// HKDF-SHA256 can only fail to produce 32 bytes if the underlying
		// hash is broken; treat it as unrecoverable.
		panic(fmt.Sprintf("hyperstream: hkdf derive failed: %v", err))
	}
	return k
}
