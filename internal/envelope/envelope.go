// Package envelope implements the WhatsApp media envelope on the receiving side.
//
// A media object is stored upstream as AES-256-CBC ciphertext followed by a truncated
// HMAC-SHA256 tag. The cipher key, IV and MAC key are expanded from the per-message media
// key with HKDF, using an application info string chosen by media category. This package
// derives the request's key material, fetches the ciphertext and exposes the plaintext as a
// pull-based io.ReadCloser that never holds more than one read buffer of media in memory.
package envelope

import (
	"errors"
	"fmt"
)

const (
	// MinKeyLength is the shortest decoded media key accepted by Derive.
	MinKeyLength = 16

	// ivLength is the size of the fixed zero IV carried in KeyMaterial.
	ivLength = 16

	// macLength is the number of HMAC-SHA256 bytes appended to the ciphertext.
	macLength = 10

	// expandedKeyLength is the HKDF output size: iv(16) | cipherKey(32) | macKey(32) | refKey(32).
	expandedKeyLength = 112
)

var (
	// ErrInvalidKeyMaterial covers undecodable or short media keys and unknown media categories.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	// ErrInvalidSourceURL is returned when the source URL is not an absolute http(s) URL.
	ErrInvalidSourceURL = errors.New("invalid source url")
	// ErrFetchFailed covers transport errors and non-2xx responses while fetching ciphertext.
	// It may be transient.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrDecryptionFailed covers MAC mismatches, truncated ciphertext and bad padding.
	// Retrying with the same inputs never helps.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyMaterial holds the parameters derived from a media key and source URL.
//
// IV, EncIV and MacKey follow the request envelope convention: IV is 16 zero bytes, EncIV
// is the first 16 key bytes and MacKey the remainder. Key is the full decoded media key and
// is what the decrypting source expands. KeyMaterial is built once per request and must not
// be shared or cached.
type KeyMaterial struct {
	IV      []byte
	EncIV   []byte
	Key     []byte
	MacKey  []byte
	Locator string
	AppInfo string
}

// String never prints key bytes.
func (k *KeyMaterial) String() string {
	if k == nil {
		return "KeyMaterial<nil>"
	}
	return fmt.Sprintf("KeyMaterial{locator=%q, info=%q, key=[REDACTED %d bytes]}", k.Locator, k.AppInfo, len(k.Key))
}

// GoString keeps %#v from dumping key bytes.
func (k *KeyMaterial) GoString() string {
	return k.String()
}
