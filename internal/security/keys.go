package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrInvalidKeyMaterial is returned when persisted key material cannot be decoded.
var ErrInvalidKeyMaterial = errors.New("security: invalid key material")

const seedSize = 32

// KeySet holds the per-process symmetric seeds: Master feeds the envelope KDF,
// Integrity keys the HMAC. Neither is ever transmitted; both live in the
// shorter-lived storage tier and are regenerated after ClearAllData.
type KeySet struct {
	Master    []byte
	Integrity []byte
}

// NewKeySet generates fresh random master and integrity seeds.
func NewKeySet() (*KeySet, error) {
	master := make([]byte, seedSize)
	if _, err := rand.Read(master); err != nil {
		return nil, err
	}
	integrity := make([]byte, seedSize)
	if _, err := rand.Read(integrity); err != nil {
		return nil, err
	}
	return &KeySet{Master: master, Integrity: integrity}, nil
}

// EncodeSeed hex-encodes a seed for slot persistence.
func EncodeSeed(seed []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(seed)))
	hex.Encode(out, seed)
	return out
}

// DecodeSeed decodes a hex-encoded seed and checks its length.
func DecodeSeed(encoded []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(encoded)))
	n, err := hex.Decode(out, encoded)
	if err != nil || n != seedSize {
		return nil, ErrInvalidKeyMaterial
	}
	return out[:n], nil
}

// Wipe zeroes the seeds in place. Used on full reset so stale key material
// does not linger in process memory.
func (k *KeySet) Wipe() {
	for i := range k.Master {
		k.Master[i] = 0
	}
	for i := range k.Integrity {
		k.Integrity[i] = 0
	}
}

// FingerprintEqual performs constant-time comparison of two fingerprint strings.
func FingerprintEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
