// Package security implements at-rest protection for persisted credentials:
// envelope encryption with a slow key derivation, integrity tagging, and
// key-material management.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations is the PBKDF2 round count for deriving the per-envelope
	// cipher key. Constant across envelopes; the per-envelope salt provides
	// uniqueness.
	kdfIterations = 10000
	saltSize      = 32
	keySize       = 32 // AES-256
)

// ErrEncrypt is returned when an envelope cannot be produced. This is the one
// failure class that must reach the caller: a secret that cannot be encrypted
// must never be stored or silently dropped.
var ErrEncrypt = errors.New("security: encryption failed")

// Envelope bundles ciphertext with the metadata needed to verify and decrypt it.
// The HMAC covers ciphertext, IV, salt, and timestamp; an envelope whose tag
// does not verify is treated as absent data, never as recoverable content.
type Envelope struct {
	Ciphertext        []byte    `json:"ciphertext"`
	IV                []byte    `json:"iv"`
	Salt              []byte    `json:"salt"`
	HMAC              []byte    `json:"hmac"`
	Timestamp         time.Time `json:"timestamp"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
}

// Age returns how long ago the envelope was created relative to now.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Encrypt seals plaintext into a new Envelope using AES-256-CBC with PKCS#7
// padding. A fresh random salt and IV are generated per call; the cipher key is
// derived from masterSecret and the salt via PBKDF2-SHA256. bindingHint is an
// optional device fingerprint recorded on the envelope (not covered by the
// cipher; readers re-validate it against the oracle).
func Encrypt(plaintext, masterSecret, integrityKey []byte, bindingHint string) (*Envelope, error) {
	if len(masterSecret) == 0 || len(integrityKey) == 0 {
		return nil, ErrEncrypt
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, ErrEncrypt
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, ErrEncrypt
	}

	key := pbkdf2.Key(masterSecret, salt, kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrEncrypt
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	env := &Envelope{
		Ciphertext:        ciphertext,
		IV:                iv,
		Salt:              salt,
		Timestamp:         time.Now().UTC(),
		DeviceFingerprint: bindingHint,
	}
	env.HMAC = tag(env, integrityKey)
	return env, nil
}

// Decrypt verifies the envelope's integrity tag in constant time and, on
// success, derives the key from the stored salt and decrypts. Any failure
// (tag mismatch, malformed ciphertext, bad padding) reports ok=false; a
// partially corrupted credential must never surface as valid plaintext.
func Decrypt(env *Envelope, masterSecret, integrityKey []byte) (plaintext []byte, ok bool) {
	if env == nil || len(masterSecret) == 0 || len(integrityKey) == 0 {
		return nil, false
	}
	if !hmac.Equal(env.HMAC, tag(env, integrityKey)) {
		return nil, false
	}
	if len(env.IV) != aes.BlockSize || len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 {
		return nil, false
	}

	key := pbkdf2.Key(masterSecret, env.Salt, kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, false
	}
	padded := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(block, env.IV).CryptBlocks(padded, env.Ciphertext)

	return unpadPKCS7(padded, aes.BlockSize)
}

// tag computes HMAC-SHA256 over ciphertext || iv || salt || timestamp.
// The timestamp is folded in as nanoseconds so envelope age cannot be
// rewound without invalidating the tag.
func tag(env *Envelope, integrityKey []byte) []byte {
	mac := hmac.New(sha256.New, integrityKey)
	mac.Write(env.Ciphertext)
	mac.Write(env.IV)
	mac.Write(env.Salt)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp.UnixNano()))
	mac.Write(ts[:])
	return mac.Sum(nil)
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
