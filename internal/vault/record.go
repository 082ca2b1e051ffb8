// Package vault owns credential custody: the in-memory access token, the
// encrypted refresh credential and profile cache in the slot store, and the
// key material that protects them.
package vault

import "time"

// TokenRecord is the credential pair handed over after authentication.
// AccessToken is held only in process memory and never persisted; RefreshToken
// is persisted only inside an encrypted envelope.
type TokenRecord struct {
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time
	TokenType         string
	DeviceFingerprint string
	IssuedAt          time.Time
}

// ProfileCache holds non-secret identity attributes stored encrypted alongside
// the credentials. It is not itself a credential: losing it degrades UX, not
// security.
type ProfileCache struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"email_verified"`
	PhoneVerified bool      `json:"phone_verified"`
	LastLoginAt   time.Time `json:"last_login_at"`
	Device        string    `json:"device,omitempty"`
}

// fingerprintRecord is the non-secret device-fingerprint slot payload.
type fingerprintRecord struct {
	Fingerprint string    `json:"fingerprint"`
	CapturedAt  time.Time `json:"captured_at"`
}
