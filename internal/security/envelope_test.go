package security

import (
	"bytes"
	"testing"
	"time"
)

func testKeys(t *testing.T) *KeySet {
	t.Helper()
	ks, err := NewKeySet()
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	return ks
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	ks := testKeys(t)
	plaintexts := [][]byte{
		[]byte("refresh-token-value"),
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte{0xff}, 4096),
		[]byte("exactly sixteen!"), // full block, exercises the extra pad block
	}
	for _, p := range plaintexts {
		env, err := Encrypt(p, ks.Master, ks.Integrity, "fp-1")
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(p), err)
		}
		got, ok := Decrypt(env, ks.Master, ks.Integrity)
		if !ok {
			t.Fatalf("Decrypt(%d bytes): not ok", len(p))
		}
		if !bytes.Equal(got, p) {
			t.Errorf("round trip mismatch for %d bytes", len(p))
		}
		if env.DeviceFingerprint != "fp-1" {
			t.Errorf("binding hint = %q, want fp-1", env.DeviceFingerprint)
		}
	}
}

func TestEncrypt_FreshSaltAndIV(t *testing.T) {
	ks := testKeys(t)
	a, err := Encrypt([]byte("same"), ks.Master, ks.Integrity, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt([]byte("same"), ks.Master, ks.Integrity, "")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.Salt, b.Salt) {
		t.Error("salt reused across envelopes")
	}
	if bytes.Equal(a.IV, b.IV) {
		t.Error("IV reused across envelopes")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("identical ciphertext for distinct envelopes")
	}
}

func TestDecrypt_TamperDetection(t *testing.T) {
	ks := testKeys(t)
	env, err := Encrypt([]byte("secret payload"), ks.Master, ks.Integrity, "")
	if err != nil {
		t.Fatal(err)
	}

	flip := func(mutate func(e *Envelope)) *Envelope {
		cp := *env
		cp.Ciphertext = append([]byte(nil), env.Ciphertext...)
		cp.IV = append([]byte(nil), env.IV...)
		cp.Salt = append([]byte(nil), env.Salt...)
		cp.HMAC = append([]byte(nil), env.HMAC...)
		mutate(&cp)
		return &cp
	}

	cases := []struct {
		name string
		env  *Envelope
	}{
		{"ciphertext bit", flip(func(e *Envelope) { e.Ciphertext[0] ^= 0x01 })},
		{"iv bit", flip(func(e *Envelope) { e.IV[3] ^= 0x80 })},
		{"salt bit", flip(func(e *Envelope) { e.Salt[7] ^= 0x01 })},
		{"hmac bit", flip(func(e *Envelope) { e.HMAC[0] ^= 0x01 })},
		{"timestamp", flip(func(e *Envelope) { e.Timestamp = e.Timestamp.Add(time.Second) })},
	}
	for _, tc := range cases {
		if _, ok := Decrypt(tc.env, ks.Master, ks.Integrity); ok {
			t.Errorf("%s: tampered envelope decrypted", tc.name)
		}
	}

	// Untouched envelope still decrypts.
	if _, ok := Decrypt(env, ks.Master, ks.Integrity); !ok {
		t.Error("pristine envelope failed to decrypt")
	}
}

func TestDecrypt_WrongKeys(t *testing.T) {
	ks := testKeys(t)
	other := testKeys(t)
	env, err := Encrypt([]byte("secret"), ks.Master, ks.Integrity, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := Decrypt(env, other.Master, other.Integrity); ok {
		t.Error("decrypted with wrong key set")
	}
	if _, ok := Decrypt(env, ks.Master, other.Integrity); ok {
		t.Error("decrypted with wrong integrity key")
	}
	if _, ok := Decrypt(nil, ks.Master, ks.Integrity); ok {
		t.Error("nil envelope reported ok")
	}
}

func TestEncrypt_EmptyKeysFatal(t *testing.T) {
	if _, err := Encrypt([]byte("x"), nil, []byte("k"), ""); err == nil {
		t.Error("Encrypt with empty master secret should fail")
	}
	if _, err := Encrypt([]byte("x"), []byte("k"), nil, ""); err == nil {
		t.Error("Encrypt with empty integrity key should fail")
	}
}

func TestEnvelope_Age(t *testing.T) {
	env := &Envelope{Timestamp: time.Now().UTC().Add(-2 * time.Hour)}
	age := env.Age(time.Now().UTC())
	if age < 2*time.Hour-time.Minute || age > 2*time.Hour+time.Minute {
		t.Errorf("Age = %v, want ~2h", age)
	}
}
