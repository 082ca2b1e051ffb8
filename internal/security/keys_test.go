package security

import (
	"bytes"
	"testing"
)

func TestKeySet_EncodeDecodeRoundTrip(t *testing.T) {
	ks, err := NewKeySet()
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	if bytes.Equal(ks.Master, ks.Integrity) {
		t.Fatal("master and integrity seeds should differ")
	}
	decoded, err := DecodeSeed(EncodeSeed(ks.Master))
	if err != nil {
		t.Fatalf("DecodeSeed: %v", err)
	}
	if !bytes.Equal(decoded, ks.Master) {
		t.Error("seed round trip mismatch")
	}
}

func TestDecodeSeed_Invalid(t *testing.T) {
	if _, err := DecodeSeed([]byte("not-hex!")); err == nil {
		t.Error("DecodeSeed should reject non-hex input")
	}
	if _, err := DecodeSeed([]byte("abcd")); err == nil {
		t.Error("DecodeSeed should reject short input")
	}
}

func TestKeySet_Wipe(t *testing.T) {
	ks, err := NewKeySet()
	if err != nil {
		t.Fatal(err)
	}
	ks.Wipe()
	for _, b := range ks.Master {
		if b != 0 {
			t.Fatal("master seed not zeroed")
		}
	}
	for _, b := range ks.Integrity {
		if b != 0 {
			t.Fatal("integrity seed not zeroed")
		}
	}
}

func TestFingerprintEqual(t *testing.T) {
	if !FingerprintEqual("abc", "abc") {
		t.Error("equal fingerprints reported unequal")
	}
	if FingerprintEqual("abc", "abd") {
		t.Error("unequal fingerprints reported equal")
	}
	if FingerprintEqual("abc", "") {
		t.Error("empty fingerprint reported equal")
	}
}
