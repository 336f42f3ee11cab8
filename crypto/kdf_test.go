package crypto

import (
	"bytes"
	"testing"
)

func TestKDFPasswordDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x01}, 16)
	k1, err := KDFPassword([]byte("hunter2"), salt, MinPBKDF2Iterations)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := KDFPassword([]byte("hunter2"), salt, MinPBKDF2Iterations)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("expected deterministic derivation")
	}
	if len(k1) != KeyBytes {
		t.Fatalf("expected %d bytes, got %d", KeyBytes, len(k1))
	}
}

func TestKDFPasswordRejectsWeakIterations(t *testing.T) {
	salt := bytes.Repeat([]byte{0x01}, 16)
	if _, err := KDFPassword([]byte("x"), salt, 1000); err == nil {
		t.Fatalf("expected error for low iteration count")
	}
}

func TestKDFPasswordRejectsShortSalt(t *testing.T) {
	if _, err := KDFPassword([]byte("x"), []byte{1, 2, 3}, MinPBKDF2Iterations); err == nil {
		t.Fatalf("expected error for short salt")
	}
}

func TestHKDFDeriveDomainSeparation(t *testing.T) {
	ikm := bytes.Repeat([]byte{0xAB}, 32)
	a, err := HKDFDerive(ikm, nil, "share-auth-v1", 32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := HKDFDerive(ikm, nil, "other-label", 32)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("expected different labels to derive different keys")
	}
}

func TestHMACSHA256Roundtrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x02}, 32)
	msg := []byte("index-1-bytes")
	mac := HMACSHA256(key, msg)
	if !HMACEqual(mac, HMACSHA256(key, msg)) {
		t.Fatalf("expected matching MAC")
	}
	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 1
	if HMACEqual(mac, HMACSHA256(key, tampered)) {
		t.Fatalf("expected MAC mismatch on tampered message")
	}
}
