package crypto

import (
	"bytes"
	"testing"
)

func TestAEADRoundtrip(t *testing.T) {
	key, err := SecureRandom(KeyBytes)
	if err != nil {
		t.Fatal(err)
	}
	pt := []byte("the quick brown fox")
	ct, iv, tag, err := AEADEncrypt(key, pt, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := AEADDecrypt(key, ct, iv, tag, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, pt)
	}
}

func TestAEADTamperDetected(t *testing.T) {
	key, _ := SecureRandom(KeyBytes)
	pt := []byte("hello")
	ct, iv, tag, err := AEADEncrypt(key, pt, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(){
		"ciphertext": func() { ct[0] ^= 0xff },
		"iv": func() { iv[0] ^= 0xff },
		"tag": func() { tag[0] ^= 0xff },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
				ctCopy := append([]byte(nil), ct...)
				ivCopy := append([]byte(nil), iv...)
				tagCopy := append([]byte(nil), tag...)
				ct, iv, tag = ctCopy, ivCopy, tagCopy
				mutate()
				if _, err := AEADDecrypt(key, ct, iv, tag, nil); err != ErrAuthFailure {
					t.Fatalf("expected ErrAuthFailure, got %v", err)
				}
		})
	}
}

func TestAEADWrongKey(t *testing.T) {
	key, _ := SecureRandom(KeyBytes)
	other, _ := SecureRandom(KeyBytes)
	ct, iv, tag, err := AEADEncrypt(key, []byte("secret"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AEADDecrypt(other, ct, iv, tag, nil); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}
