package fragment

import (
	"testing"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

func sampleFragment() Fragment {
	var switchID [SwitchIDBytes]byte
	copy(switchID[:], []byte("0123456789abcdef"))
	return Fragment{
		Version: CurrentVersion,
		SwitchID: switchID,
		FragmentIndex: 2,
		Ciphertext: []byte("ciphertext-bytes"),
		IV: []byte("123456789012"),
		AuthTag: []byte("1234567890123456"),
		KDFSalt: []byte("salt-bytes-16byt"),
		KDFIterations: 600_000,
		Expiration: 1_800_000_000,
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	f := sampleFragment()
	encoded, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.SwitchID != f.SwitchID || decoded.FragmentIndex != f.FragmentIndex {
		t.Fatalf("roundtrip mismatch: %+v", decoded)
	}
	if string(decoded.Ciphertext) != string(f.Ciphertext) {
		t.Fatalf("ciphertext roundtrip mismatch")
	}
	if decoded.Expiration != f.Expiration {
		t.Fatalf("expiration roundtrip mismatch")
	}
}

func TestEncodeDecodeRoundtripWithTxid(t *testing.T) {
	f := sampleFragment()
	f.HasBitcoinTxid = true
	copy(f.BitcoinTxid[:], []byte("01234567890123456789012345678901"))
	encoded, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.HasBitcoinTxid || decoded.BitcoinTxid != f.BitcoinTxid {
		t.Fatalf("txid roundtrip mismatch")
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	f := sampleFragment()
	encoded, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	encoded[0] = 0xEE
	_, err = Decode(encoded)
	if !errs.Is(err, errs.KindPermanent) {
		t.Fatalf("expected Permanent/UnsupportedVersion, got %v", err)
	}
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	f := sampleFragment()
	encoded, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	for i := range encoded {
		mutated := append([]byte(nil), encoded...)
		mutated[i] ^= 0xFF
		if _, err := Decode(mutated); err == nil {
			t.Fatalf("byte %d: expected decode failure on tampered payload", i)
		}
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	f := sampleFragment()
	encoded, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(encoded[:len(encoded)-5]); err == nil {
		t.Fatalf("expected error on truncated payload")
	}
}

func TestEncodeRejectsMissingFields(t *testing.T) {
	f := sampleFragment()
	f.Ciphertext = nil
	if _, err := Encode(f); !errs.Is(err, errs.KindInput) {
		t.Fatalf("expected InputError for missing ciphertext, got %v", err)
	}
}
