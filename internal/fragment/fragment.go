// Package fragment implements C3: a self-describing, integrity-hashed
// binary framing for one encrypted share.
// Historically these fields were stored as separate items and could
// desynchronize silently (an IV paired with the wrong ciphertext still
// passes its own auth tag but decrypts to garbage); framing them atomically
// with a single integrity hash over the whole record turns that
// desynchronization into a detectable, typed decode error.
package fragment

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

// CurrentVersion is the only version this codec currently encodes; Decode
// rejects any other version value with UnsupportedVersion.
const CurrentVersion uint8 = 1

// SwitchIDBytes is the fixed width of the switch-id field embedded in
// every fragment; switchlife fills it with the first 16 bytes of the
// switch id's UUID string form.
const SwitchIDBytes = 16

// IntegrityHashBytes is the width of the SHA-256 integrity hash.
const IntegrityHashBytes = 32

// Fragment is the decoded, in-memory representation of one on-wire unit
// stored at a relay.
type Fragment struct {
	Version uint8
	SwitchID [SwitchIDBytes]byte
	FragmentIndex uint8
	Ciphertext []byte
	IV []byte
	AuthTag []byte
	KDFSalt []byte
	KDFIterations uint32
	IntegrityHash [IntegrityHashBytes]byte
	Expiration int64 // unix seconds
	HasBitcoinTxid bool
	BitcoinTxid [32]byte
}

// computeIntegrityHash hashes every field except IntegrityHash itself, in
// this fixed order:
// v || switch_id || idx || ct || iv || tag || salt || iter || expiration ||
// txid_marker [|| txid].
func computeIntegrityHash(f *Fragment) [IntegrityHashBytes]byte {
	h := sha256.New()
	h.Write([]byte{f.Version})
	h.Write(f.SwitchID[:])
	h.Write([]byte{f.FragmentIndex})
	h.Write(f.Ciphertext)
	h.Write(f.IV)
	h.Write(f.AuthTag)
	h.Write(f.KDFSalt)
	var iterBuf [4]byte
	binary.BigEndian.PutUint32(iterBuf[:], f.KDFIterations)
	h.Write(iterBuf[:])
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(f.Expiration))
	h.Write(expBuf[:])
	if f.HasBitcoinTxid {
		h.Write([]byte{1})
		h.Write(f.BitcoinTxid[:])
	} else {
		h.Write([]byte{0})
	}
	var out [IntegrityHashBytes]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Encode builds the deterministic on-wire payload for f, computing and
// embedding its integrity hash. The expiration and optional bitcoin txid
// follow the hash in the payload and are covered by it, so changing either
// (e.g. a republish with renewed expiration) means encoding the fragment
// again.
func Encode(f Fragment) ([]byte, error) {
	const op = "fragment.Encode"
	if f.Version != CurrentVersion {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("unsupported version %d", f.Version))
	}
	if len(f.Ciphertext) == 0 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("missing ciphertext"))
	}
	if len(f.IV) == 0 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("missing iv"))
	}
	if len(f.AuthTag) == 0 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("missing auth_tag"))
	}
	if len(f.KDFSalt) == 0 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("missing kdf_salt"))
	}

	f.IntegrityHash = computeIntegrityHash(&f)

	buf := make([]byte, 0, 256+len(f.Ciphertext))
	buf = append(buf, f.Version)
	buf = append(buf, f.SwitchID[:]...)
	buf = append(buf, f.FragmentIndex)
	buf = appendLenPrefixed(buf, f.Ciphertext)
	buf = appendLenPrefixed(buf, f.IV)
	buf = appendLenPrefixed(buf, f.AuthTag)
	buf = appendLenPrefixed(buf, f.KDFSalt)
	var iterBuf [4]byte
	binary.BigEndian.PutUint32(iterBuf[:], f.KDFIterations)
	buf = append(buf, iterBuf[:]...)
	buf = append(buf, f.IntegrityHash[:]...)
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(f.Expiration))
	buf = append(buf, expBuf[:]...)
	if f.HasBitcoinTxid {
		buf = append(buf, 1)
		buf = append(buf, f.BitcoinTxid[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

func appendLenPrefixed(buf, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, field...)
	return buf
}

func readLenPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated field")
	}
	return b[:n], b[n:], nil
}

// Decode parses and verifies the on-wire payload produced by Encode.
// Unknown version, a missing/short field, or an integrity-hash mismatch
// are all typed, fatal-for-this-unit errors; no plaintext is ever exposed
// when Decode fails — it never even reaches decryption.
func Decode(b []byte) (*Fragment, error) {
	const op = "fragment.Decode"
	if len(b) < 1+SwitchIDBytes+1 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("malformed payload: too short"))
	}
	var f Fragment
	f.Version = b[0]
	b = b[1:]
	if f.Version != CurrentVersion {
		return nil, errs.New(errs.KindPermanent, op, fmt.Errorf("unsupported version %d", f.Version))
	}
	if len(b) < SwitchIDBytes+1 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("malformed payload: missing switch_id/index"))
	}
	copy(f.SwitchID[:], b[:SwitchIDBytes])
	b = b[SwitchIDBytes:]
	f.FragmentIndex = b[0]
	b = b[1:]

	var err error
	f.Ciphertext, b, err = readLenPrefixed(b)
	if err != nil {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("ciphertext: %w", err))
	}
	f.IV, b, err = readLenPrefixed(b)
	if err != nil {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("iv: %w", err))
	}
	f.AuthTag, b, err = readLenPrefixed(b)
	if err != nil {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("auth_tag: %w", err))
	}
	f.KDFSalt, b, err = readLenPrefixed(b)
	if err != nil {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("kdf_salt: %w", err))
	}
	if len(b) < 4 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("missing kdf_iterations"))
	}
	f.KDFIterations = binary.BigEndian.Uint32(b[:4])
	b = b[4:]

	if len(b) < IntegrityHashBytes {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("missing integrity_hash"))
	}
	copy(f.IntegrityHash[:], b[:IntegrityHashBytes])
	b = b[IntegrityHashBytes:]

	if len(b) < 8+1 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("missing expiration/txid marker"))
	}
	f.Expiration = int64(binary.BigEndian.Uint64(b[:8]))
	b = b[8:]
	hasTxid := b[0]
	b = b[1:]
	if hasTxid == 1 {
		if len(b) < 32 {
			return nil, errs.New(errs.KindInput, op, fmt.Errorf("truncated bitcoin_txid"))
		}
		f.HasBitcoinTxid = true
		copy(f.BitcoinTxid[:], b[:32])
		b = b[32:]
	} else if hasTxid != 0 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("malformed bitcoin_txid marker"))
	}
	if len(b) != 0 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("trailing bytes after decode"))
	}

	expected := computeIntegrityHash(&f)
	if expected != f.IntegrityHash {
		return nil, errs.New(errs.KindAuth, op, fmt.Errorf("integrity hash mismatch"))
	}

	return &f, nil
}
