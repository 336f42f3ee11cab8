package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// MinPBKDF2Iterations is the iteration floor for kdf_password; callers
// below it get an error, not a silently weaker key.
const MinPBKDF2Iterations = 600_000

// MinSaltBytes is the floor for kdf_password's salt.
const MinSaltBytes = 16

// KDFPassword derives a 32-byte key from password+salt via
// PBKDF2-HMAC-SHA-256, exactly as names it (used for
// passworded switches' fragment-encryption key).
func KDFPassword(password, salt []byte, iterations int) ([]byte, error) {
	if len(salt) < MinSaltBytes {
		return nil, errors.New("crypto: salt must be at least 16 bytes")
	}
	if iterations < MinPBKDF2Iterations {
		return nil, errors.New("crypto: iterations below minimum")
	}
	return pbkdf2.Key(password, salt, iterations, KeyBytes, sha256.New), nil
}

// HKDFDerive derives a `length`-byte child key from ikm using
// domain-separation label info, the primitive names for
// deriving K_h (the share-HMAC key) from K_m under label
// "share-auth-v1".
func HKDFDerive(ikm, salt []byte, info string, length int) ([]byte, error) {
	if length <= 0 {
		return nil, errors.New("crypto: length must be positive")
	}
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HMACSHA256 computes an HMAC-SHA-256 MAC over msg under key.
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// HMACEqual performs a timing-safe comparison of two MACs.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
