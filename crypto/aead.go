package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// KeyBytes, IVBytes, and TagBytes are the fixed AES-256-GCM dimensions:
// a 256-bit key, a 96-bit freshly-random nonce per call, and a 128-bit
// authentication tag.
const (
	KeyBytes = 32
	IVBytes = 12
	TagBytes = 16
)

// ErrAuthFailure is returned by AEADDecrypt on tag mismatch. It is
// constant-time: cipher.AEAD.Open already compares tags in constant time,
// so no additional branching is introduced here.
var ErrAuthFailure = errors.New("crypto: AEAD authentication failed")

// AEADEncrypt seals plaintext under key with a freshly-generated 96-bit
// IV. aad may be nil. The returned tag is appended by Go's GCM
// implementation to the ciphertext; AEADEncrypt splits it back out so
// callers hold ciphertext and tag as SealedMessage/Fragment
// fields require.
func AEADEncrypt(key, plaintext, aad []byte) (ciphertext, iv, tag []byte, err error) {
	if len(key) != KeyBytes {
		return nil, nil, nil, errors.New("crypto: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagBytes)
	if err != nil {
		return nil, nil, nil, err
	}
	iv, err = SecureRandom(IVBytes)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ctLen := len(sealed) - TagBytes
	ciphertext = append([]byte(nil), sealed[:ctLen]...)
	tag = append([]byte(nil), sealed[ctLen:]...)
	return ciphertext, iv, tag, nil
}

// AEADDecrypt opens ciphertext+tag under key and iv. Any tag mismatch
// returns ErrAuthFailure; no partial plaintext is ever returned on
// failure.
func AEADDecrypt(key, ciphertext, iv, tag, aad []byte) ([]byte, error) {
	if len(key) != KeyBytes {
		return nil, errors.New("crypto: key must be 32 bytes")
	}
	if len(iv) != IVBytes {
		return nil, errors.New("crypto: iv must be 12 bytes")
	}
	if len(tag) != TagBytes {
		return nil, errors.New("crypto: tag must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagBytes)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
