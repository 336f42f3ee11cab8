package crypto

import (
	"bytes"
	"crypto/aes"
	"errors"
)

// AES Key Wrap per RFC 3394 / NIST SP 800-38F, used to seal a switch's
// transport private key at rest under the process-wide service master
// key. The wrap integrity check on unwrap (chaining value against
// rfc3394IV) is what lets a corrupted blob or wrong KEK be caught before
// the recovered key material is ever used to sign a relay event.

var rfc3394IV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// AESKeyWrapRFC3394 wraps keyIn under kek. kek must be 32 bytes
// (AES-256); keyIn must be 16..4096 bytes and a multiple of 8.
func AESKeyWrapRFC3394(kek, keyIn []byte) ([]byte, error) {
	if len(kek) != 32 {
		return nil, errors.New("aeskw: kek must be 32 bytes (AES-256)")
	}
	if len(keyIn) < 16 || len(keyIn) > 4096 || len(keyIn)%8 != 0 {
		return nil, errors.New("aeskw: keyIn must be 16..4096 bytes and multiple of 8")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	blockCount := len(keyIn) / 8
	// regs holds the working register, laid out as chksum || r1 || r2 ||
	// ... so the AES input for each round is just a contiguous 16-byte
	// slice with no per-iteration copying into a fixed-size array.
	regs := make([]byte, 8+len(keyIn))
	copy(regs[0:8], rfc3394IV[:])
	copy(regs[8:], keyIn)
	defer Zeroize(regs)

	work := make([]byte, 16)
	defer Zeroize(work)

	for j := 0; j < 6; j++ {
		for i := 1; i <= blockCount; i++ {
			copy(work[0:8], regs[0:8])
			copy(work[8:16], regs[i*8:(i+1)*8])
			block.Encrypt(work, work)
			ctr := uint64(blockCount*j + i)
			for k := 0; k < 8; k++ {
				regs[k] = work[k] ^ byte(ctr>>(56-8*k))
			}
			copy(regs[i*8:(i+1)*8], work[8:16])
		}
	}

	out := make([]byte, len(regs))
	copy(out, regs)
	return out, nil
}

// AESKeyUnwrapRFC3394 reverses AESKeyWrapRFC3394. kek must be 32 bytes;
// wrapped must be 24..4104 bytes and a multiple of 8.
func AESKeyUnwrapRFC3394(kek, wrapped []byte) ([]byte, error) {
	if len(kek) != 32 {
		return nil, errors.New("aeskw: kek must be 32 bytes (AES-256)")
	}
	if len(wrapped) < 24 || len(wrapped) > 4104 || len(wrapped)%8 != 0 {
		return nil, errors.New("aeskw: wrapped must be 24..4104 bytes and multiple of 8")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	blockCount := (len(wrapped) / 8) - 1
	regs := make([]byte, len(wrapped))
	copy(regs, wrapped)
	defer Zeroize(regs)

	work := make([]byte, 16)
	defer Zeroize(work)

	for j := 5; j >= 0; j-- {
		for i := blockCount; i >= 1; i-- {
			ctr := uint64(blockCount*j + i)
			for k := 0; k < 8; k++ {
				work[k] = regs[k] ^ byte(ctr>>(56-8*k))
			}
			copy(work[8:16], regs[i*8:(i+1)*8])
			block.Decrypt(work, work)
			copy(regs[0:8], work[0:8])
			copy(regs[i*8:(i+1)*8], work[8:16])
		}
	}

	if !bytes.Equal(regs[0:8], rfc3394IV[:]) {
		return nil, errors.New("aeskw: integrity check failed")
	}
	out := make([]byte, blockCount*8)
	copy(out, regs[8:])
	return out, nil
}
