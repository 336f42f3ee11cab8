// Package sharing implements C2 Authenticated Sharing: K-of-N Shamir
// splitting over GF(256), byte-wise, with each share individually bound
// to its 1-based index via HMAC-SHA-256 so that swapping indices or
// corrupting bytes is a detectable, typed failure rather than silent
// data loss.
package sharing

import (
	"fmt"

	"github.com/1e9c9h9o/echolock-sub005/crypto"
	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

// SecretBytes is the fixed width of the message key this layer splits.
const SecretBytes = 32

// MinThreshold is the minimum split threshold: K >= 3. Combined with HMAC
// authentication, this is what prevents zero-share attacks — a forged
// all-zero share cannot pass HMAC verification without the session key.
const MinThreshold = 3

// MaxShares is the ceiling: N <= 255, one byte of index space reserved
// (index 0 is never issued; valid indices are 1..255).
const MaxShares = 255

// AuthenticatedShare is one output of Split. HMAC = HMAC(hmacKey, index ||
// share_bytes); swapping Index on two otherwise-valid shares invalidates
// both their MACs, which is what binds ordering.
type AuthenticatedShare struct {
	Index uint8
	ShareBytes [SecretBytes]byte
	HMAC [32]byte
}

func macInput(index uint8, shareBytes [SecretBytes]byte) []byte {
	buf := make([]byte, 1+SecretBytes)
	buf[0] = index
	copy(buf[1:], shareBytes[:])
	return buf
}

// Split divides secret into n shares with threshold k, 3 <= k <= n <= 255.
func Split(secret [SecretBytes]byte, n, k int, hmacKey []byte) ([]AuthenticatedShare, error) {
	const op = "sharing.Split"
	if k < MinThreshold {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("k must be >= %d, got %d", MinThreshold, k))
	}
	if n > MaxShares {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("n must be <= %d, got %d", MaxShares, n))
	}
	if k > n {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("k (%d) must be <= n (%d)", k, n))
	}
	if len(hmacKey) == 0 {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("hmac key required"))
	}

	// One random polynomial of degree k-1 per secret byte; coefficient 0
	// is the secret byte, coefficients 1..k-1 are random.
	coeffs := make([][]byte, SecretBytes)
	for i := 0; i < SecretBytes; i++ {
		randCoeffs, err := crypto.SecureRandom(k - 1)
		if err != nil {
			return nil, errs.New(errs.KindFatal, op, err)
		}
		c := make([]byte, k)
		c[0] = secret[i]
		copy(c[1:], randCoeffs)
		coeffs[i] = c
		crypto.Zeroize(randCoeffs)
	}
	defer func() {
		for _, c := range coeffs {
			crypto.Zeroize(c)
		}
	}()

	shares := make([]AuthenticatedShare, n)
	for s := 0; s < n; s++ {
		x := byte(s + 1) // 1-based index, never 0
		var shareBytes [SecretBytes]byte
		for i := 0; i < SecretBytes; i++ {
			shareBytes[i] = evalPoly(coeffs[i], x)
		}
		mac := crypto.HMACSHA256(hmacKey, macInput(x, shareBytes))
		share := AuthenticatedShare{Index: x}
		copy(share.ShareBytes[:], shareBytes[:])
		copy(share.HMAC[:], mac)
		shares[s] = share
	}
	return shares, nil
}

// evalPoly evaluates the polynomial with the given coefficients (low
// degree first) at field point x using Horner's method.
func evalPoly(coeffs []byte, x byte) byte {
	result := byte(0)
	for i := len(coeffs) - 1; i >= 0; i-- {
		result = gfAdd(gfMul(result, x), coeffs[i])
	}
	return result
}

// Combine reconstructs the 32-byte secret from >= k distinct,
// HMAC-verified shares via Lagrange interpolation at x=0. Any share whose
// HMAC fails to verify aborts the whole call immediately; shares are
// never silently skipped. Duplicate indices are rejected outright. Order
// of the input slice never affects the result.
func Combine(shares []AuthenticatedShare, hmacKey []byte, k int) (out [SecretBytes]byte, err error) {
	const op = "sharing.Combine"
	if len(hmacKey) == 0 {
		return out, errs.New(errs.KindInput, op, fmt.Errorf("hmac key required"))
	}

	seen := make(map[uint8]struct{}, len(shares))
	for _, sh := range shares {
		if _, dup := seen[sh.Index]; dup {
			return out, errs.DuplicateIndex(op, int(sh.Index))
		}
		seen[sh.Index] = struct{}{}

		expected := crypto.HMACSHA256(hmacKey, macInput(sh.Index, sh.ShareBytes))
		if !crypto.HMACEqual(expected, sh.HMAC[:]) {
			return out, errs.InvalidShare(op, int(sh.Index))
		}
	}

	if len(shares) < k {
		return out, errs.InsufficientShares(op, len(shares), k)
	}

	// Only the first k distinct verified shares are needed to determine a
	// degree-(k-1) polynomial; using more than k is harmless but
	// unnecessary, so trim deterministically by index for stable output
	// regardless of input order.
	subset := append([]AuthenticatedShare(nil), shares...)
	sortByIndex(subset)
	subset = subset[:k]

	for i := 0; i < SecretBytes; i++ {
		xs := make([]byte, k)
		ys := make([]byte, k)
		for j, sh := range subset {
			xs[j] = sh.Index
			ys[j] = sh.ShareBytes[i]
		}
		out[i] = lagrangeInterpolateZero(xs, ys)
	}
	return out, nil
}

// VerifyShareHMAC reports whether share's HMAC verifies under hmacKey,
// with no reconstruction attempted. Exposed for callers that need to
// screen shares against a key derived after a tentative combine (see
// CombineRaw).
func VerifyShareHMAC(share AuthenticatedShare, hmacKey []byte) bool {
	expected := crypto.HMACSHA256(hmacKey, macInput(share.Index, share.ShareBytes))
	return crypto.HMACEqual(expected, share.HMAC[:])
}

// CombineRaw reconstructs the secret via Lagrange interpolation from
// exactly len(shares) distinct shares, with no HMAC verification. This
// exists because K_h (the share-auth key) is itself derived from the
// secret it authenticates: a caller must reconstruct a candidate secret
// from some subset, derive K_h from it, and only then know which shares
// actually verify. CombineRaw is that first, unauthenticated step.
func CombineRaw(shares []AuthenticatedShare) (out [SecretBytes]byte, err error) {
	const op = "sharing.CombineRaw"
	seen := make(map[uint8]struct{}, len(shares))
	for _, sh := range shares {
		if _, dup := seen[sh.Index]; dup {
			return out, errs.DuplicateIndex(op, int(sh.Index))
		}
		seen[sh.Index] = struct{}{}
	}
	k := len(shares)
	subset := append([]AuthenticatedShare(nil), shares...)
	sortByIndex(subset)
	for i := 0; i < SecretBytes; i++ {
		xs := make([]byte, k)
		ys := make([]byte, k)
		for j, sh := range subset {
			xs[j] = sh.Index
			ys[j] = sh.ShareBytes[i]
		}
		out[i] = lagrangeInterpolateZero(xs, ys)
	}
	return out, nil
}

func sortByIndex(shares []AuthenticatedShare) {
	// insertion sort: k is tiny (<=255, typically single digits)
	for i := 1; i < len(shares); i++ {
		j := i
		for j > 0 && shares[j-1].Index > shares[j].Index {
			shares[j-1], shares[j] = shares[j], shares[j-1]
			j--
		}
	}
}

// lagrangeInterpolateZero evaluates the unique degree-(len(xs)-1)
// polynomial through (xs[i], ys[i]) at x=0, which recovers the constant
// term — the original secret byte.
func lagrangeInterpolateZero(xs, ys []byte) byte {
	var result byte
	for i := range xs {
		num := byte(1)
		den := byte(1)
		for j := range xs {
			if i == j {
				continue
			}
			// term for x=0: (0 - xs[j]) / (xs[i] - xs[j]) == xs[j]/(xs[i]^xs[j]) over GF(2)
			num = gfMul(num, xs[j])
			den = gfMul(den, gfAdd(xs[i], xs[j]))
		}
		term := gfMul(ys[i], gfDiv(num, den))
		result = gfAdd(result, term)
	}
	return result
}
