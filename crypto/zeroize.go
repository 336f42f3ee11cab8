package crypto

import "runtime"

// Zeroize overwrites b with zeros in place. The runtime.KeepAlive call
// prevents the compiler from proving the writes dead and eliding them —
// the same hazard the Go spec explicitly leaves unguarded for ordinary
// stores, which is why every exit path (success, error, panic via
// deferred Zeroize) must call this rather than just letting b go out of
// scope.
func Zeroize(b []byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// ZeroizeAll zeroizes every buffer given, in order. Safe to call with nil
// entries (e.g. a key that failed to derive).
func ZeroizeAll(bufs ...[]byte) {
	for _, b := range bufs {
		Zeroize(b)
	}
}
