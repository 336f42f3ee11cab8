package crypto

import "crypto/rand"

// SecureRandom draws n bytes from the OS CSPRNG.
func SecureRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
