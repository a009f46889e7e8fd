package ids

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const objectIDLength = 24

const alphanumerics = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewObjectID returns a 24-character alphanumeric identifier. Object ids
// are the stable external identity of surveys and studies and appear in
// blob paths.
func NewObjectID() string {
	max := big.NewInt(int64(len(alphanumerics)))
	b := make([]byte, objectIDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = alphanumerics[n.Int64()]
	}
	return string(b)
}

// NewUUID returns a fresh correlation uuid for scheduled events.
func NewUUID() string {
	return uuid.NewString()
}

// Nonce returns a random hex string of the requested length. The push
// wrapper injects one per notification so upstream dedup never collapses
// identical payloads.
func Nonce(length int) string {
	const hexdigits = "0123456789abcdef"
	max := big.NewInt(int64(len(hexdigits)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = hexdigits[n.Int64()]
	}
	return string(b)
}
