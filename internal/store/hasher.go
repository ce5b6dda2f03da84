package store

import "crypto/sha256"

// ComputeEventID computes the SHA256 hash of the BMP message bytes.
// The hash covers the BMP message only, never a transport wrapper, so the
// same message received from two collectors deduplicates.
// Returns a 32-byte digest suitable for BYTEA storage.
func ComputeEventID(bmpBytes []byte) []byte {
	h := sha256.Sum256(bmpBytes)
	return h[:]
}
