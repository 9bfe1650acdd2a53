package model

import "time"

// KeyRecord is one credential in the pool together with its health metadata.
// Secret always holds the encrypted form; plaintext only exists transiently
// inside the rotator and validator.
type KeyRecord struct {
	ID         string
	Secret     string
	IsActive   bool
	LastUsed   *time.Time
	ErrorCount int
	AddedAt    time.Time
}

// StatusUpdate is a partial update applied to a single KeyRecord. Nil fields
// are left unchanged.
type StatusUpdate struct {
	LastUsed   *time.Time
	ErrorCount *int
}

// maskVisible is the number of leading and trailing characters kept by MaskSecret.
const maskVisible = 4

// MaskSecret returns the display form of a secret: the first and last four
// characters joined by "...", or "****" when the secret is too short to mask
// without revealing most of it.
func MaskSecret(secret string) string {
	if len(secret) <= 2*maskVisible {
		return "****"
	}
	return secret[:maskVisible] + "..." + secret[len(secret)-maskVisible:]
}
