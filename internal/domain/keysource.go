package domain

import "time"

// EncryptedCredential is a caller-supplied API key sealed by the credential cipher.
type EncryptedCredential struct {
	Ciphertext []byte    `json:"-" db:"ciphertext"`
	IV         []byte    `json:"-" db:"iv"`
	AuthTag    []byte    `json:"-" db:"auth_tag"`
	KeyID      string    `json:"key_id" db:"key_id"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// KeySource attaches one encrypted credential to a run.
type KeySource struct {
	ID    int64 `json:"id" db:"id"`
	RunID int64 `json:"run_id" db:"run_id"`
	EncryptedCredential
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the credential may no longer be used at now.
func (k KeySource) Expired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}
