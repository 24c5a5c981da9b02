package domain

import "time"

// Provenance records how a content version was obtained.
type Provenance string

const (
	ProvenanceServerVerified Provenance = "SERVER_VERIFIED"
	ProvenanceClientFallback Provenance = "CLIENT_FALLBACK"
)

// Valid reports whether p is a known provenance value.
func (p Provenance) Valid() bool {
	return p == ProvenanceServerVerified || p == ProvenanceClientFallback
}

// Post is a piece of external content identified by platform and external id.
type Post struct {
	ID         int64     `json:"id" db:"id"`
	Platform   string    `json:"platform" db:"platform"`
	ExternalID string    `json:"external_id" db:"external_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ContentVersion is one observed snapshot of a post's text.
type ContentVersion struct {
	ID          int64      `json:"id" db:"id"`
	PostID      int64      `json:"post_id" db:"post_id"`
	ContentHash string     `json:"content_hash" db:"content_hash"`
	ContentText string     `json:"content_text" db:"content_text"`
	Provenance  Provenance `json:"provenance" db:"provenance"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
