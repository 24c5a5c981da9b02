package domain

// Claim is one checkable statement found in investigated content.
type Claim struct {
	ID              int64         `json:"id" db:"id"`
	InvestigationID int64         `json:"investigation_id" db:"investigation_id"`
	Position        int           `json:"position" db:"position"`
	Text            string        `json:"text" db:"text" validate:"required"`
	Context         string        `json:"context" db:"context"`
	Summary         string        `json:"summary" db:"summary" validate:"required"`
	Reasoning       string        `json:"reasoning" db:"reasoning" validate:"required"`
	Sources         []ClaimSource `json:"sources" db:"-" validate:"required,min=1,dive"`
}

// ClaimSource is a citation supporting a claim.
type ClaimSource struct {
	ID      int64  `json:"id" db:"id"`
	ClaimID int64  `json:"claim_id" db:"claim_id"`
	URL     string `json:"url" db:"url" validate:"required,url"`
	Title   string `json:"title" db:"title"`
	Snippet string `json:"snippet" db:"snippet"`
}
