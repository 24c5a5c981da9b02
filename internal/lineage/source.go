package lineage

import (
	"time"

	"github.com/ZeroPathAI/openerrata/internal/domain"
)

// SourceCandidate is an earlier investigation of the same post, joined with
// the content version it examined.
type SourceCandidate struct {
	InvestigationID  int64                      `db:"investigation_id"`
	ContentVersionID int64                      `db:"content_version_id"`
	Status           domain.InvestigationStatus `db:"status"`
	CheckedAt        *time.Time                 `db:"checked_at"`
	Provenance       domain.Provenance          `db:"provenance"`
	ContentText      string                     `db:"content_text"`
}

// SelectUpdateSource picks the investigation a new one should build on: the
// most recently checked COMPLETE investigation of server-verified content that
// examined a different content version. It returns nil when none qualifies.
func SelectUpdateSource(candidates []SourceCandidate, currentContentVersionID int64) *SourceCandidate {
	var best *SourceCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.Status != domain.StatusComplete || c.CheckedAt == nil {
			continue
		}
		if c.Provenance != domain.ProvenanceServerVerified {
			continue
		}
		if c.ContentVersionID == currentContentVersionID {
			continue
		}
		if best == nil || c.CheckedAt.After(*best.CheckedAt) {
			best = c
		}
	}
	return best
}

// Lineage is the parent reference and diff a new investigation is created with.
type Lineage struct {
	ParentInvestigationID *int64
	ContentDiff           *string
}

// Build returns the lineage for currentText given the post's earlier
// investigations. Without a qualifying source both fields are nil.
func Build(candidates []SourceCandidate, currentContentVersionID int64, currentText string) Lineage {
	src := SelectUpdateSource(candidates, currentContentVersionID)
	if src == nil {
		return Lineage{}
	}
	parent := src.InvestigationID
	d := BuildLineDiff(src.ContentText, currentText)
	return Lineage{ParentInvestigationID: &parent, ContentDiff: &d}
}
