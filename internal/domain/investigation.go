package domain

import (
	"fmt"
	"time"
)

// InvestigationStatus represents the lifecycle state of an investigation.
type InvestigationStatus string

const (
	StatusPending    InvestigationStatus = "PENDING"
	StatusProcessing InvestigationStatus = "PROCESSING"
	StatusComplete   InvestigationStatus = "COMPLETE"
	StatusFailed     InvestigationStatus = "FAILED"
)

// Valid reports whether s is one of the four lifecycle states.
func (s InvestigationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no worker will act on s without a requeue.
func (s InvestigationStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Investigation is a unit of analysis work tied to one content version.
type Investigation struct {
	ID                    int64               `json:"id" db:"id"`
	ContentVersionID      int64               `json:"content_version_id" db:"content_version_id"`
	PromptVersion         string              `json:"prompt_version" db:"prompt_version"`
	Status                InvestigationStatus `json:"status" db:"status"`
	CheckedAt             *time.Time          `json:"checked_at,omitempty" db:"checked_at"`
	ParentInvestigationID *int64              `json:"parent_investigation_id,omitempty" db:"parent_investigation_id"`
	ContentDiff           *string             `json:"content_diff,omitempty" db:"content_diff"`
	CreatedAt             time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at" db:"updated_at"`
}

// Validate checks the cross-field invariants every stored investigation must hold.
// A failure wraps ErrInvariant.
func (i Investigation) Validate() error {
	if !i.Status.Valid() {
		return fmt.Errorf("%w: investigation %d has unknown status %q", ErrInvariant, i.ID, i.Status)
	}
	if (i.CheckedAt != nil) != (i.Status == StatusComplete) {
		return fmt.Errorf("%w: investigation %d status %s with checked_at set=%t",
			ErrInvariant, i.ID, i.Status, i.CheckedAt != nil)
	}
	if (i.ParentInvestigationID != nil) != (i.ContentDiff != nil) {
		return fmt.Errorf("%w: investigation %d parent set=%t but content_diff set=%t",
			ErrInvariant, i.ID, i.ParentInvestigationID != nil, i.ContentDiff != nil)
	}
	return nil
}

// WithStatus returns a copy of the investigation moved to status. CheckedAt is
// set to now for COMPLETE and cleared otherwise.
func (i Investigation) WithStatus(status InvestigationStatus, now time.Time) Investigation {
	next := i
	next.Status = status
	next.CheckedAt = nil
	if status == StatusComplete {
		t := now
		next.CheckedAt = &t
	}
	next.UpdatedAt = now
	return next
}

// AttemptOutcome is the result recorded for one execution attempt.
type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "SUCCEEDED"
	OutcomeFailed    AttemptOutcome = "FAILED"
)

// InvestigationAttempt is an append-only record of one execution attempt.
type InvestigationAttempt struct {
	ID              int64          `json:"id" db:"id"`
	InvestigationID int64          `json:"investigation_id" db:"investigation_id"`
	RunID           int64          `json:"run_id" db:"run_id"`
	AttemptNumber   int            `json:"attempt_number" db:"attempt_number"`
	Outcome         AttemptOutcome `json:"outcome" db:"outcome"`
	WorkerIdentity  string         `json:"worker_identity" db:"worker_identity"`
	ErrorMessage    *string        `json:"error_message,omitempty" db:"error_message"`
	StartedAt       time.Time      `json:"started_at" db:"started_at"`
	FinishedAt      time.Time      `json:"finished_at" db:"finished_at"`
}
