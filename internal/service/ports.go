package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ZeroPathAI/openerrata/internal/domain"
)

var tracer = otel.Tracer("github.com/ZeroPathAI/openerrata/internal/service")

// Clock returns the current time. Services default to UTC wall-clock time.
type Clock func() time.Time

func (c Clock) orDefault() Clock {
	if c != nil {
		return c
	}
	return func() time.Time { return time.Now().UTC() }
}

// UpdateContext is passed to the investigator when a new investigation
// builds on an earlier one of the same post.
type UpdateContext struct {
	ParentInvestigationID int64
	ParentClaims          []domain.Claim
	ContentDiff           string
}

// InvestigateInput is everything the investigator needs for one attempt.
type InvestigateInput struct {
	InvestigationID int64
	PromptVersion   string
	Content         string
	Update          *UpdateContext
	// APIKey overrides the investigator's own credential when non-empty.
	APIKey string
}

// IsUpdate reports whether the attempt should reuse parent findings.
func (in InvestigateInput) IsUpdate() bool { return in.Update != nil }

// InvestigateMetadata describes how a result was produced.
type InvestigateMetadata struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// InvestigateResult is the investigator's validated output.
type InvestigateResult struct {
	Claims   []domain.Claim
	Metadata InvestigateMetadata
}

// Investigator analyses content for checkable claims. Implementations must be
// safe to call again for the same input.
type Investigator interface {
	Investigate(ctx context.Context, in InvestigateInput) (*InvestigateResult, error)
}

// InvestigatorError classifies an investigator failure.
type InvestigatorError struct {
	Transient bool
	Err       error
}

func (e *InvestigatorError) Error() string {
	if e.Transient {
		return "transient investigator failure: " + e.Err.Error()
	}
	return "investigator failure: " + e.Err.Error()
}

func (e *InvestigatorError) Unwrap() error { return e.Err }

// QueuedEvent announces that an investigation's run is ready for a worker.
type QueuedEvent struct {
	InvestigationID int64
	RunID           int64
}

// Dispatcher delivers queued runs to workers at least once.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev QueuedEvent) error
}

// DispatchAll hands every event to d and returns the first error.
func DispatchAll(ctx context.Context, d Dispatcher, events []QueuedEvent) error {
	var first error
	for _, ev := range events {
		if err := d.Dispatch(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
