package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/service"
)

// Investigations is the part of the ingest service the handlers need.
type Investigations interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	Get(ctx context.Context, id int64) (*service.InvestigationView, error)
}

// InvestigationHandler serves the investigation endpoints.
type InvestigationHandler struct {
	investigations Investigations
}

// NewInvestigationHandler creates a new InvestigationHandler.
func NewInvestigationHandler(investigations Investigations) *InvestigationHandler {
	return &InvestigationHandler{investigations: investigations}
}

type submitRequest struct {
	Platform     string `json:"platform" validate:"required,max=64"`
	ExternalID   string `json:"external_id" validate:"required,max=512"`
	ContentText  string `json:"content_text" validate:"required"`
	Provenance   string `json:"provenance" validate:"required,oneof=SERVER_VERIFIED CLIENT_FALLBACK"`
	OpenAIAPIKey string `json:"openai_api_key" validate:"omitempty,startswith=sk-"`
}

type submitResponse struct {
	InvestigationID int64                      `json:"investigation_id"`
	RunID           *int64                     `json:"run_id,omitempty"`
	Status          domain.InvestigationStatus `json:"status"`
	Created         bool                       `json:"created"`
	Enqueued        bool                       `json:"enqueued"`
}

type investigationResponse struct {
	domain.Investigation
	Run      *runResponse                  `json:"run,omitempty"`
	Claims   []domain.Claim                `json:"claims,omitempty"`
	Attempts []domain.InvestigationAttempt `json:"attempts"`
}

// runResponse exposes the run without the worker's lease internals.
type runResponse struct {
	ID         int64      `json:"id"`
	Leased     bool       `json:"leased"`
	QueuedAt   *time.Time `json:"queued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// Submit records observed content and makes sure it is being investigated.
func (h *InvestigationHandler) Submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	res, err := h.investigations.Submit(c.Request().Context(), service.SubmitRequest{
		Platform:    req.Platform,
		ExternalID:  req.ExternalID,
		ContentText: req.ContentText,
		Provenance:  domain.Provenance(req.Provenance),
		APIKey:      req.OpenAIAPIKey,
	})
	if err != nil {
		return err
	}

	resp := submitResponse{
		InvestigationID: res.Investigation.ID,
		Status:          res.Investigation.Status,
		Created:         res.Created,
		Enqueued:        res.Enqueued,
	}
	if res.Run != nil {
		id := res.Run.ID
		resp.RunID = &id
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	} else if res.Enqueued {
		status = http.StatusAccepted
	}
	return JSON(c, status, resp)
}

// Get returns one investigation.
func (h *InvestigationHandler) Get(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return &domain.ValidationError{Field: "id", Message: "must be a positive integer"}
	}

	view, err := h.investigations.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}

	resp := investigationResponse{
		Investigation: view.Investigation,
		Claims:        view.Claims,
		Attempts:      view.Attempts,
	}
	if resp.Attempts == nil {
		resp.Attempts = []domain.InvestigationAttempt{}
	}
	if view.Run != nil {
		resp.Run = &runResponse{
			ID:         view.Run.ID,
			Leased:     view.Run.LeaseOwner != nil,
			QueuedAt:   view.Run.QueuedAt,
			StartedAt:  view.Run.StartedAt,
			RetryAfter: view.Run.RecoverAfterAt,
		}
	}
	return JSON(c, http.StatusOK, resp)
}
