package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailschedule/internal/apperr"
	"mailschedule/internal/extractor"
	"mailschedule/internal/ingest"
	"mailschedule/internal/model"
)

type Ingestor interface {
	ProcessUnread(ctx context.Context, userID int64, max int) (*ingest.Result, error)
}

type EmailService interface {
	List(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredEmail, error)
	Get(ctx context.Context, id, userID int64) (*model.StoredEmail, error)
	Delete(ctx context.Context, id, userID int64) error
}

type Composer interface {
	Compose(ctx context.Context, in extractor.ComposeInput) (*extractor.Draft, error)
}

type EmailHandler struct {
	ingestor     Ingestor
	emails       EmailService
	composer     Composer
	defaultBatch int
	maxBatch     int
	logger       *zap.Logger
}

func NewEmailHandler(ingestor Ingestor, emails EmailService, composer Composer, defaultBatch, maxBatch int, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		ingestor:     ingestor,
		emails:       emails,
		composer:     composer,
		defaultBatch: defaultBatch,
		maxBatch:     maxBatch,
		logger:       logger,
	}
}

type emailResponse struct {
	ID              int64     `json:"id"`
	SourceMessageID string    `json:"source_message_id"`
	ThreadID        string    `json:"thread_id"`
	From            string    `json:"from_address"`
	To              string    `json:"to_address"`
	Subject         string    `json:"subject"`
	ReceivedAt      time.Time `json:"received_at"`
	Snippet         string    `json:"snippet"`
	BodyText        string    `json:"body_text,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toEmailResponse(e *model.StoredEmail, withBody bool) emailResponse {
	r := emailResponse{
		ID:              e.ID,
		SourceMessageID: e.SourceMessageID,
		ThreadID:        e.ThreadID,
		From:            e.FromAddress,
		To:              e.ToAddress,
		Subject:         e.Subject,
		ReceivedAt:      e.ReceivedAt,
		Snippet:         e.Snippet,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	if withBody {
		r.BodyText = e.BodyText
	}
	return r
}

type processRequest struct {
	MaxResults *int `json:"max_results"`
}

// Process handles POST /emails/process
func (h *EmailHandler) Process(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req processRequest
	// 请求体可省略
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	max := h.defaultBatch
	if req.MaxResults != nil {
		max = *req.MaxResults
	}
	if max < 1 || max > h.maxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_results out of range", "max": h.maxBatch})
		return
	}

	res, err := h.ingestor.ProcessUnread(c.Request.Context(), userID, max)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, apperr.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"processed_count":      res.Processed,
		"created_events_count": res.CreatedEvents,
		"message":              res.Message,
	})
}

// List handles GET /emails
func (h *EmailHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	skip, limit := paging(c)

	rows, err := h.emails.List(c.Request.Context(), userID, skip, limit)
	if err != nil {
		respondError(c, h.logger, "failed to fetch emails", err)
		return
	}
	out := make([]emailResponse, 0, len(rows))
	for _, e := range rows {
		out = append(out, toEmailResponse(e, false))
	}
	c.JSON(http.StatusOK, gin.H{"emails": out})
}

// Get handles GET /emails/:id
func (h *EmailHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	e, err := h.emails.Get(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, h.logger, "failed to fetch email", err)
		return
	}
	c.JSON(http.StatusOK, toEmailResponse(e, true))
}

// Delete handles DELETE /emails/:id
func (h *EmailHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.emails.Delete(c.Request.Context(), id, userID); err != nil {
		respondError(c, h.logger, "failed to delete email", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type composeRequest struct {
	Brief         string `json:"brief" binding:"required"`
	SenderName    string `json:"sender_name"`
	RecipientName string `json:"recipient_name"`
	Tone          string `json:"tone"`
}

// Compose handles POST /emails/compose
func (h *EmailHandler) Compose(c *gin.Context) {
	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "brief is required"})
		return
	}

	d, err := h.composer.Compose(c.Request.Context(), extractor.ComposeInput{
		Brief:         req.Brief,
		SenderName:    req.SenderName,
		RecipientName: req.RecipientName,
		Tone:          req.Tone,
	})
	if err != nil {
		respondError(c, h.logger, "failed to compose email", err)
		return
	}
	c.JSON(http.StatusOK, d)
}
