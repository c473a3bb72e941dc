package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailschedule/internal/calendarsync"
	"mailschedule/internal/model"
	"mailschedule/internal/normalizer"
	"mailschedule/internal/service/calendarevent"
)

type EventService interface {
	List(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredCalendarEvent, error)
	Get(ctx context.Context, id, userID int64) (*model.StoredCalendarEvent, error)
	Create(ctx context.Context, userID int64, d calendarevent.Draft) (*model.StoredCalendarEvent, error)
	Update(ctx context.Context, id, userID int64, p model.CalendarEventPatch) (*model.StoredCalendarEvent, error)
	Delete(ctx context.Context, id, userID int64) error
	All(ctx context.Context, userID int64) ([]*model.StoredCalendarEvent, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, eventID, userID int64) (*calendarsync.Receipt, error)
}

type CalendarHandler struct {
	events    EventService
	confirmer Confirmer
	logger    *zap.Logger
	now       func() time.Time
}

func NewCalendarHandler(events EventService, confirmer Confirmer, logger *zap.Logger) *CalendarHandler {
	return &CalendarHandler{events: events, confirmer: confirmer, logger: logger, now: time.Now}
}

type eventResponse struct {
	ID          int64     `json:"id"`
	EmailID     *int64    `json:"email_id"`
	Summary     string    `json:"summary"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Attendees   []string  `json:"attendees"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toEventResponse(e *model.StoredCalendarEvent) eventResponse {
	attendees := normalizer.SplitAttendees(e.Attendees)
	if attendees == nil {
		attendees = []string{}
	}
	return eventResponse{
		ID:          e.ID,
		EmailID:     e.EmailID,
		Summary:     e.Summary,
		Location:    e.Location,
		Description: e.Description,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		Attendees:   attendees,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

type createEventRequest struct {
	Summary     string     `json:"summary" binding:"required"`
	Location    string     `json:"location"`
	Description string     `json:"description"`
	StartTime   *time.Time `json:"start_time" binding:"required"`
	EndTime     *time.Time `json:"end_time"`
	Attendees   []string   `json:"attendees"`
	EmailID     *int64     `json:"email_id"`
}

type updateEventRequest struct {
	Summary     *string    `json:"summary"`
	Location    *string    `json:"location"`
	Description *string    `json:"description"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Attendees   []string   `json:"attendees"`
}

// List handles GET /calendar-events
func (h *CalendarHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	skip, limit := paging(c)

	rows, err := h.events.List(c.Request.Context(), userID, skip, limit)
	if err != nil {
		respondError(c, h.logger, "failed to fetch calendar events", err)
		return
	}
	out := make([]eventResponse, 0, len(rows))
	for _, e := range rows {
		out = append(out, toEventResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"calendar_events": out})
}

// Get handles GET /calendar-events/:id
func (h *CalendarHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	e, err := h.events.Get(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, h.logger, "failed to fetch calendar event", err)
		return
	}
	c.JSON(http.StatusOK, toEventResponse(e))
}

// Create handles POST /calendar-events
func (h *CalendarHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req createEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	e, err := h.events.Create(c.Request.Context(), userID, calendarevent.Draft{
		Summary:     req.Summary,
		Location:    req.Location,
		Description: req.Description,
		Start:       req.StartTime,
		End:         req.EndTime,
		Attendees:   req.Attendees,
		EmailID:     req.EmailID,
	})
	if err != nil {
		respondError(c, h.logger, "failed to create calendar event", err)
		return
	}
	c.JSON(http.StatusCreated, toEventResponse(e))
}

// Update handles PUT /calendar-events/:id
func (h *CalendarHandler) Update(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	patch := model.CalendarEventPatch{
		Summary:     req.Summary,
		Location:    req.Location,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
	}
	if req.Attendees != nil {
		joined := strings.Join(req.Attendees, ",")
		patch.Attendees = &joined
	}

	e, err := h.events.Update(c.Request.Context(), id, userID, patch)
	if err != nil {
		respondError(c, h.logger, "failed to update calendar event", err)
		return
	}
	c.JSON(http.StatusOK, toEventResponse(e))
}

// Delete handles DELETE /calendar-events/:id
func (h *CalendarHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.events.Delete(c.Request.Context(), id, userID); err != nil {
		respondError(c, h.logger, "failed to delete calendar event", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Confirm handles POST /calendar-events/:id/confirm
func (h *CalendarHandler) Confirm(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	r, err := h.confirmer.Confirm(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, h.logger, "failed to confirm calendar event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           "Event added to Google Calendar",
		"calendar_event_id": r.CalendarEventID,
		"google_event_id":   r.ExternalEventID,
		"html_link":         r.HTMLLink,
	})
}

// Export handles GET /calendar-events/export.ics
func (h *CalendarHandler) Export(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	rows, err := h.events.All(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, "failed to export calendar events", err)
		return
	}

	c.Header("Content-Type", "text/calendar; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="events-%d.ics"`, userID))
	c.Status(http.StatusOK)
	if err := calendarsync.WriteICS(c.Writer, rows, h.now()); err != nil {
		h.logger.Error("ICS encode failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
