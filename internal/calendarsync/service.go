// Package calendarsync pushes staged events to the external calendar and
// retires them locally once accepted.
package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	contractmq "mailschedule/contracts/mq"
	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/internal/normalizer"
	"mailschedule/pkg/logger"
	"mailschedule/pkg/metrics"
	"mailschedule/pkg/trace"
)

// EventInput is what the external calendar needs to create an event.
type EventInput struct {
	Summary     string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
	TimeZone    string
}

// Created is the external calendar's answer.
type Created struct {
	ID       string
	HTMLLink string
}

type Calendar interface {
	CreateEvent(ctx context.Context, userID int64, in EventInput) (*Created, error)
}

type EventStore interface {
	GetByID(ctx context.Context, id int64) (*model.StoredCalendarEvent, error)
	DeleteConfirmed(ctx context.Context, id int64, receipt contractmq.CalendarEventConfirmedPayload) error
	RecordConfirmFailure(ctx context.Context, id int64, payload contractmq.CalendarConfirmFailedPayload) error
}

// Receipt is returned by a successful Confirm.
type Receipt struct {
	CalendarEventID int64
	ExternalEventID string
	HTMLLink        string
}

type Service struct {
	events   EventStore
	calendar Calendar
	timezone string
	logger   *zap.Logger
}

func NewService(events EventStore, calendar Calendar, timezone string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{events: events, calendar: calendar, timezone: timezone, logger: logger}
}

// Confirm moves the event to the external calendar. The local row is only
// deleted after the calendar returned an event id; on any upstream failure
// it is left untouched.
func (s *Service) Confirm(ctx context.Context, eventID, userID int64) (*Receipt, error) {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("calendar_event_id", eventID),
		zap.Int64("user_id", userID),
	)

	ev, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.UserID != userID {
		return nil, fmt.Errorf("calendar event %d: %w", eventID, apperr.ErrForbidden)
	}

	created, err := s.calendar.CreateEvent(ctx, userID, s.input(ev))
	if err == nil && (created == nil || created.ID == "") {
		err = fmt.Errorf("calendar returned no event id")
	}
	if errors.Is(err, apperr.ErrNotFound) {
		// 用户没有 Google token，不是上游故障
		metrics.IncrementCalendarConfirm("not_linked")
		log.Warn("No Google token on file for confirm", zap.Error(err))
		return nil, fmt.Errorf("create calendar event: %w", err)
	}
	if err != nil {
		metrics.IncrementCalendarConfirm("upstream_failed")
		log.Warn("External calendar rejected event", zap.Error(err))
		failure := contractmq.CalendarConfirmFailedPayload{
			CalendarEventID: eventID,
			UserID:          userID,
			Reason:          err.Error(),
			TraceID:         trace.FromContext(ctx),
		}
		if recErr := s.events.RecordConfirmFailure(ctx, eventID, failure); recErr != nil {
			log.Error("Failed to record confirm failure", zap.Error(recErr))
		}
		return nil, fmt.Errorf("%w: create calendar event: %w", apperr.ErrUpstreamGateway, err)
	}

	receipt := contractmq.CalendarEventConfirmedPayload{
		CalendarEventID: eventID,
		UserID:          userID,
		ExternalEventID: created.ID,
		HTMLLink:        created.HTMLLink,
		TraceID:         trace.FromContext(ctx),
	}
	if err := s.events.DeleteConfirmed(ctx, eventID, receipt); err != nil {
		// The external event exists; a retry would create it again.
		metrics.IncrementCalendarConfirm("local_delete_failed")
		log.Error("Confirmed externally but local delete failed",
			zap.String("external_event_id", created.ID),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.IncrementCalendarConfirm("success")
	log.Info("Calendar event confirmed", zap.String("external_event_id", created.ID))
	return &Receipt{
		CalendarEventID: eventID,
		ExternalEventID: created.ID,
		HTMLLink:        created.HTMLLink,
	}, nil
}

func (s *Service) input(ev *model.StoredCalendarEvent) EventInput {
	return EventInput{
		Summary:     ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
		Start:       ev.StartTime,
		End:         ev.EndTime,
		Attendees:   normalizer.SplitAttendees(ev.Attendees),
		TimeZone:    s.timezone,
	}
}
