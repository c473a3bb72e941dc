package calendarevent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/internal/normalizer"
	emailsvc "mailschedule/internal/service/email"
)

type Store interface {
	Create(ctx context.Context, e *model.StoredCalendarEvent) error
	GetByID(ctx context.Context, id int64) (*model.StoredCalendarEvent, error)
	ListByUser(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredCalendarEvent, error)
	Update(ctx context.Context, id int64, p model.CalendarEventPatch) (*model.StoredCalendarEvent, error)
	Delete(ctx context.Context, id int64) error
}

// Draft is a manually staged event. End defaults to Start+1h.
type Draft struct {
	Summary     string
	Location    string
	Description string
	Start       *time.Time
	End         *time.Time
	Attendees   []string
	EmailID     *int64
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) List(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredCalendarEvent, error) {
	skip, limit = emailsvc.Page(skip, limit)
	return s.store.ListByUser(ctx, userID, skip, limit)
}

func (s *Service) Get(ctx context.Context, id, userID int64) (*model.StoredCalendarEvent, error) {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, fmt.Errorf("calendar event %d: %w", id, apperr.ErrForbidden)
	}
	return e, nil
}

func (s *Service) Create(ctx context.Context, userID int64, d Draft) (*model.StoredCalendarEvent, error) {
	if strings.TrimSpace(d.Summary) == "" {
		return nil, fmt.Errorf("%w: summary is required", apperr.ErrInvalidInput)
	}
	if d.Start == nil {
		return nil, fmt.Errorf("%w: start_time is required", apperr.ErrInvalidInput)
	}
	e := &model.StoredCalendarEvent{
		UserID:      userID,
		EmailID:     d.EmailID,
		Summary:     d.Summary,
		Location:    d.Location,
		Description: d.Description,
		StartTime:   *d.Start,
		EndTime:     normalizer.DefaultEnd(*d.Start, d.End),
		Attendees:   normalizer.AttendeeString(strings.Join(d.Attendees, ",")),
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Update applies a partial change to an event owned by userID.
func (s *Service) Update(ctx context.Context, id, userID int64, p model.CalendarEventPatch) (*model.StoredCalendarEvent, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	if p.Summary != nil && strings.TrimSpace(*p.Summary) == "" {
		return nil, fmt.Errorf("%w: summary cannot be empty", apperr.ErrInvalidInput)
	}
	if p.Attendees != nil {
		normalized := normalizer.AttendeeString(*p.Attendees)
		p.Attendees = &normalized
	}
	return s.store.Update(ctx, id, p)
}

// Delete removes only the event; the linked email stays.
func (s *Service) Delete(ctx context.Context, id, userID int64) error {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// All returns every staged event of the user, for export.
func (s *Service) All(ctx context.Context, userID int64) ([]*model.StoredCalendarEvent, error) {
	var out []*model.StoredCalendarEvent
	for skip := 0; ; {
		page, err := s.store.ListByUser(ctx, userID, skip, 500)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < 500 {
			return out, nil
		}
		skip += len(page)
	}
}
