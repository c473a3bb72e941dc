package email

import (
	"context"
	"fmt"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
)

const (
	defaultLimit = 100
	maxLimit     = 500
)

type Store interface {
	GetByID(ctx context.Context, id int64) (*model.StoredEmail, error)
	ListByUser(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredEmail, error)
	// DeleteGuarded refuses while calendar events link to the email.
	DeleteGuarded(ctx context.Context, id, userID int64) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// List returns the user's emails, most recent first.
func (s *Service) List(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredEmail, error) {
	skip, limit = Page(skip, limit)
	return s.store.ListByUser(ctx, userID, skip, limit)
}

// Get returns an email owned by userID; a foreign email is ErrForbidden.
func (s *Service) Get(ctx context.Context, id, userID int64) (*model.StoredEmail, error) {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, fmt.Errorf("email %d: %w", id, apperr.ErrForbidden)
	}
	return e, nil
}

func (s *Service) Delete(ctx context.Context, id, userID int64) error {
	return s.store.DeleteGuarded(ctx, id, userID)
}

// Page clamps list paging parameters.
func Page(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return skip, limit
}
