package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nalgeon/be"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/pkg/util"
)

type memUsers struct {
	byEmail map[string]*model.User
}

func (m *memUsers) CreateUser(_ context.Context, u *model.User) error {
	if _, ok := m.byEmail[u.Email]; ok {
		return fmt.Errorf("user %s: %w", u.Email, apperr.ErrConflict)
	}
	u.ID = int64(len(m.byEmail) + 1)
	m.byEmail[u.Email] = u
	return nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, apperr.ErrNotFound)
	}
	return u, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(&memUsers{byEmail: map[string]*model.User{}}, "secret", time.Hour)

	u, err := svc.Register(context.Background(), " Ann@X.com ", "hunter22")
	be.Err(t, err, nil)
	be.Equal(t, u.Email, "ann@x.com")
	be.Equal(t, u.Role, "user")

	_, err = svc.Register(context.Background(), "ann@x.com", "hunter22")
	be.Err(t, err, apperr.ErrConflict)

	tok, err := svc.Login(context.Background(), "ann@x.com", "hunter22")
	be.Err(t, err, nil)
	claims, err := util.ParseJWT(tok, "secret")
	be.Err(t, err, nil)
	be.Equal(t, claims.UserID, u.ID)

	_, err = svc.Login(context.Background(), "ann@x.com", "wrong")
	be.Err(t, err, ErrInvalidCredentials)
	_, err = svc.Login(context.Background(), "nobody@x.com", "hunter22")
	be.Err(t, err, ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(&memUsers{byEmail: map[string]*model.User{}}, "secret", time.Hour)
	_, err := svc.Register(context.Background(), "not-an-email", "hunter22")
	be.Err(t, err, apperr.ErrInvalidInput)
	_, err = svc.Register(context.Background(), "a@x.com", "123")
	be.Err(t, err, apperr.ErrInvalidInput)
}
