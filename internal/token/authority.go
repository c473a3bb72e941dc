// Package token owns the OAuth access tokens every Google call depends on.
package token

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/pkg/logger"
	"mailschedule/pkg/metrics"
)

// Store is the persistence the authority needs.
type Store interface {
	Latest(ctx context.Context, userID int64) (*model.TokenRecord, error)
	UpdateAccessToken(ctx context.Context, id int64, accessToken string, expiresAt *time.Time) error
}

// UserResolver maps a user key to a user.
type UserResolver interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type Authority struct {
	store     Store
	users     UserResolver
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time
	group     singleflight.Group
}

type Option func(*Authority)

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

func NewAuthority(store Store, users UserResolver, refresher Refresher, opts ...Option) *Authority {
	a := &Authority{
		store:     store,
		users:     users,
		refresher: refresher,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetFreshToken accepts a numeric user id or an email address.
func (a *Authority) GetFreshToken(ctx context.Context, userKey string) (string, error) {
	userID, err := a.resolve(ctx, userKey)
	if err != nil {
		return "", err
	}
	return a.AccessToken(ctx, userID)
}

func (a *Authority) resolve(ctx context.Context, userKey string) (int64, error) {
	key := strings.TrimSpace(userKey)
	if key == "" {
		return 0, fmt.Errorf("empty user key: %w", apperr.ErrNotFound)
	}

	var (
		u   *model.User
		err error
	)
	if id, convErr := strconv.ParseInt(key, 10, 64); convErr == nil {
		u, err = a.users.FindByID(ctx, id)
	} else {
		u, err = a.users.FindByEmail(ctx, key)
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// refreshTimeout bounds a shared refresh once it no longer follows any
// single caller's context.
const refreshTimeout = 30 * time.Second

// AccessToken returns a usable access token for the user, refreshing it when
// expired. Concurrent callers for one user share a single refresh; a caller
// that gives up does not cancel it for the others.
func (a *Authority) AccessToken(ctx context.Context, userID int64) (string, error) {
	ch := a.group.DoChan(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return a.fresh(shared, userID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (a *Authority) fresh(ctx context.Context, userID int64) (string, error) {
	log := logger.WithTrace(ctx, a.logger).With(zap.Int64("user_id", userID))

	rec, err := a.store.Latest(ctx, userID)
	if err != nil {
		return "", err
	}

	if a.valid(rec) {
		return rec.AccessToken, nil
	}

	if rec.RefreshToken == "" {
		// Last resort: the caller may get a 401 from the downstream API.
		log.Warn("Access token expired and no refresh token on file, returning stale token",
			zap.Int64("token_id", rec.ID),
		)
		metrics.IncrementTokenRefresh("stale")
		return rec.AccessToken, nil
	}

	tok, err := a.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		metrics.IncrementTokenRefresh("failure")
		log.Error("Token refresh failed", zap.Int64("token_id", rec.ID), zap.Error(err))
		return "", fmt.Errorf("%w: refresh token for user %d: %v", apperr.ErrUpstreamGateway, userID, err)
	}
	if tok.AccessToken == "" {
		metrics.IncrementTokenRefresh("failure")
		return "", fmt.Errorf("%w: refresh for user %d returned no access token", apperr.ErrUpstreamGateway, userID)
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiresAt = &exp
	}
	if err := a.store.UpdateAccessToken(ctx, rec.ID, tok.AccessToken, expiresAt); err != nil {
		metrics.IncrementTokenRefresh("failure")
		return "", fmt.Errorf("store refreshed token: %w", err)
	}

	metrics.IncrementTokenRefresh("success")
	log.Info("Access token refreshed", zap.Int64("token_id", rec.ID))
	return tok.AccessToken, nil
}

// valid: no expiry is treated as valid, otherwise expiry must be strictly
// after now. Both sides are compared in UTC.
func (a *Authority) valid(rec *model.TokenRecord) bool {
	if rec.ExpiresAt == nil {
		return true
	}
	return rec.ExpiresAt.UTC().After(a.now().UTC())
}

// TokenSource adapts the authority for Google API clients. ctx is used for
// every Token call the client makes.
func (a *Authority) TokenSource(ctx context.Context, userID int64) oauth2.TokenSource {
	return &userTokenSource{ctx: ctx, a: a, userID: userID}
}

type userTokenSource struct {
	ctx    context.Context
	a      *Authority
	userID int64
}

func (s *userTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.a.AccessToken(s.ctx, s.userID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer"}, nil
}
