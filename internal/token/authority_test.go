package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"golang.org/x/oauth2"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/pkg/config"
)

type memStore struct {
	mu      sync.Mutex
	records map[int64][]*model.TokenRecord
	updates int
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{records: make(map[int64][]*model.TokenRecord)}
}

func (s *memStore) add(rec *model.TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.UserID] = append(s.records[rec.UserID], rec)
}

func (s *memStore) Latest(_ context.Context, userID int64) (*model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[userID]
	if len(recs) == 0 {
		return nil, fmt.Errorf("token for user %d: %w", userID, apperr.ErrNotFound)
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

func (s *memStore) UpdateAccessToken(_ context.Context, id int64, access string, exp *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, recs := range s.records {
		for _, r := range recs {
			if r.ID == id {
				r.AccessToken = access
				r.ExpiresAt = exp
				s.updates++
				return nil
			}
		}
	}
	return apperr.ErrNotFound
}

func (s *memStore) Insert(_ context.Context, t *model.TokenRecord) error {
	s.add(t)
	return nil
}

type memUsers map[int64]string

func (m memUsers) FindByID(_ context.Context, id int64) (*model.User, error) {
	if email, ok := m[id]; ok {
		return &model.User{ID: id, Email: email}, nil
	}
	return nil, apperr.ErrNotFound
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	for id, e := range m {
		if e == email {
			return &model.User{ID: id, Email: e}, nil
		}
	}
	return nil, apperr.ErrNotFound
}

type fakeRefresher struct {
	calls atomic.Int32
	tok   *oauth2.Token
	err   error
	delay time.Duration
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	return f.tok, f.err
}

var now = time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func newAuthority(store *memStore, r Refresher) *Authority {
	return NewAuthority(store, memUsers{1: "a@x.com"}, r, WithClock(func() time.Time { return now }))
}

func TestValidTokenReturnedWithoutRefresh(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "live", RefreshToken: "r", ExpiresAt: ptr(now.Add(time.Minute))})
	r := &fakeRefresher{}

	tok, err := newAuthority(store, r).GetFreshToken(context.Background(), "1")
	be.Err(t, err, nil)
	be.Equal(t, tok, "live")
	be.Equal(t, r.calls.Load(), int32(0))
}

func TestMissingExpiryIsValid(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "forever"})

	tok, err := newAuthority(store, &fakeRefresher{}).GetFreshToken(context.Background(), "a@x.com")
	be.Err(t, err, nil)
	be.Equal(t, tok, "forever")
}

func TestExpiryEqualToNowIsExpired(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: ptr(now)})
	r := &fakeRefresher{tok: &oauth2.Token{AccessToken: "new", Expiry: now.Add(time.Hour)}}

	tok, err := newAuthority(store, r).GetFreshToken(context.Background(), "1")
	be.Err(t, err, nil)
	be.Equal(t, tok, "new")
	be.Equal(t, r.calls.Load(), int32(1))
}

func TestZonedExpiryComparedAsInstant(t *testing.T) {
	// 17:30 in UTC+8 is 09:30 UTC, before now.
	shanghai := time.FixedZone("CST", 8*3600)
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "old", RefreshToken: "r",
		ExpiresAt: ptr(time.Date(2024, 1, 20, 17, 30, 0, 0, shanghai))})
	r := &fakeRefresher{tok: &oauth2.Token{AccessToken: "new"}}

	tok, err := newAuthority(store, r).GetFreshToken(context.Background(), "1")
	be.Err(t, err, nil)
	be.Equal(t, tok, "new")
}

func TestRefreshUpdatesRecordInPlace(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: ptr(now.Add(-time.Hour))})
	exp := now.Add(time.Hour)
	r := &fakeRefresher{tok: &oauth2.Token{AccessToken: "new", Expiry: exp}}

	_, err := newAuthority(store, r).GetFreshToken(context.Background(), "1")
	be.Err(t, err, nil)

	rec, _ := store.Latest(context.Background(), 1)
	be.Equal(t, store.updates, 1)
	be.Equal(t, rec.ID, int64(1))
	be.Equal(t, rec.AccessToken, "new")
	be.Equal(t, rec.RefreshToken, "r")
	be.True(t, rec.ExpiresAt.Equal(exp))
}

func TestNoRefreshTokenReturnsStale(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "stale", ExpiresAt: ptr(now.Add(-time.Hour))})
	r := &fakeRefresher{}

	tok, err := newAuthority(store, r).GetFreshToken(context.Background(), "1")
	be.Err(t, err, nil)
	be.Equal(t, tok, "stale")
	be.Equal(t, r.calls.Load(), int32(0))
	be.Equal(t, store.updates, 0)
}

func TestRefreshFailureIsUpstream(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: ptr(now.Add(-time.Hour))})
	r := &fakeRefresher{err: errors.New("invalid_grant")}

	_, err := newAuthority(store, r).GetFreshToken(context.Background(), "1")
	be.Err(t, err, apperr.ErrUpstreamGateway)
	be.Equal(t, store.updates, 0)
}

func TestUnknownUserOrToken(t *testing.T) {
	a := newAuthority(newMemStore(), &fakeRefresher{})

	_, err := a.GetFreshToken(context.Background(), "nobody@x.com")
	be.Err(t, err, apperr.ErrNotFound)

	_, err = a.GetFreshToken(context.Background(), "1")
	be.Err(t, err, apperr.ErrNotFound)

	_, err = a.GetFreshToken(context.Background(), "  ")
	be.Err(t, err, apperr.ErrNotFound)
}

func TestConcurrentCallersShareRefresh(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: ptr(now.Add(-time.Hour))})
	r := &fakeRefresher{tok: &oauth2.Token{AccessToken: "new"}, delay: 50 * time.Millisecond}
	a := newAuthority(store, r)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := a.AccessToken(context.Background(), 1)
			if err != nil || tok != "new" {
				t.Errorf("got %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
	be.Equal(t, r.calls.Load(), int32(1))
}

// blockingRefresher holds the refresh until release is closed, failing early
// if its context ends first.
type blockingRefresher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRefresher) Refresh(ctx context.Context, _ string) (*oauth2.Token, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return &oauth2.Token{AccessToken: "new"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: ptr(now.Add(-time.Hour))})
	r := &blockingRefresher{started: make(chan struct{}), release: make(chan struct{})}
	a := newAuthority(store, r)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.AccessToken(first, 1)
		firstErr <- err
	}()
	<-r.started

	type result struct {
		tok string
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := a.AccessToken(context.Background(), 1)
		second <- result{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	be.Err(t, <-firstErr, context.Canceled)

	close(r.release)
	got := <-second
	be.Err(t, got.err, nil)
	be.Equal(t, got.tok, "new")
}

func TestTokenSource(t *testing.T) {
	store := newMemStore()
	store.add(&model.TokenRecord{UserID: 1, AccessToken: "live"})

	tok, err := newAuthority(store, &fakeRefresher{}).TokenSource(context.Background(), 1).Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "live")
	be.Equal(t, tok.TokenType, "Bearer")
}

func tokenEndpoint(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuthRefresher(t *testing.T) {
	srv := tokenEndpoint(t, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	cfg := NewOAuthConfig(config.GoogleConfig{ClientID: "id", ClientSecret: "s", TokenURL: srv.URL})

	tok, err := NewOAuthRefresher(cfg).Refresh(context.Background(), "r")
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "fresh")
	be.True(t, !tok.Expiry.IsZero())
}

func TestAuthURL(t *testing.T) {
	cfg := NewOAuthConfig(config.GoogleConfig{ClientID: "id", RedirectURL: "http://localhost/cb", Scopes: []string{"a", "b"}})
	raw, err := NewOAuthFlow(cfg, newMemStore(), "secret").AuthURL(7)
	be.Err(t, err, nil)

	u, err := url.Parse(raw)
	be.Err(t, err, nil)
	q := u.Query()
	be.True(t, strings.HasPrefix(raw, "https://accounts.google.com/"))
	be.Equal(t, q.Get("access_type"), "offline")
	be.Equal(t, q.Get("prompt"), "consent")
	be.Equal(t, q.Get("include_granted_scopes"), "true")
	be.Equal(t, q.Get("scope"), "a b")
	be.True(t, q.Get("state") != "")
}

func TestExchangeStoresRecordForStateUser(t *testing.T) {
	srv := tokenEndpoint(t, `{"access_token":"acc","refresh_token":"ref","token_type":"Bearer","expires_in":3600}`)
	cfg := NewOAuthConfig(config.GoogleConfig{ClientID: "id", TokenURL: srv.URL})
	store := newMemStore()
	flow := NewOAuthFlow(cfg, store, "secret")

	raw, err := flow.AuthURL(7)
	be.Err(t, err, nil)
	u, _ := url.Parse(raw)

	rec, err := flow.Exchange(context.Background(), "code", u.Query().Get("state"))
	be.Err(t, err, nil)
	be.Equal(t, rec.UserID, int64(7))
	be.Equal(t, rec.RefreshToken, "ref")
	be.True(t, rec.ExpiresAt != nil)

	stored, err := store.Latest(context.Background(), 7)
	be.Err(t, err, nil)
	be.Equal(t, stored.AccessToken, "acc")
}

func TestExchangeRejectsBadState(t *testing.T) {
	cfg := NewOAuthConfig(config.GoogleConfig{ClientID: "id"})
	_, err := NewOAuthFlow(cfg, newMemStore(), "secret").Exchange(context.Background(), "code", "forged")
	be.Err(t, err, apperr.ErrInvalidInput)
}
