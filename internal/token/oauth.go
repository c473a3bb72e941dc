package token

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/pkg/config"
	"mailschedule/pkg/util"
)

const stateTTL = 10 * time.Minute

// NewOAuthConfig builds the Google client config. AuthURL/TokenURL override
// the Google endpoint when set.
func NewOAuthConfig(cfg config.GoogleConfig) *oauth2.Config {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoint,
	}
}

// OAuthRefresher refreshes through the token endpoint of an oauth2.Config.
type OAuthRefresher struct {
	cfg *oauth2.Config
}

func NewOAuthRefresher(cfg *oauth2.Config) *OAuthRefresher {
	return &OAuthRefresher{cfg: cfg}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An expired token with only the refresh token set forces the exchange.
	return r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// Inserter stores the record created by a grant.
type Inserter interface {
	Insert(ctx context.Context, t *model.TokenRecord) error
}

// OAuthFlow implements the consent redirect and the callback exchange.
type OAuthFlow struct {
	cfg         *oauth2.Config
	store       Inserter
	stateSecret string
}

func NewOAuthFlow(cfg *oauth2.Config, store Inserter, stateSecret string) *OAuthFlow {
	return &OAuthFlow{cfg: cfg, store: store, stateSecret: stateSecret}
}

// AuthURL asks for offline access with a forced consent screen so Google
// always returns a refresh token.
func (f *OAuthFlow) AuthURL(userID int64) (string, error) {
	state, err := util.GenerateOAuthState(userID, f.stateSecret, stateTTL)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return f.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}

// Exchange trades the callback code for tokens and stores a new record for
// the user the state was issued to.
func (f *OAuthFlow) Exchange(ctx context.Context, code, state string) (*model.TokenRecord, error) {
	userID, err := util.ParseOAuthState(state, f.stateSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", apperr.ErrInvalidInput)
	}

	tok, err := f.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %v", apperr.ErrUpstreamGateway, err)
	}

	rec := &model.TokenRecord{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		rec.ExpiresAt = &exp
	}
	if err := f.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return rec, nil
}
