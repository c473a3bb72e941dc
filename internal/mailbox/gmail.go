package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailschedule/internal/apperr"
	"mailschedule/pkg/circuitbreaker"
	"mailschedule/pkg/logger"
	"mailschedule/pkg/metrics"
	"mailschedule/pkg/otel"
)

// GmailSource reads the INBOX through the Gmail REST API.
type GmailSource struct {
	tokens   TokenProvider
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger
	endpoint string
	base     http.RoundTripper
}

type GmailOption func(*GmailSource)

// WithGmailEndpoint points the client somewhere other than googleapis.com.
func WithGmailEndpoint(endpoint string) GmailOption {
	return func(s *GmailSource) { s.endpoint = endpoint }
}

func NewGmailSource(tokens TokenProvider, logger *zap.Logger, opts ...GmailOption) *GmailSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GmailSource{
		tokens: tokens,
		cb:     circuitbreaker.NewGoogleBreaker("gmail-api", logger),
		logger: logger,
		base:   http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GmailSource) service(ctx context.Context, userID int64) (*gmail.Service, error) {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: s.tokens.TokenSource(ctx, userID), Base: s.base},
		Timeout:   30 * time.Second,
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

func (s *GmailSource) ListUnread(ctx context.Context, userID int64, max int) ([]string, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}

	var resp *gmail.ListMessagesResponse
	err = s.call(ctx, "messages.list", func(ctx context.Context) error {
		var callErr error
		resp, callErr = svc.Users.Messages.List("me").
			LabelIds("INBOX").
			Q("is:unread").
			MaxResults(int64(max)).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, mapGoogleError(err, "list unread")
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

func (s *GmailSource) Fetch(ctx context.Context, userID int64, id string) (*Message, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}

	var msg *gmail.Message
	err = s.call(ctx, "messages.get", func(ctx context.Context) error {
		var callErr error
		msg, callErr = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, mapGoogleError(err, "message "+id)
	}
	return convertMessage(msg), nil
}

// call wraps one API request in the breaker, a client span and latency metrics.
func (s *GmailSource) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := otel.WithClientSpan(ctx, "gmail", op, func(ctx context.Context) error {
		return circuitbreaker.Run(s.cb, func() error { return fn(ctx) })
	})
	metrics.RecordExternalCall("gmail", op, err, time.Since(start))
	if err != nil {
		logger.WithTrace(ctx, s.logger).Warn("Gmail call failed",
			zap.String("operation", op),
			zap.String("breaker_state", s.cb.State().String()),
			zap.Error(err),
		)
	}
	return err
}

// mapGoogleError: 404 and a missing token record are NotFound, everything
// else is an upstream failure. The cause stays in the chain.
func mapGoogleError(err error, what string) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("gmail %s: %w", what, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("%w: gmail %s: %w", apperr.ErrUpstreamGateway, what, err)
}

func convertMessage(msg *gmail.Message) *Message {
	m := &Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
	}
	if msg.Payload == nil {
		return m
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			m.From = h.Value
		case "to":
			m.To = h.Value
		case "subject":
			m.Subject = h.Value
		case "date":
			m.Date = h.Value
		}
	}
	m.BodyText = plainBody(msg.Payload)
	return m
}

// plainBody prefers the first text/plain part anywhere in the tree and falls
// back to the top-level body.
func plainBody(p *gmail.MessagePart) string {
	if text, ok := findPlain(p); ok {
		return text
	}
	if p.Body != nil && p.Body.Data != "" {
		return decodeBody(p.Body.Data)
	}
	return ""
}

func findPlain(p *gmail.MessagePart) (string, bool) {
	if strings.HasPrefix(p.MimeType, "text/plain") && p.Body != nil && p.Body.Data != "" {
		return decodeBody(p.Body.Data), true
	}
	for _, part := range p.Parts {
		if text, ok := findPlain(part); ok {
			return text, true
		}
	}
	return "", false
}

// decodeBody accepts padded and unpadded base64url.
func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	return string(b)
}
