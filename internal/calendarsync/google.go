package calendarsync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"mailschedule/pkg/circuitbreaker"
	"mailschedule/pkg/metrics"
	"mailschedule/pkg/otel"
)

// TokenSources hands out per-user OAuth token sources.
type TokenSources interface {
	TokenSource(ctx context.Context, userID int64) oauth2.TokenSource
}

// GoogleCalendar creates events through the Calendar v3 API.
type GoogleCalendar struct {
	tokens     TokenSources
	calendarID string
	cb         *gobreaker.CircuitBreaker
	endpoint   string
}

func NewGoogleCalendar(tokens TokenSources, calendarID string, logger *zap.Logger) *GoogleCalendar {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleCalendar{
		tokens:     tokens,
		calendarID: calendarID,
		cb:         circuitbreaker.NewGoogleBreaker("calendar-api", logger),
	}
}

// WithEndpoint overrides the API root, e.g. for tests.
func (g *GoogleCalendar) WithEndpoint(endpoint string) *GoogleCalendar {
	g.endpoint = endpoint
	return g
}

func (g *GoogleCalendar) CreateEvent(ctx context.Context, userID int64, in EventInput) (*Created, error) {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: g.tokens.TokenSource(ctx, userID), Base: http.DefaultTransport},
		Timeout:   30 * time.Second,
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}

	body, err := toGoogleEvent(in)
	if err != nil {
		return nil, err
	}

	var out *calendar.Event
	start := time.Now()
	err = otel.WithClientSpan(ctx, "google_calendar", "events.insert", func(ctx context.Context) error {
		return circuitbreaker.Run(g.cb, func() error {
			var callErr error
			out, callErr = svc.Events.Insert(g.calendarID, body).Context(ctx).Do()
			return callErr
		})
	})
	metrics.RecordExternalCall("google_calendar", "events.insert", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &Created{ID: out.Id, HTMLLink: out.HtmlLink}, nil
}

// toGoogleEvent renders times as ISO-8601 in the calendar's zone.
func toGoogleEvent(in EventInput) (*calendar.Event, error) {
	loc := time.UTC
	if in.TimeZone != "" {
		l, err := time.LoadLocation(in.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", in.TimeZone, err)
		}
		loc = l
	}

	ev := &calendar.Event{
		Summary:     in.Summary,
		Location:    in.Location,
		Description: in.Description,
		Start:       &calendar.EventDateTime{DateTime: in.Start.In(loc).Format(time.RFC3339), TimeZone: in.TimeZone},
		End:         &calendar.EventDateTime{DateTime: in.End.In(loc).Format(time.RFC3339), TimeZone: in.TimeZone},
	}
	for _, email := range in.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: email})
	}
	return ev, nil
}
