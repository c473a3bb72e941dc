package calendarsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/goccy/go-json"
	"github.com/nalgeon/be"
	"golang.org/x/oauth2"

	contractmq "mailschedule/contracts/mq"
	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
)

type memEvents struct {
	rows     map[int64]*model.StoredCalendarEvent
	failures []contractmq.CalendarConfirmFailedPayload
	receipts []contractmq.CalendarEventConfirmedPayload
}

func (m *memEvents) GetByID(_ context.Context, id int64) (*model.StoredCalendarEvent, error) {
	e, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("calendar event %d: %w", id, apperr.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *memEvents) DeleteConfirmed(_ context.Context, id int64, r contractmq.CalendarEventConfirmedPayload) error {
	delete(m.rows, id)
	m.receipts = append(m.receipts, r)
	return nil
}

func (m *memEvents) RecordConfirmFailure(_ context.Context, _ int64, p contractmq.CalendarConfirmFailedPayload) error {
	m.failures = append(m.failures, p)
	return nil
}

type fakeCalendar struct {
	created *Created
	err     error
	got     EventInput
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _ int64, in EventInput) (*Created, error) {
	f.got = in
	return f.created, f.err
}

func staged() *memEvents {
	start := time.Date(2024, 1, 20, 6, 0, 0, 0, time.UTC)
	return &memEvents{rows: map[int64]*model.StoredCalendarEvent{
		5: {
			ID: 5, UserID: 1, Summary: "Planning", Location: "Room 1", Description: "d",
			StartTime: start, EndTime: start.Add(time.Hour), Attendees: "john@x.com,dave@y.org",
		},
	}}
}

func TestConfirmDeletesAfterSuccess(t *testing.T) {
	store := staged()
	cal := &fakeCalendar{created: &Created{ID: "g1", HTMLLink: "https://cal/g1"}}

	r, err := NewService(store, cal, "Asia/Shanghai", nil).Confirm(context.Background(), 5, 1)
	be.Err(t, err, nil)
	be.Equal(t, r.ExternalEventID, "g1")
	be.Equal(t, r.HTMLLink, "https://cal/g1")
	_, exists := store.rows[5]
	be.True(t, !exists)
	be.Equal(t, len(store.receipts), 1)
	be.Equal(t, cal.got.Attendees, []string{"john@x.com", "dave@y.org"})
	be.Equal(t, cal.got.TimeZone, "Asia/Shanghai")
}

func TestConfirmUpstreamFailureKeepsRow(t *testing.T) {
	store := staged()
	before := *store.rows[5]
	cal := &fakeCalendar{err: errors.New("503 backend error")}

	_, err := NewService(store, cal, "Asia/Shanghai", nil).Confirm(context.Background(), 5, 1)
	be.Err(t, err, apperr.ErrUpstreamGateway)
	be.Equal(t, *store.rows[5], before)
	be.Equal(t, len(store.failures), 1)
	be.Equal(t, len(store.receipts), 0)
}

func TestConfirmEmptyIDIsUpstreamFailure(t *testing.T) {
	store := staged()
	cal := &fakeCalendar{created: &Created{}}

	_, err := NewService(store, cal, "UTC", nil).Confirm(context.Background(), 5, 1)
	be.Err(t, err, apperr.ErrUpstreamGateway)
	_, exists := store.rows[5]
	be.True(t, exists)
}

func TestConfirmNotFoundAndForbidden(t *testing.T) {
	store := staged()
	svc := NewService(store, &fakeCalendar{created: &Created{ID: "g"}}, "UTC", nil)

	_, err := svc.Confirm(context.Background(), 99, 1)
	be.Err(t, err, apperr.ErrNotFound)

	_, err = svc.Confirm(context.Background(), 5, 2)
	be.Err(t, err, apperr.ErrForbidden)
	_, exists := store.rows[5]
	be.True(t, exists)
}

func TestConfirmWithoutTokenIsNotFound(t *testing.T) {
	store := staged()
	before := *store.rows[5]
	tokens := tokenFunc(func(_ context.Context, userID int64) oauth2.TokenSource {
		return failingSource{err: fmt.Errorf("token for user %d: %w", userID, apperr.ErrNotFound)}
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("calendar API must not be called without a token")
	}))
	defer srv.Close()
	g := NewGoogleCalendar(tokens, "", nil).WithEndpoint(srv.URL + "/")

	_, err := NewService(store, g, "UTC", nil).Confirm(context.Background(), 5, 1)
	be.Err(t, err, apperr.ErrNotFound)
	be.True(t, !errors.Is(err, apperr.ErrUpstreamGateway))
	be.Equal(t, *store.rows[5], before)
	be.Equal(t, len(store.receipts), 0)
}

type failingSource struct{ err error }

func (f failingSource) Token() (*oauth2.Token, error) { return nil, f.err }

func TestGoogleCalendarCreateEvent(t *testing.T) {
	var body map[string]any
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"evt1","htmlLink":"https://calendar/evt1"}`))
	}))
	defer srv.Close()

	tokens := tokenFunc(func(context.Context, int64) oauth2.TokenSource {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
	})
	g := NewGoogleCalendar(tokens, "", nil).WithEndpoint(srv.URL + "/")

	start := time.Date(2024, 1, 20, 6, 0, 0, 0, time.UTC)
	created, err := g.CreateEvent(context.Background(), 1, EventInput{
		Summary: "Planning", Start: start, End: start.Add(time.Hour),
		Attendees: []string{"a@x.com"}, TimeZone: "Asia/Shanghai",
	})
	be.Err(t, err, nil)
	be.Equal(t, created.ID, "evt1")
	be.Equal(t, path, "/calendars/primary/events")
	be.Equal(t, auth, "Bearer tok")

	startField := body["start"].(map[string]any)
	be.Equal(t, startField["dateTime"], "2024-01-20T14:00:00+08:00")
	be.Equal(t, startField["timeZone"], "Asia/Shanghai")
	attendees := body["attendees"].([]any)
	be.Equal(t, attendees[0].(map[string]any)["email"], "a@x.com")
}

type tokenFunc func(context.Context, int64) oauth2.TokenSource

func (f tokenFunc) TokenSource(ctx context.Context, userID int64) oauth2.TokenSource {
	return f(ctx, userID)
}

func TestWriteICS(t *testing.T) {
	start := time.Date(2024, 1, 20, 6, 0, 0, 0, time.UTC)
	events := []*model.StoredCalendarEvent{{
		ID: 5, Summary: "Planning", Location: "Room 1",
		StartTime: start, EndTime: start.Add(time.Hour), Attendees: "john@x.com,dave@y.org",
	}}

	var buf bytes.Buffer
	be.Err(t, WriteICS(&buf, events, start), nil)
	be.True(t, strings.Contains(buf.String(), "BEGIN:VEVENT"))

	cal, err := ical.NewDecoder(&buf).Decode()
	be.Err(t, err, nil)
	evs := cal.Events()
	be.Equal(t, len(evs), 1)

	uid, err := evs[0].Props.Text(ical.PropUID)
	be.Err(t, err, nil)
	be.Equal(t, uid, EventUID(5))
	summary, _ := evs[0].Props.Text(ical.PropSummary)
	be.Equal(t, summary, "Planning")
	be.Equal(t, len(evs[0].Props.Values(ical.PropAttendee)), 2)

	dtstart, err := evs[0].DateTimeStart(time.UTC)
	be.Err(t, err, nil)
	be.True(t, dtstart.Equal(start))
}

func TestEventUIDStable(t *testing.T) {
	be.Equal(t, EventUID(1), EventUID(1))
	be.True(t, EventUID(1) != EventUID(2))
}
