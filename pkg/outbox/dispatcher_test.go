package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/nalgeon/be"
	"go.uber.org/zap"

	"mailschedule/pkg/trace"
)

type memStore struct {
	events map[int64]*Event
	order  []int64
}

func newMemStore(events ...*Event) *memStore {
	s := &memStore{events: map[int64]*Event{}}
	for _, e := range events {
		if e.Status == "" {
			e.Status = StatusPending
		}
		s.events[e.ID] = e
		s.order = append(s.order, e.ID)
	}
	return s
}

func (s *memStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for _, id := range s.order {
		if e := s.events[id]; e.Status == StatusPending && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) MarkAsSent(_ context.Context, id int64) error {
	s.events[id].Status = StatusSent
	return nil
}

func (s *memStore) MarkAsFailed(_ context.Context, id int64, maxRetries int) error {
	e := s.events[id]
	e.RetryCount++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	return nil
}

func (s *memStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e, nil
}

func (s *memStore) ReplayEvent(_ context.Context, id int64) error {
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = StatusPending
	e.RetryCount = 0
	return nil
}

func (s *memStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for _, id := range s.order {
		if e := s.events[id]; e.Status == StatusFailed && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type published struct {
	routingKey string
	body       string
	traceID    string
}

type recordingPublisher struct {
	sent []published
	fail map[string]bool
}

func (p *recordingPublisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	if p.fail[routingKey] {
		return errors.New("broker down")
	}
	p.sent = append(p.sent, published{routingKey, string(body), trace.FromContext(ctx)})
	return nil
}

func TestDispatcherPublishesPendingInOrder(t *testing.T) {
	store := newMemStore(
		&Event{ID: 1, RoutingKey: "email.ingested", Payload: []byte(`{"email_id":1,"trace_id":"abc"}`)},
		&Event{ID: 2, RoutingKey: "calendar_event.staged", Payload: []byte(`{"calendar_event_id":7}`)},
	)
	pub := &recordingPublisher{}
	d := NewDispatcher(store, pub, zap.NewNop())

	be.Equal(t, d.RunOnce(context.Background()), 2)
	be.Equal(t, len(pub.sent), 2)
	be.Equal(t, pub.sent[0].routingKey, "email.ingested")
	be.Equal(t, pub.sent[0].traceID, "abc")
	be.Equal(t, pub.sent[1].traceID, "")
	be.Equal(t, store.events[1].Status, StatusSent)
	be.Equal(t, store.events[2].Status, StatusSent)
}

func TestDispatcherMarksFailuresAndGivesUp(t *testing.T) {
	store := newMemStore(&Event{ID: 1, RoutingKey: "calendar_event.confirmed", Payload: []byte(`{}`)})
	pub := &recordingPublisher{fail: map[string]bool{"calendar_event.confirmed": true}}
	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)

	be.Equal(t, d.RunOnce(context.Background()), 0)
	be.Equal(t, store.events[1].Status, StatusPending)
	be.Equal(t, d.RunOnce(context.Background()), 0)
	be.Equal(t, store.events[1].Status, StatusFailed)
	be.Equal(t, d.RunOnce(context.Background()), 0)
	be.Equal(t, store.events[1].RetryCount, 2)
}

func TestReplayFailedEvents(t *testing.T) {
	store := newMemStore(
		&Event{ID: 1, RoutingKey: "email.ingested", Payload: []byte(`{}`), Status: StatusFailed},
		&Event{ID: 2, RoutingKey: "email.ingested", Payload: []byte(`{}`), Status: StatusSent},
	)
	pub := &recordingPublisher{}
	svc := NewReplayService(store, pub)

	n, err := svc.ReplayFailedEvents(context.Background(), 10)
	be.Err(t, err, nil)
	be.Equal(t, n, 1)
	be.Equal(t, store.events[1].Status, StatusSent)
}

func TestReplayUnknownEvent(t *testing.T) {
	svc := NewReplayService(newMemStore(), &recordingPublisher{})
	be.Err(t, svc.ReplayEvent(context.Background(), 42), ErrEventNotFound)
}
