// Package extractor asks the classification model about one email and turns
// its reply into an AnalysisResult.
package extractor

import (
	"context"
	"fmt"
	"time"

	"mailschedule/internal/apperr"
	"mailschedule/internal/normalizer"
)

// Input is the email as shown to the model. Only Content is required.
type Input struct {
	Content    string
	Sender     string
	Subject    string
	Recipients string
}

// AnalysisResult: JudgeReason is the spam rationale when IsSpam, else the
// summary. IsSchedule implies len(Events) > 0.
type AnalysisResult struct {
	IsSpam      bool
	JudgeReason string
	IsSchedule  bool
	Events      []normalizer.Event
}

type Extractor struct {
	client   ModelClient
	jsonMode bool
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Extractor)

// WithClock sets the "now" dates are resolved against.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithJSONMode asks the endpoint for a JSON object reply.
func WithJSONMode(on bool) Option {
	return func(e *Extractor) { e.jsonMode = on }
}

func New(client ModelClient, loc *time.Location, opts ...Option) *Extractor {
	if loc == nil {
		loc = time.UTC
	}
	e := &Extractor{client: client, loc: loc, now: time.Now, jsonMode: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze has no side effects beyond the model call. Any failure wraps
// apperr.ErrExtraction and carries no partial result.
func (e *Extractor) Analyze(ctx context.Context, in Input) (*AnalysisResult, error) {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userMessage(in.Content, in.Sender, in.Subject, in.Recipients)},
	}

	reply, err := e.client.Complete(ctx, messages, e.jsonMode)
	if err != nil {
		return nil, fmt.Errorf("%w: model call: %v", apperr.ErrExtraction, err)
	}

	parsed, err := ParseResponse(reply)
	if err != nil {
		return nil, err
	}

	events := normalizer.Normalize(parsed.Events, e.now().In(e.loc))
	return &AnalysisResult{
		IsSpam:      parsed.IsSpam,
		JudgeReason: parsed.Reason,
		IsSchedule:  parsed.HasSchedule && len(events) > 0,
		Events:      events,
	}, nil
}
