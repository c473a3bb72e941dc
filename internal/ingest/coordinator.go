// Package ingest turns a user's unread mail into stored emails and staged
// calendar events.
package ingest

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailschedule/internal/extractor"
	"mailschedule/internal/mailbox"
	"mailschedule/internal/model"
	"mailschedule/internal/normalizer"
	"mailschedule/pkg/logger"
	"mailschedule/pkg/metrics"
	"mailschedule/pkg/trace"
	"mailschedule/pkg/util"
)

const (
	claimScope   = "ingest"
	attemptScope = "extract"
	snippetRunes = 500
	fallbackName = "Meeting"
)

// Analyzer is the extraction step.
type Analyzer interface {
	Analyze(ctx context.Context, in extractor.Input) (*extractor.AnalysisResult, error)
}

type EmailStore interface {
	ExistsBySourceID(ctx context.Context, sourceMessageID string) (bool, error)
	// InsertEmail reports created=false when the source id is already stored.
	InsertEmail(ctx context.Context, e *model.StoredEmail) (created bool, err error)
}

type EventStore interface {
	Create(ctx context.Context, e *model.StoredCalendarEvent) error
}

// Claimer suppresses duplicate model calls across overlapping runs.
type Claimer interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// AttemptCounter tracks failed analyses per message.
type AttemptCounter interface {
	Get(ctx context.Context, key string) (int64, error)
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Result of one ProcessUnread call.
type Result struct {
	Processed     int
	CreatedEvents int
	Message       string
}

type Coordinator struct {
	source      mailbox.Source
	analyzer    Analyzer
	emails      EmailStore
	events      EventStore
	claims      Claimer
	attempts    AttemptCounter
	maxAttempts int64
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Coordinator)

// WithClaimer enables the in-flight claim per source message id.
func WithClaimer(c Claimer) Option {
	return func(co *Coordinator) { co.claims = c }
}

// WithAttemptBudget skips a message without calling the model once it has
// failed max analyses.
func WithAttemptBudget(c AttemptCounter, max int64) Option {
	return func(co *Coordinator) {
		co.attempts = c
		co.maxAttempts = max
	}
}

// WithConcurrency bounds parallel fetch+analyze inside a batch.
func WithConcurrency(n int) Option {
	return func(co *Coordinator) {
		if n > 0 {
			co.concurrency = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

func NewCoordinator(source mailbox.Source, analyzer Analyzer, emails EmailStore, events EventStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:      source,
		analyzer:    analyzer,
		emails:      emails,
		events:      events,
		concurrency: 1,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// candidate is a message that passed the dedup checks.
type candidate struct {
	id     string
	msg    *mailbox.Message
	result *extractor.AnalysisResult
	err    error
	stage  string
}

// ProcessUnread never fails because of one message; only a failure to list
// the inbox is returned.
func (c *Coordinator) ProcessUnread(ctx context.Context, userID int64, max int) (*Result, error) {
	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, c.logger).With(zap.Int64("user_id", userID))

	// Step 1: list unread
	ids, err := c.source.ListUnread(ctx, userID, max)
	if err != nil {
		log.Error("Failed to list unread messages", zap.Error(err))
		return nil, err
	}
	if len(ids) == 0 {
		log.Info("No unread messages")
		return &Result{Message: "No new emails to process"}, nil
	}
	log.Info("Processing unread messages", zap.Int("count", len(ids)))

	// Step 2: dedup, in listing order
	var pending []*candidate
	for _, id := range ids {
		if c.skip(ctx, log, id) {
			continue
		}
		pending = append(pending, &candidate{id: id})
	}

	// Step 3: fetch + analyze, optionally in parallel
	c.analyzeAll(ctx, userID, pending)

	// Steps 4-6: writes, in listing order
	res := &Result{}
	for _, cand := range pending {
		if ctx.Err() != nil {
			log.Warn("Batch cancelled, stopping", zap.Error(ctx.Err()))
			c.release(ctx, cand.id)
			continue
		}
		stored, events := c.persist(ctx, log, userID, cand)
		if stored {
			res.Processed++
		}
		res.CreatedEvents += events
	}

	res.Message = fmt.Sprintf("Successfully processed %d emails, created %d calendar events", res.Processed, res.CreatedEvents)
	log.Info("Batch finished",
		zap.Int("seen", len(ids)),
		zap.Int("processed", res.Processed),
		zap.Int("created_events", res.CreatedEvents),
	)
	return res, nil
}

// skip reports whether id must not be analyzed in this run.
func (c *Coordinator) skip(ctx context.Context, log *zap.Logger, id string) bool {
	l := log.With(zap.String("source_message_id", id))

	exists, err := c.emails.ExistsBySourceID(ctx, id)
	if err != nil {
		// The unique insert still guards correctness; go on.
		l.Warn("Existence check failed", zap.Error(err))
	}
	if exists {
		metrics.IncrementEmailProcessed("duplicate")
		l.Debug("Email already stored, skipping")
		return true
	}

	if c.claims != nil && !c.claims.AcquireOnce(ctx, claimScope, id) {
		metrics.IncrementEmailProcessed("duplicate")
		return true
	}

	if c.attempts != nil && c.maxAttempts > 0 {
		n, err := c.attempts.Get(ctx, util.FormatRetryKey(attemptScope, id))
		if err == nil && n >= c.maxAttempts {
			metrics.IncrementEmailProcessed("attempts_exhausted")
			l.Warn("Extraction attempts exhausted, skipping", zap.Int64("attempts", n))
			c.release(ctx, id)
			return true
		}
	}
	return false
}

func (c *Coordinator) analyzeAll(ctx context.Context, userID int64, pending []*candidate) {
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, cand := range pending {
		g.Go(func() error {
			if ctx.Err() != nil {
				cand.err, cand.stage = ctx.Err(), "cancelled"
				return nil
			}
			msg, err := c.source.Fetch(ctx, userID, cand.id)
			if err != nil {
				cand.err, cand.stage = err, "fetch_failed"
				return nil
			}
			cand.msg = msg
			cand.result, cand.err = c.analyzer.Analyze(ctx, extractor.Input{
				Content:    msg.BodyText,
				Sender:     msg.From,
				Subject:    msg.Subject,
				Recipients: msg.To,
			})
			if cand.err != nil {
				cand.stage = "extraction_failed"
			}
			return nil
		})
	}
	_ = g.Wait()
}

// persist writes one analyzed message. It returns whether an email row was
// created and how many events were staged.
func (c *Coordinator) persist(ctx context.Context, log *zap.Logger, userID int64, cand *candidate) (bool, int) {
	l := log.With(zap.String("source_message_id", cand.id))

	if cand.err != nil {
		metrics.IncrementEmailProcessed(cand.stage)
		l.Warn("Skipping message", zap.String("stage", cand.stage), zap.Error(cand.err))
		if cand.stage == "extraction_failed" && c.attempts != nil {
			if _, err := c.attempts.IncrementAndGet(ctx, util.FormatRetryKey(attemptScope, cand.id)); err != nil {
				l.Warn("Failed to count extraction attempt", zap.Error(err))
			}
		}
		c.release(ctx, cand.id)
		return false, 0
	}

	analysis := cand.result
	if analysis.IsSpam {
		metrics.IncrementEmailProcessed("spam")
		l.Info("Spam, not stored", zap.String("reason", analysis.JudgeReason))
		return false, 0
	}

	email := buildEmail(userID, cand.msg, analysis, c.now())
	created, err := c.emails.InsertEmail(ctx, email)
	if err != nil {
		metrics.IncrementEmailProcessed("store_failed")
		retryable, kind := util.IsRetryableError(err)
		l.Error("Failed to store email", zap.String("error_type", kind), zap.Bool("retryable", retryable), zap.Error(err))
		c.release(ctx, cand.id)
		return false, 0
	}
	if !created {
		metrics.IncrementEmailProcessed("duplicate")
		l.Info("Email stored by a concurrent run, skipping")
		return false, 0
	}
	metrics.IncrementEmailProcessed("stored")
	if c.attempts != nil {
		_ = c.attempts.Reset(ctx, util.FormatRetryKey(attemptScope, cand.id))
	}

	staged := 0
	if analysis.IsSchedule {
		for i, ev := range analysis.Events {
			if ev.Start == nil {
				continue
			}
			row := buildEvent(email, cand.msg, analysis, ev)
			if err := c.events.Create(ctx, row); err != nil {
				l.Error("Failed to stage calendar event", zap.Int("event_index", i), zap.Error(err))
				continue
			}
			staged++
		}
	}
	metrics.AddCalendarEventsStaged(staged)

	l.Info("Email processed",
		zap.Int64("email_id", email.ID),
		zap.Int("events", staged),
	)
	return true, staged
}

func (c *Coordinator) release(ctx context.Context, id string) {
	if c.claims != nil {
		c.claims.Release(context.WithoutCancel(ctx), claimScope, id)
	}
}

func buildEmail(userID int64, msg *mailbox.Message, a *extractor.AnalysisResult, now time.Time) *model.StoredEmail {
	snippet := msg.Snippet
	if a.JudgeReason != "" {
		snippet = truncateRunes(a.JudgeReason, snippetRunes)
	}
	return &model.StoredEmail{
		UserID:          userID,
		SourceMessageID: msg.ID,
		ThreadID:        msg.ThreadID,
		FromAddress:     msg.From,
		ToAddress:       msg.To,
		Subject:         msg.Subject,
		ReceivedAt:      receivedAt(msg.Date, now),
		Snippet:         snippet,
		BodyText:        msg.BodyText,
	}
}

// receivedAt parses the RFC 2822 Date header; missing or bad dates become now.
func receivedAt(header string, now time.Time) time.Time {
	if strings.TrimSpace(header) == "" {
		return now
	}
	t, err := mail.ParseDate(header)
	if err != nil {
		return now
	}
	return t
}

func buildEvent(email *model.StoredEmail, msg *mailbox.Message, a *extractor.AnalysisResult, ev normalizer.Event) *model.StoredCalendarEvent {
	emailID := email.ID
	return &model.StoredCalendarEvent{
		UserID:      email.UserID,
		EmailID:     &emailID,
		Summary:     firstNonEmpty(ev.Name, a.JudgeReason, msg.Subject, fallbackName),
		Location:    ev.Location,
		Description: describe(msg, a, ev),
		StartTime:   *ev.Start,
		EndTime:     normalizer.DefaultEnd(*ev.Start, ev.End),
		Attendees:   normalizer.AttendeeString(ev.ParticipantsRaw),
	}
}

func describe(msg *mailbox.Message, a *extractor.AnalysisResult, ev normalizer.Event) string {
	return fmt.Sprintf("From: %s\nSubject: %s\nSummary: %s\nLocation: %s\nParticipants: %s",
		msg.From, msg.Subject, a.JudgeReason, orNone(ev.Location), orNone(ev.ParticipantsRaw))
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
