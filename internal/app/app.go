// Package app wires repositories, the token authority, the mailbox source and
// the ingestion pipeline from configuration. Both binaries build on it.
package app

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailschedule/internal/calendarsync"
	"mailschedule/internal/config"
	"mailschedule/internal/extractor"
	"mailschedule/internal/ingest"
	"mailschedule/internal/mailbox"
	"mailschedule/internal/repository"
	"mailschedule/internal/token"
	"mailschedule/pkg/util"
)

type Components struct {
	Users       *repository.UserRepository
	Emails      *repository.EmailRepository
	Events      *repository.CalendarEventRepository
	Tokens      *repository.TokenRepository
	OAuth       *oauth2.Config
	Authority   *token.Authority
	Source      mailbox.Source
	Extractor   *extractor.Extractor
	Composer    *extractor.Composer
	Coordinator *ingest.Coordinator
	Calendar    *calendarsync.Service
}

// Build 组装流水线；rdb 为 nil 时不启用去重 claim 和重试预算
func Build(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger) (*Components, error) {
	loc, err := time.LoadLocation(cfg.Calendar.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	c := &Components{
		Users:  repository.NewUserRepository(db),
		Emails: repository.NewEmailRepository(db),
		Events: repository.NewCalendarEventRepository(db),
		Tokens: repository.NewTokenRepository(db),
		OAuth:  token.NewOAuthConfig(cfg.Google),
	}

	c.Authority = token.NewAuthority(c.Tokens, c.Users, token.NewOAuthRefresher(c.OAuth),
		token.WithLogger(logger.Named("token")))

	switch cfg.Mailbox.Provider {
	case "imap":
		c.Source = mailbox.NewIMAPSource(cfg.Mailbox.IMAPHost, cfg.Mailbox.IMAPPort, c.Authority, c.Users, logger.Named("imap"))
	default:
		c.Source = mailbox.NewGmailSource(c.Authority, logger.Named("gmail"))
	}

	model := extractor.NewHTTPModelClient(cfg.LLM)
	c.Extractor = extractor.New(model, loc, extractor.WithJSONMode(cfg.LLM.JSONMode))
	c.Composer = extractor.NewComposer(model)

	opts := []ingest.Option{
		ingest.WithConcurrency(cfg.Ingest.ExtractConcurrency),
		ingest.WithLogger(logger.Named("ingest")),
	}
	if rdb != nil {
		opts = append(opts,
			ingest.WithClaimer(util.NewDeduper(rdb, cfg.Ingest.DedupTTL, logger)),
			ingest.WithAttemptBudget(util.NewRetryCounter(rdb, cfg.Ingest.AttemptTTL), cfg.Ingest.MaxExtractionAttempts),
		)
	}
	c.Coordinator = ingest.NewCoordinator(c.Source, c.Extractor, c.Emails, c.Events, opts...)

	gcal := calendarsync.NewGoogleCalendar(c.Authority, cfg.Calendar.CalendarID, logger.Named("calendar"))
	c.Calendar = calendarsync.NewService(c.Events, gcal, cfg.Calendar.Timezone, logger.Named("calendar"))

	return c, nil
}
