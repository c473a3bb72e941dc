package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	contractmq "mailschedule/contracts/mq"
	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/pkg/outbox"
	"mailschedule/pkg/trace"
)

type EmailRepository struct {
	db *pgxpool.Pool
}

func NewEmailRepository(db *pgxpool.Pool) *EmailRepository {
	return &EmailRepository{db: db}
}

const emailColumns = `id, user_id, source_message_id, COALESCE(thread_id, ''), COALESCE(from_address, ''),
            COALESCE(to_address, ''), COALESCE(subject, ''), received_at, COALESCE(snippet, ''),
            COALESCE(body_text, ''), created_at, updated_at`

func scanEmail(row pgx.Row) (*model.StoredEmail, error) {
	var e model.StoredEmail
	err := row.Scan(
		&e.ID, &e.UserID, &e.SourceMessageID, &e.ThreadID, &e.FromAddress,
		&e.ToAddress, &e.Subject, &e.ReceivedAt, &e.Snippet,
		&e.BodyText, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ExistsBySourceID is the cheap pre-check before fetching and analyzing a message.
func (r *EmailRepository) ExistsBySourceID(ctx context.Context, sourceMessageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM emails WHERE source_message_id = $1)`, sourceMessageID,
	).Scan(&exists)
	return exists, err
}

// InsertEmail is the atomic idempotency step: a row that already exists for
// the source message id is left untouched and created is false. The
// email.ingested outbox record commits with the row.
func (r *EmailRepository) InsertEmail(ctx context.Context, e *model.StoredEmail) (created bool, err error) {
	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
            INSERT INTO emails (user_id, source_message_id, thread_id, from_address, to_address,
                                subject, received_at, snippet, body_text, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
            ON CONFLICT (source_message_id) DO NOTHING
            RETURNING id, created_at, updated_at
        `, e.UserID, e.SourceMessageID, e.ThreadID, e.FromAddress, e.ToAddress,
			e.Subject, e.ReceivedAt, e.Snippet, e.BodyText)
		if err := row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("insert email: %w", err)
		}
		created = true

		return outbox.InsertEventInTx(ctx, tx, contractmq.AggregateEmail, &e.ID,
			contractmq.RoutingKeyEmailIngested, contractmq.EmailIngestedPayload{
				EmailID:         e.ID,
				UserID:          e.UserID,
				SourceMessageID: e.SourceMessageID,
				Subject:         e.Subject,
				ReceivedAt:      e.ReceivedAt,
				TraceID:         trace.FromContext(ctx),
			})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *EmailRepository) GetByID(ctx context.Context, id int64) (*model.StoredEmail, error) {
	e, err := scanEmail(r.db.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "email", id)
	}
	return e, nil
}

// ListByUser returns the user's emails, most recently received first.
func (r *EmailRepository) ListByUser(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredEmail, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+emailColumns+`
        FROM emails
        WHERE user_id = $1
        ORDER BY received_at DESC NULLS LAST, id DESC
        OFFSET $2 LIMIT $3
    `, userID, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StoredEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteGuarded removes an email owned by userID. It fails with
// apperr.ErrReferentialGuard while any calendar event still links to it.
// The row lock serializes against concurrent event inserts.
func (r *EmailRepository) DeleteGuarded(ctx context.Context, id, userID int64) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		var owner int64
		err := tx.QueryRow(ctx, `SELECT user_id FROM emails WHERE id = $1 FOR UPDATE`, id).Scan(&owner)
		if err != nil {
			return notFound(err, "email", id)
		}
		if owner != userID {
			return fmt.Errorf("email %d: %w", id, apperr.ErrForbidden)
		}

		var linked int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM calendar_events WHERE email_id = $1`, id).Scan(&linked); err != nil {
			return err
		}
		if linked > 0 {
			return fmt.Errorf("email %d has %d calendar events: %w", id, linked, apperr.ErrReferentialGuard)
		}

		_, err = tx.Exec(ctx, `DELETE FROM emails WHERE id = $1`, id)
		return err
	})
}
