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

type CalendarEventRepository struct {
	db *pgxpool.Pool
}

func NewCalendarEventRepository(db *pgxpool.Pool) *CalendarEventRepository {
	return &CalendarEventRepository{db: db}
}

const eventColumns = `id, user_id, email_id, summary, COALESCE(location, ''), COALESCE(description, ''),
            start_time, end_time, COALESCE(attendees, ''), created_at, updated_at`

func scanEvent(row pgx.Row) (*model.StoredCalendarEvent, error) {
	var e model.StoredCalendarEvent
	err := row.Scan(
		&e.ID, &e.UserID, &e.EmailID, &e.Summary, &e.Location, &e.Description,
		&e.StartTime, &e.EndTime, &e.Attendees, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create stages an event together with its calendar_event.staged outbox record.
func (r *CalendarEventRepository) Create(ctx context.Context, e *model.StoredCalendarEvent) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
            INSERT INTO calendar_events (user_id, email_id, summary, location, description,
                                         start_time, end_time, attendees, created_at, updated_at)
            VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''), NOW(), NOW())
            RETURNING id, created_at, updated_at
        `, e.UserID, e.EmailID, e.Summary, e.Location, e.Description,
			e.StartTime, e.EndTime, e.Attendees,
		).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert calendar event: %w", err)
		}

		return outbox.InsertEventInTx(ctx, tx, contractmq.AggregateCalendarEvent, &e.ID,
			contractmq.RoutingKeyCalendarEventStaged, contractmq.CalendarEventStagedPayload{
				CalendarEventID: e.ID,
				EmailID:         e.EmailID,
				UserID:          e.UserID,
				Summary:         e.Summary,
				StartTime:       e.StartTime,
				EndTime:         e.EndTime,
				TraceID:         trace.FromContext(ctx),
			})
	})
}

func (r *CalendarEventRepository) GetByID(ctx context.Context, id int64) (*model.StoredCalendarEvent, error) {
	e, err := scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "calendar event", id)
	}
	return e, nil
}

// ListByUser orders by start time, latest first.
func (r *CalendarEventRepository) ListByUser(ctx context.Context, userID int64, skip, limit int) ([]*model.StoredCalendarEvent, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+eventColumns+`
        FROM calendar_events
        WHERE user_id = $1
        ORDER BY start_time DESC, id DESC
        OFFSET $2 LIMIT $3
    `, userID, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StoredCalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Update applies the non-nil fields of patch and returns the new row.
func (r *CalendarEventRepository) Update(ctx context.Context, id int64, p model.CalendarEventPatch) (*model.StoredCalendarEvent, error) {
	e, err := scanEvent(r.db.QueryRow(ctx, `
        UPDATE calendar_events SET
            summary     = COALESCE($2, summary),
            location    = COALESCE($3, location),
            description = COALESCE($4, description),
            start_time  = COALESCE($5, start_time),
            end_time    = COALESCE($6, end_time),
            attendees   = COALESCE($7, attendees),
            updated_at  = NOW()
        WHERE id = $1
        RETURNING `+eventColumns,
		id, p.Summary, p.Location, p.Description, p.StartTime, p.EndTime, p.Attendees,
	))
	if err != nil {
		return nil, notFound(err, "calendar event", id)
	}
	return e, nil
}

func (r *CalendarEventRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM calendar_events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("calendar event %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// DeleteConfirmed retires the local row after the external calendar accepted
// it; the calendar_event.confirmed outbox record commits in the same tx.
func (r *CalendarEventRepository) DeleteConfirmed(ctx context.Context, id int64, receipt contractmq.CalendarEventConfirmedPayload) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM calendar_events WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("calendar event %d: %w", id, apperr.ErrNotFound)
		}
		return outbox.InsertEventInTx(ctx, tx, contractmq.AggregateCalendarEvent, &id,
			contractmq.RoutingKeyCalendarEventConfirm, receipt)
	})
}

// RecordConfirmFailure writes a calendar_event.confirm_failed outbox record
// and nothing else.
func (r *CalendarEventRepository) RecordConfirmFailure(ctx context.Context, id int64, payload contractmq.CalendarConfirmFailedPayload) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		return outbox.InsertEventInTx(ctx, tx, contractmq.AggregateCalendarEvent, &id,
			contractmq.RoutingKeyCalendarConfirmFailed, payload)
	})
}
