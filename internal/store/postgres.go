package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotActive is returned by transition methods when the protocol row was
// not in the status the transition requires, usually because another writer
// terminated it between the engine's read and the update.
var ErrNotActive = errors.New("protocol not active")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ListActiveProtocols returns one keyset page of protocols eligible for daily
// advancement. Muted protocols never appear regardless of how stale they are.
func (s *PostgresStore) ListActiveProtocols(ctx context.Context, afterID string, limit int) ([]ActiveProtocol, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, current_day, assigned_week_start
		FROM protocols
		WHERE status='active' AND muted_by_coach=FALSE AND id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active protocols: %w", err)
	}
	defer rows.Close()

	items := make([]ActiveProtocol, 0)
	for rows.Next() {
		var item ActiveProtocol
		if err := rows.Scan(&item.ID, &item.UserID, &item.Title, &item.CurrentDay, &item.AssignedWeekStart); err != nil {
			return nil, fmt.Errorf("scan active protocol: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active protocols: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProtocol(ctx context.Context, protocolID string) (Protocol, error) {
	var item Protocol
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, COALESCE(days::text, '[]'), current_day, status, assigned_week_start,
			days_completed, days_skipped, muted_by_coach, COALESCE(muted_by_name, ''), COALESCE(muted_reason, ''),
			muted_at, started_at, completed_at, created_at, updated_at
		FROM protocols
		WHERE id=$1
	`, protocolID).Scan(
		&item.ID,
		&item.UserID,
		&item.Title,
		&item.Days,
		&item.CurrentDay,
		&item.Status,
		&item.AssignedWeekStart,
		&item.DaysCompleted,
		&item.DaysSkipped,
		&item.MutedByCoach,
		&item.MutedBy,
		&item.MutedReason,
		&item.MutedAt,
		&item.StartedAt,
		&item.CompletedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Protocol{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProtocol(ctx context.Context, item Protocol) error {
	days := item.Days
	if len(days) == 0 {
		days = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protocols (id, user_id, title, days, current_day, status, assigned_week_start)
		VALUES ($1, $2, $3, $4::jsonb, 1, 'active', $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.UserID, item.Title, string(days), item.AssignedWeekStart)
	if err != nil {
		return fmt.Errorf("insert protocol: %w", err)
	}
	return nil
}

// ListRecordedDays returns the day numbers that already have a disposition,
// in day order.
func (s *PostgresStore) ListRecordedDays(ctx context.Context, protocolID string) ([]RecordedDay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day_number, was_skipped
		FROM day_completions
		WHERE protocol_id=$1
		ORDER BY day_number ASC
	`, protocolID)
	if err != nil {
		return nil, fmt.Errorf("list recorded days: %w", err)
	}
	defer rows.Close()

	items := make([]RecordedDay, 0)
	for rows.Next() {
		var item RecordedDay
		if err := rows.Scan(&item.DayNumber, &item.WasSkipped); err != nil {
			return nil, fmt.Errorf("scan recorded day: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recorded days: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListDayCompletions(ctx context.Context, protocolID string) ([]DayCompletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, protocol_id, user_id, day_number, completed_at, was_skipped, auto_skipped,
			COALESCE(skip_reason, ''), COALESCE(response_data::text, '{}'), COALESCE(notes, ''),
			self_rating, time_spent_minutes
		FROM day_completions
		WHERE protocol_id=$1
		ORDER BY day_number ASC
	`, protocolID)
	if err != nil {
		return nil, fmt.Errorf("list day completions: %w", err)
	}
	defer rows.Close()

	items := make([]DayCompletion, 0)
	for rows.Next() {
		var item DayCompletion
		if err := rows.Scan(
			&item.ID,
			&item.ProtocolID,
			&item.UserID,
			&item.DayNumber,
			&item.CompletedAt,
			&item.WasSkipped,
			&item.AutoSkipped,
			&item.SkipReason,
			&item.ResponseData,
			&item.Notes,
			&item.SelfRating,
			&item.TimeSpentMinutes,
		); err != nil {
			return nil, fmt.Errorf("scan day completion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate day completions: %w", err)
	}
	return items, nil
}

// AdvanceProtocol applies one advance transition as a single transaction:
// skip rows for the missed days, a recount of the skip counter, and the
// current_day move. Days that already have a disposition are left untouched.
func (s *PostgresStore) AdvanceProtocol(ctx context.Context, protocolID, userID string, skipDays []int, newCurrentDay int, autoSkipped bool, skipReason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin advance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertDaySkips(ctx, tx, protocolID, userID, skipDays, autoSkipped, skipReason)
	if err != nil {
		return 0, err
	}

	_, skipped, err := countDispositions(ctx, tx, protocolID)
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE protocols
		SET current_day=$2, days_skipped=$3, updated_at=NOW()
		WHERE id=$1 AND status='active'
	`, protocolID, newCurrentDay, skipped)
	if err != nil {
		return 0, fmt.Errorf("advance protocol: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("advance protocol rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotActive
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit advance tx: %w", err)
	}
	return inserted, nil
}

// ExpireProtocol terminates a protocol that outlived its 7-day window,
// backfilling auto-skip rows for every remaining day in the same transaction.
func (s *PostgresStore) ExpireProtocol(ctx context.Context, protocolID, userID string, skipDays []int, skipReason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertDaySkips(ctx, tx, protocolID, userID, skipDays, true, skipReason)
	if err != nil {
		return 0, err
	}

	_, skipped, err := countDispositions(ctx, tx, protocolID)
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE protocols
		SET status='expired', completed_at=NOW(), days_skipped=$2, updated_at=NOW()
		WHERE id=$1 AND status='active'
	`, protocolID, skipped)
	if err != nil {
		return 0, fmt.Errorf("expire protocol: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire protocol rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotActive
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expire tx: %w", err)
	}
	return inserted, nil
}

// RecordDayCompletion upserts an explicit completion for one day and moves the
// protocol forward. An existing skip row for the day is overwritten; both
// counters are recomputed from the rows rather than incremented. When all 7
// days carry a genuine completion the protocol transitions to completed.
func (s *PostgresStore) RecordDayCompletion(ctx context.Context, completion DayCompletion, newCurrentDay int) (RecordedCompletion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RecordedCompletion{}, fmt.Errorf("begin completion tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	completionID := completion.ID
	if completionID == "" {
		completionID = uuid.NewString()
	}
	responseData := completion.ResponseData
	if len(responseData) == 0 {
		responseData = []byte("{}")
	}

	var recordedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO day_completions (id, protocol_id, user_id, day_number, completed_at, was_skipped, auto_skipped, skip_reason, response_data, notes, self_rating, time_spent_minutes)
		VALUES ($1, $2, $3, $4, NOW(), FALSE, FALSE, NULL, $5::jsonb, $6, $7, $8)
		ON CONFLICT (protocol_id, day_number) DO UPDATE SET
			completed_at=NOW(),
			was_skipped=FALSE,
			auto_skipped=FALSE,
			skip_reason=NULL,
			response_data=EXCLUDED.response_data,
			notes=EXCLUDED.notes,
			self_rating=EXCLUDED.self_rating,
			time_spent_minutes=EXCLUDED.time_spent_minutes
		RETURNING id
	`, completionID, completion.ProtocolID, completion.UserID, completion.DayNumber,
		string(responseData), completion.Notes, completion.SelfRating, completion.TimeSpentMinutes).Scan(&recordedID)
	if err != nil {
		return RecordedCompletion{}, fmt.Errorf("upsert day completion: %w", err)
	}

	completed, skipped, err := countDispositions(ctx, tx, completion.ProtocolID)
	if err != nil {
		return RecordedCompletion{}, err
	}
	protocolCompleted := completed >= 7

	result, err := tx.ExecContext(ctx, `
		UPDATE protocols
		SET current_day=$2, days_completed=$3, days_skipped=$4,
			status=CASE WHEN $5 THEN 'completed' ELSE status END,
			completed_at=CASE WHEN $5 THEN NOW() ELSE completed_at END,
			updated_at=NOW()
		WHERE id=$1 AND status='active'
	`, completion.ProtocolID, newCurrentDay, completed, skipped, protocolCompleted)
	if err != nil {
		return RecordedCompletion{}, fmt.Errorf("record completion progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return RecordedCompletion{}, fmt.Errorf("record completion rows: %w", err)
	}
	if affected == 0 {
		return RecordedCompletion{}, ErrNotActive
	}

	if err := tx.Commit(); err != nil {
		return RecordedCompletion{}, fmt.Errorf("commit completion tx: %w", err)
	}
	return RecordedCompletion{
		ID:                recordedID,
		DaysCompleted:     completed,
		DaysSkipped:       skipped,
		ProtocolCompleted: protocolCompleted,
	}, nil
}

func (s *PostgresStore) MuteProtocol(ctx context.Context, protocolID, mutedBy, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE protocols
		SET muted_by_coach=TRUE, status='muted', muted_by_name=$2, muted_reason=$3, muted_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status IN ('active', 'paused')
	`, protocolID, mutedBy, reason)
	if err != nil {
		return false, fmt.Errorf("mute protocol: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mute protocol rows: %w", err)
	}
	return affected > 0, nil
}

// insertDaySkips writes one skip row per day, ignoring days that already have
// any disposition. The unique (protocol_id, day_number) constraint makes the
// insert converge to one row even under concurrent writers.
func insertDaySkips(ctx context.Context, tx *sql.Tx, protocolID, userID string, days []int, autoSkipped bool, skipReason string) (int, error) {
	inserted := 0
	for _, day := range days {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO day_completions (id, protocol_id, user_id, day_number, completed_at, was_skipped, auto_skipped, skip_reason)
			VALUES ($1, $2, $3, $4, NOW(), TRUE, $5, $6)
			ON CONFLICT (protocol_id, day_number) DO NOTHING
		`, uuid.NewString(), protocolID, userID, day, autoSkipped, skipReason)
		if err != nil {
			return inserted, fmt.Errorf("insert day %d skip: %w", day, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("insert day %d skip rows: %w", day, err)
		}
		inserted += int(affected)
	}
	return inserted, nil
}

func countDispositions(ctx context.Context, tx *sql.Tx, protocolID string) (completed int, skipped int, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE NOT was_skipped), COUNT(*) FILTER (WHERE was_skipped)
		FROM day_completions
		WHERE protocol_id=$1
	`, protocolID).Scan(&completed, &skipped)
	if err != nil {
		err = fmt.Errorf("count day dispositions: %w", err)
	}
	return
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
