package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/meetcomposer/internal/models"
)

var ErrRecordNotFound = errors.New("record not found")

// ClaimRecord inserts a claimed row for recordID. It reports false when the
// record was already claimed by an earlier delivery.
func (db *DB) ClaimRecord(ctx context.Context, recordID string) (bool, error) {
	query := `
		INSERT INTO records (record_id, status)
		VALUES ($1, $2)
		ON CONFLICT (record_id) DO NOTHING
	`

	res, err := db.ExecContext(ctx, query, recordID, models.RecordStatusClaimed)
	if err != nil {
		return false, fmt.Errorf("failed to claim record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim record: %w", err)
	}

	return n == 1, nil
}

func (db *DB) SaveResult(ctx context.Context, result models.Result) error {
	query := `
		UPDATE records
		SET status = $2, duration = $3, video_url = $4, thumbnail_url = NULLIF($5, ''),
			error_message = NULL, finished_at = NOW()
		WHERE record_id = $1
	`

	_, err := db.ExecContext(ctx, query,
		result.RecordID, models.RecordStatusSucceeded, result.Duration, result.VideoURL, result.ThumbnailURL,
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// SaveFailure records a terminal failure. Records rejected before they were
// claimed (invalid payloads) are inserted directly as failed.
func (db *DB) SaveFailure(ctx context.Context, recordID, message string) error {
	query := `
		INSERT INTO records (record_id, status, error_message, finished_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (record_id) DO UPDATE
		SET status = EXCLUDED.status, error_message = EXCLUDED.error_message, finished_at = NOW()
	`

	if _, err := db.ExecContext(ctx, query, recordID, models.RecordStatusFailed, message); err != nil {
		return fmt.Errorf("failed to save failure: %w", err)
	}
	return nil
}

func (db *DB) GetRecord(ctx context.Context, recordID string) (*models.Record, error) {
	query := `
		SELECT
			record_id, status, duration, video_url, thumbnail_url,
			error_message, claimed_at, finished_at
		FROM records
		WHERE record_id = $1
	`

	r := &models.Record{}
	err := db.QueryRowContext(ctx, query, recordID).Scan(
		&r.RecordID, &r.Status, &r.Duration, &r.VideoURL, &r.ThumbnailURL,
		&r.ErrorMessage, &r.ClaimedAt, &r.FinishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return r, nil
}

// ListRecords returns the most recently claimed records.
func (db *DB) ListRecords(ctx context.Context, limit int) ([]models.Record, error) {
	query := `
		SELECT
			record_id, status, duration, video_url, thumbnail_url,
			error_message, claimed_at, finished_at
		FROM records
		ORDER BY claimed_at DESC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r models.Record
		err := rows.Scan(
			&r.RecordID, &r.Status, &r.Duration, &r.VideoURL, &r.ThumbnailURL,
			&r.ErrorMessage, &r.ClaimedAt, &r.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}
