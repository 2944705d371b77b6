package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/field-readings/internal/db"
)

// ReadingTx is the set of current reading operations available inside one
// transaction. Rollback after Commit is a no-op.
type ReadingTx interface {
	FindCurrentReading(ctx context.Context, meterID string) (*db.CurrentReading, error)
	UpdateCurrentReading(ctx context.Context, reading *db.CurrentReading) (int64, error)
	InsertCurrentReading(ctx context.Context, reading *db.CurrentReading) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type pgReadingTx struct {
	tx pgx.Tx
}

// FindCurrentReading locks and returns the current reading of a meter, or nil when none exists
func (t *pgReadingTx) FindCurrentReading(ctx context.Context, meterID string) (*db.CurrentReading, error) {
	query := `
		SELECT id, meter_id, amr_id, readings, reading_date, input_type
		FROM current_readings
		WHERE meter_id = $1
		LIMIT 1
		FOR UPDATE
	`

	var reading db.CurrentReading
	err := t.tx.QueryRow(ctx, query, meterID).Scan(
		&reading.ID,
		&reading.MeterID,
		&reading.AmrID,
		&reading.Reading,
		&reading.ReadingDate,
		&reading.InputType,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current reading: %w", err)
	}

	return &reading, nil
}

// UpdateCurrentReading overwrites the row identified by reading.ID
func (t *pgReadingTx) UpdateCurrentReading(ctx context.Context, reading *db.CurrentReading) (int64, error) {
	query := `
		UPDATE current_readings
		SET readings = $1, reading_date = $2, input_type = $3, amr_id = $4
		WHERE id = $5
	`

	tag, err := t.tx.Exec(ctx, query,
		reading.Reading,
		reading.ReadingDate,
		reading.InputType,
		reading.AmrID,
		reading.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update current reading: %w", err)
	}

	return tag.RowsAffected(), nil
}

// InsertCurrentReading inserts the first reading of a meter and sets reading.ID.
// A concurrent first insert for the same meter degrades into an update that
// keeps the stored amr_id when none is supplied.
func (t *pgReadingTx) InsertCurrentReading(ctx context.Context, reading *db.CurrentReading) (int64, error) {
	query := `
		INSERT INTO current_readings (meter_id, amr_id, readings, reading_date, input_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meter_id) DO UPDATE
		SET readings = EXCLUDED.readings,
		    reading_date = EXCLUDED.reading_date,
		    input_type = EXCLUDED.input_type,
		    amr_id = COALESCE(EXCLUDED.amr_id, current_readings.amr_id)
		RETURNING id
	`

	err := t.tx.QueryRow(ctx, query,
		reading.MeterID,
		reading.AmrID,
		reading.Reading,
		reading.ReadingDate,
		reading.InputType,
	).Scan(&reading.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert current reading: %w", err)
	}

	return 1, nil
}

func (t *pgReadingTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgReadingTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// ListCurrentReadings returns the reading rows of the given meters
func (r *Repository) ListCurrentReadings(ctx context.Context, meterIDs []string) ([]db.CurrentReading, error) {
	if len(meterIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, meter_id, amr_id, readings, reading_date, input_type
		FROM current_readings
		WHERE meter_id = ANY($1)
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, meterIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query current readings: %w", err)
	}
	defer rows.Close()

	var readings []db.CurrentReading
	for rows.Next() {
		var reading db.CurrentReading
		if err := rows.Scan(
			&reading.ID,
			&reading.MeterID,
			&reading.AmrID,
			&reading.Reading,
			&reading.ReadingDate,
			&reading.InputType,
		); err != nil {
			return nil, fmt.Errorf("failed to scan current reading: %w", err)
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}
