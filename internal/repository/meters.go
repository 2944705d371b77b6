package repository

import (
	"context"
	"fmt"

	"github.com/septivank/field-readings/internal/db"
)

// ListUnits returns the non-deleted units of a community in insertion order
func (r *Repository) ListUnits(ctx context.Context, communityID int64) ([]db.CommunityUnit, error) {
	query := `
		SELECT id, community_id, unit_number, meters, is_deleted
		FROM community_units
		WHERE community_id = $1 AND COALESCE(is_deleted, FALSE) = FALSE
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query community units: %w", err)
	}
	defer rows.Close()

	var units []db.CommunityUnit
	for rows.Next() {
		var unit db.CommunityUnit
		if err := rows.Scan(
			&unit.ID,
			&unit.CommunityID,
			&unit.UnitNumber,
			&unit.Meters,
			&unit.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("failed to scan community unit: %w", err)
		}
		units = append(units, unit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return units, nil
}

// ListMeterCatalog returns the catalog rows of a community, retired meters
// included so callers can hide them
func (r *Repository) ListMeterCatalog(ctx context.Context, communityID int64) ([]db.Meter, error) {
	query := `
		SELECT id, meter_id, amr_id, meter_type, community_id, unit_id,
		       field_sort_order, is_active, created_at, updated_at
		FROM meters
		WHERE community_id = $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var meters []db.Meter
	for rows.Next() {
		var meter db.Meter
		if err := rows.Scan(
			&meter.ID,
			&meter.MeterID,
			&meter.AmrID,
			&meter.MeterType,
			&meter.CommunityID,
			&meter.UnitID,
			&meter.SortOrder,
			&meter.IsActive,
			&meter.CreatedAt,
			&meter.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, meter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return meters, nil
}

// UpdateMeterSortOrder sets the display position of one meter. The write is
// scoped to the community, so a colliding meter id elsewhere is left untouched.
func (r *Repository) UpdateMeterSortOrder(ctx context.Context, communityID int64, meterID string, sortOrder int) (int64, error) {
	query := `
		UPDATE meters
		SET field_sort_order = $1, updated_at = NOW()
		WHERE meter_id = $2 AND community_id = $3
	`

	tag, err := r.pool.Exec(ctx, query, sortOrder, meterID, communityID)
	if err != nil {
		return 0, fmt.Errorf("failed to update sort order for meter %s: %w", meterID, err)
	}

	return tag.RowsAffected(), nil
}
