package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/field-readings/internal/db"
)

// ListCommunities returns the non-deleted communities ordered by name
func (r *Repository) ListCommunities(ctx context.Context) ([]db.Community, error) {
	query := `
		SELECT id, name
		FROM communities
		WHERE COALESCE(is_deleted, FALSE) = FALSE
		ORDER BY name
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query communities: %w", err)
	}
	defer rows.Close()

	return scanCommunities(rows)
}

func scanCommunities(rows pgx.Rows) ([]db.Community, error) {
	communities := make([]db.Community, 0)
	for rows.Next() {
		var community db.Community
		if err := rows.Scan(&community.ID, &community.Name); err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		communities = append(communities, community)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return communities, nil
}
