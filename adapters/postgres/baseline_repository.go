package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"votecast/domain/election"
	"votecast/ports"
)

// baselineSchema holds the prior-election feature table. Categorical
// fixed-effect attributes live in a jsonb column so new attributes need
// no migration.
const baselineSchema = `
CREATE TABLE IF NOT EXISTS baseline_units (
	region_code     TEXT NOT NULL,
	unit_id         TEXT NOT NULL,
	unit_name       TEXT NOT NULL DEFAULT '',
	baseline_result DOUBLE PRECISION NOT NULL,
	total_voters    DOUBLE PRECISION NOT NULL,
	attributes      JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (region_code, unit_id)
)`

// BaselineRepository implements the BaselineSource interface on top of a
// postgres table, with an Upsert used by refresh loaders.
type BaselineRepository struct {
	db *sqlx.DB
}

var _ ports.BaselineSource = (*BaselineRepository)(nil)

// NewBaselineRepository creates a baseline source backed by postgres.
func NewBaselineRepository(db *sqlx.DB) *BaselineRepository {
	return &BaselineRepository{db: db}
}

// Open connects to the baseline store and ensures its schema.
func Open(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach baseline store: %w", err)
	}
	if _, err := db.ExecContext(ctx, baselineSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure baseline schema: %w", err)
	}
	return db, nil
}

// FetchBaseline loads the full baseline feature table.
func (r *BaselineRepository) FetchBaseline(ctx context.Context) ([]election.BaselineRow, error) {
	query := `SELECT
		region_code, unit_id, COALESCE(unit_name, '') as unit_name,
		baseline_result, total_voters, attributes
	FROM baseline_units
	ORDER BY region_code, unit_id`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline units: %w", err)
	}
	defer rows.Close()

	var out []election.BaselineRow
	for rows.Next() {
		var row election.BaselineRow
		var attrsJSON []byte
		if err := rows.Scan(&row.RegionCode, &row.UnitID, &row.UnitName,
			&row.BaselineResult, &row.TotalVoters, &attrsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan baseline unit: %w", err)
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &row.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes for %s/%s: %w", row.RegionCode, row.UnitID, err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate baseline units: %w", err)
	}
	return out, nil
}

// Upsert writes one baseline row, replacing any existing entry for the
// same unit. Used by loaders that refresh the table between elections.
func (r *BaselineRepository) Upsert(ctx context.Context, row election.BaselineRow) error {
	attrsJSON, err := json.Marshal(row.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `INSERT INTO baseline_units (
		region_code, unit_id, unit_name, baseline_result, total_voters, attributes
	) VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (region_code, unit_id) DO UPDATE SET
		unit_name = EXCLUDED.unit_name,
		baseline_result = EXCLUDED.baseline_result,
		total_voters = EXCLUDED.total_voters,
		attributes = EXCLUDED.attributes`

	if _, err := r.db.ExecContext(ctx, query,
		row.RegionCode, row.UnitID, row.UnitName, row.BaselineResult, row.TotalVoters, attrsJSON); err != nil {
		return fmt.Errorf("failed to upsert baseline unit %s/%s: %w", row.RegionCode, row.UnitID, err)
	}
	return nil
}
