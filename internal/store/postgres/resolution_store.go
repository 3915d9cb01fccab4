package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// ResolutionStore implements domain.ResolutionStore using PostgreSQL.
// Resolutions are written by MarketStore.Settle.
type ResolutionStore struct {
	pool *pgxpool.Pool
}

// NewResolutionStore creates a new ResolutionStore.
func NewResolutionStore(pool *pgxpool.Pool) *ResolutionStore {
	return &ResolutionStore{pool: pool}
}

const resolutionCols = `market_id, outcome, confidence, reasoning,
	evidence_sources, resolved_at, auto_expired`

func scanResolution(row pgx.Row) (domain.Resolution, error) {
	var (
		r       domain.Resolution
		outcome string
		sources []byte
	)
	if err := row.Scan(&r.MarketID, &outcome, &r.Confidence, &r.Reasoning,
		&sources, &r.ResolvedAt, &r.AutoExpired); err != nil {
		return domain.Resolution{}, err
	}
	r.Outcome = domain.Outcome(outcome)
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &r.EvidenceSources); err != nil {
			return domain.Resolution{}, fmt.Errorf("unmarshal evidence sources: %w", err)
		}
	}
	return r, nil
}

// Get returns the resolution of a market.
func (s *ResolutionStore) Get(ctx context.Context, marketID string) (domain.Resolution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+resolutionCols+` FROM resolutions WHERE market_id = $1`, marketID)
	r, err := scanResolution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Resolution{}, domain.ErrNotFound
		}
		return domain.Resolution{}, fmt.Errorf("postgres: get resolution %s: %w", marketID, err)
	}
	return r, nil
}

// List returns resolutions newest first.
func (s *ResolutionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Resolution, error) {
	query := `SELECT ` + resolutionCols + ` FROM resolutions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND resolved_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND resolved_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY resolved_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolutions: %w", err)
	}
	defer rows.Close()

	var out []domain.Resolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan resolution: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list resolutions rows: %w", err)
	}
	return out, nil
}

var _ domain.ResolutionStore = (*ResolutionStore)(nil)
