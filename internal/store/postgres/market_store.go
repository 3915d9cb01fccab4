package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, title, description, prompt, close_time,
	outcome_yes, outcome_no, initial_probability, validation,
	status, outcome, resolved_at, resolution_confidence,
	blockchain_deployed, tx_hash, created_at, updated_at`

const insertMarket = `
	INSERT INTO markets (
		id, title, description, prompt, close_time,
		outcome_yes, outcome_no, initial_probability, validation,
		status, outcome, resolved_at, resolution_confidence,
		blockchain_deployed, tx_hash, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9,
		$10, $11, $12, $13,
		$14, $15, $16, NOW()
	)`

func marketArgs(m domain.Market) ([]any, error) {
	validation, err := json.Marshal(m.Validation)
	if err != nil {
		return nil, fmt.Errorf("marshal validation: %w", err)
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return []any{
		m.ID, m.Title, m.Description, m.Prompt, m.CloseTime,
		m.Outcomes[0], m.Outcomes[1], m.InitialProbability, validation,
		string(m.Status), nullOutcome(m.Outcome), m.ResolvedAt, m.ResolutionConfidence,
		m.BlockchainDeployed, m.TxHash, created,
	}, nil
}

func nullOutcome(o domain.Outcome) any {
	if o == domain.OutcomeNone {
		return nil
	}
	return string(o)
}

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m          domain.Market
		status     string
		outcome    *string
		validation []byte
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.Prompt, &m.CloseTime,
		&m.Outcomes[0], &m.Outcomes[1], &m.InitialProbability, &validation,
		&status, &outcome, &m.ResolvedAt, &m.ResolutionConfidence,
		&m.BlockchainDeployed, &m.TxHash, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if outcome != nil {
		m.Outcome = domain.Outcome(*outcome)
	}
	if len(validation) > 0 {
		if err := json.Unmarshal(validation, &m.Validation); err != nil {
			return domain.Market{}, fmt.Errorf("unmarshal validation: %w", err)
		}
	}
	return m, nil
}

func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Get retrieves a market by its primary key.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// Create inserts a market that must not exist yet.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	args, err := marketArgs(m)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	tag, err := s.pool.Exec(ctx, insertMarket+` ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Upsert inserts or fully overwrites an active market. Every column is
// replaced so an overwrite never keeps fields from the previous version of
// the row. A settled row is never overwritten.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	if m.Status != domain.MarketStatusActive {
		return fmt.Errorf("postgres: upsert market %s as %s: %w", m.ID, m.Status, domain.ErrStaleTransition)
	}
	args, err := marketArgs(m)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	const onConflict = `
		ON CONFLICT (id) DO UPDATE SET
			title                 = EXCLUDED.title,
			description           = EXCLUDED.description,
			prompt                = EXCLUDED.prompt,
			close_time            = EXCLUDED.close_time,
			outcome_yes           = EXCLUDED.outcome_yes,
			outcome_no            = EXCLUDED.outcome_no,
			initial_probability   = EXCLUDED.initial_probability,
			validation            = EXCLUDED.validation,
			status                = EXCLUDED.status,
			outcome               = EXCLUDED.outcome,
			resolved_at           = EXCLUDED.resolved_at,
			resolution_confidence = EXCLUDED.resolution_confidence,
			blockchain_deployed   = EXCLUDED.blockchain_deployed,
			tx_hash               = EXCLUDED.tx_hash,
			created_at            = EXCLUDED.created_at,
			updated_at            = NOW()
		WHERE markets.status = 'active'`
	tag, err := s.pool.Exec(ctx, insertMarket+onConflict, args...)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, domain.ErrStaleTransition)
	}
	return nil
}

// Delete removes a market. Its resolution goes with it via ON DELETE CASCADE.
func (s *MarketStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM markets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete market %s: %w", id, err)
	}
	return nil
}

// ListByStatus returns markets in the given status, oldest close time first.
func (s *MarketStore) ListByStatus(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY close_time ASC, id ASC"

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
		return nil, fmt.Errorf("postgres: list %s markets: %w", status, err)
	}
	markets, err := collectMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s markets: %w", status, err)
	}
	return markets, nil
}

// ListUndeployed returns active markets that were persisted but never
// confirmed on the ledger before the cutoff.
func (s *MarketStore) ListUndeployed(ctx context.Context, createdBefore time.Time) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketCols+` FROM markets
		WHERE status = 'active' AND NOT blockchain_deployed AND created_at < $1
		ORDER BY created_at ASC`, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("postgres: list undeployed markets: %w", err)
	}
	markets, err := collectMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan undeployed markets: %w", err)
	}
	return markets, nil
}

// RecordSubmission keeps the hash of a deployment still awaiting its receipt.
func (s *MarketStore) RecordSubmission(ctx context.Context, id, txHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE markets
		SET tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND NOT blockchain_deployed`, id, txHash)
	if err != nil {
		return fmt.Errorf("postgres: record submission for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: record submission for %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkDeployed records a confirmed ledger deployment.
func (s *MarketStore) MarkDeployed(ctx context.Context, id, txHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE markets
		SET blockchain_deployed = TRUE, tx_hash = $2, updated_at = NOW()
		WHERE id = $1`, id, txHash)
	if err != nil {
		return fmt.Errorf("postgres: mark market %s deployed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark market %s deployed: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Settle locks the market row, checks it is still active, then writes the
// terminal status and the resolution in the same transaction.
func (s *MarketStore) Settle(ctx context.Context, m domain.Market, res domain.Resolution) error {
	sources, err := json.Marshal(nonNil(res.EvidenceSources))
	if err != nil {
		return fmt.Errorf("postgres: settle market %s: marshal sources: %w", m.ID, err)
	}

	err = withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM markets WHERE id = $1 FOR UPDATE`, m.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if domain.MarketStatus(current) != domain.MarketStatusActive {
			return domain.ErrStaleTransition
		}

		if _, err := tx.Exec(ctx, `UPDATE markets SET
				status = $2, outcome = $3, resolved_at = $4,
				resolution_confidence = $5, updated_at = NOW()
			WHERE id = $1`,
			m.ID, string(m.Status), nullOutcome(m.Outcome), m.ResolvedAt, m.ResolutionConfidence,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `INSERT INTO resolutions (
				market_id, outcome, confidence, reasoning,
				evidence_sources, resolved_at, auto_expired
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			res.MarketID, string(res.Outcome), res.Confidence, res.Reasoning,
			sources, res.ResolvedAt, res.AutoExpired,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrStaleTransition
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: settle market %s: %w", m.ID, err)
	}
	return nil
}

// Count returns the number of markets in status, or all markets when status
// is empty.
func (s *MarketStore) Count(ctx context.Context, status domain.MarketStatus) (int64, error) {
	var count int64
	var err error
	if status == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets WHERE status = $1`, string(status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.MarketStore = (*MarketStore)(nil)
