package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// per-asset collateral maps are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertPool(ctx context.Context, p *model.PoolState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (id, base_symbol, quote_symbol, oracle_symbol,
		                    base_reserve, quote_reserve, target_base, target_quote, k, fee_pot, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   base_reserve = EXCLUDED.base_reserve,
		   quote_reserve = EXCLUDED.quote_reserve,
		   target_base = EXCLUDED.target_base,
		   target_quote = EXCLUDED.target_quote,
		   fee_pot = EXCLUDED.fee_pot,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.BaseSymbol, p.QuoteSymbol, p.OracleSymbol,
		p.BaseReserve.String(), p.QuoteReserve.String(),
		p.TargetBase.String(), p.TargetQuote.String(),
		p.K.String(), p.FeePot.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.PoolState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, base_symbol, quote_symbol, oracle_symbol,
		        base_reserve::TEXT, quote_reserve::TEXT,
		        target_base::TEXT, target_quote::TEXT,
		        k::TEXT, fee_pot::TEXT, updated_at
		 FROM pools WHERE id = $1`, id)

	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: pool %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.PoolState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, base_symbol, quote_symbol, oracle_symbol,
		        base_reserve::TEXT, quote_reserve::TEXT,
		        target_base::TEXT, target_quote::TEXT,
		        k::TEXT, fee_pot::TEXT, updated_at
		 FROM pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.PoolState
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.SyntheticPosition) error {
	raw, err := json.Marshal(p.RawCollateral)
	if err != nil {
		return fmt.Errorf("marshal collateral for %s: %w", p.Account, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (manager_id, account, synthetic_balance, raw_collateral, entry_valuation, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::JSONB, $5::NUMERIC, $6)
		 ON CONFLICT (manager_id, account) DO UPDATE SET
		   synthetic_balance = EXCLUDED.synthetic_balance,
		   raw_collateral = EXCLUDED.raw_collateral,
		   entry_valuation = EXCLUDED.entry_valuation,
		   updated_at = EXCLUDED.updated_at`,
		p.ManagerID, p.Account, p.SyntheticBalance.String(),
		raw, p.EntryValuation.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, managerID, account string) (*model.SyntheticPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT manager_id, account, synthetic_balance::TEXT, raw_collateral, entry_valuation::TEXT, updated_at
		 FROM positions WHERE manager_id = $1 AND account = $2`, managerID, account)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: position %s in %s", ErrNotFound, account, managerID)
		}
		return nil, fmt.Errorf("get position %s/%s: %w", managerID, account, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, managerID string) ([]model.SyntheticPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT manager_id, account, synthetic_balance::TEXT, raw_collateral, entry_valuation::TEXT, updated_at
		 FROM positions WHERE manager_id = $1 ORDER BY account`, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.SyntheticPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) InsertOperation(ctx context.Context, e *model.OperationEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations (id, account, domain, ref, kind, amount, price, value, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.Account, e.Domain, e.Ref, e.Kind,
		e.Amount.String(), e.Price.String(), e.Value.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetOperationsByAccount(ctx context.Context, account string) ([]model.OperationEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account, domain, ref, kind,
		        amount::TEXT, price::TEXT, value::TEXT, timestamp
		 FROM operations WHERE account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

func (s *PostgresStore) GetOperationsByRef(ctx context.Context, ref string) ([]model.OperationEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account, domain, ref, kind,
		        amount::TEXT, price::TEXT, value::TEXT, timestamp
		 FROM operations WHERE ref = $1 ORDER BY timestamp`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

// pgxRow covers both pgx.Row and pgx.Rows for the scan helpers.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPool(row pgxRow) (*model.PoolState, error) {
	var p model.PoolState
	var baseRes, quoteRes, targetBase, targetQuote, k, feePot string

	if err := row.Scan(&p.ID, &p.BaseSymbol, &p.QuoteSymbol, &p.OracleSymbol,
		&baseRes, &quoteRes, &targetBase, &targetQuote,
		&k, &feePot, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.BaseReserve, _ = decimal.NewFromString(baseRes)
	p.QuoteReserve, _ = decimal.NewFromString(quoteRes)
	p.TargetBase, _ = decimal.NewFromString(targetBase)
	p.TargetQuote, _ = decimal.NewFromString(targetQuote)
	p.K, _ = decimal.NewFromString(k)
	p.FeePot, _ = decimal.NewFromString(feePot)
	return &p, nil
}

func scanPosition(row pgxRow) (*model.SyntheticPosition, error) {
	var p model.SyntheticPosition
	var balance, valuation string
	var raw []byte

	if err := row.Scan(&p.ManagerID, &p.Account, &balance, &raw, &valuation, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.SyntheticBalance, _ = decimal.NewFromString(balance)
	p.EntryValuation, _ = decimal.NewFromString(valuation)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.RawCollateral); err != nil {
			return nil, fmt.Errorf("unmarshal collateral for %s: %w", p.Account, err)
		}
	}
	return &p, nil
}

func scanOperations(rows pgxRows) ([]model.OperationEntry, error) {
	var entries []model.OperationEntry
	for rows.Next() {
		var e model.OperationEntry
		var amountS, priceS, valueS string

		if err := rows.Scan(&e.ID, &e.Account, &e.Domain, &e.Ref, &e.Kind,
			&amountS, &priceS, &valueS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Amount, _ = decimal.NewFromString(amountS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.Value, _ = decimal.NewFromString(valueS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
