package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewPool connects to PostgreSQL and verifies the connection.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded migrations in lexicographic order, recording
// each in schema_migrations so it runs once.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var applied bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All quantities and prices are stored as NUMERIC and read back as TEXT
// so no value passes through float64.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `id, question, category, description, tags, status,
	resolution_date, checkpoints, b::TEXT, total_volume_cents, sequence,
	winning_security_id, created_at, updated_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	checkpoints, err := json.Marshal(m.Checkpoints)
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO markets (id, question, category, description, tags, status,
			        resolution_date, checkpoints, b, total_volume_cents, sequence,
			        winning_security_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9::NUMERIC, $10, $11, $12, $13, $14)`,
			m.ID, m.Question, m.Category, m.Description, nonNilTags(m.Tags), string(m.Status),
			m.ResolutionDate, string(checkpoints), m.B.String(), m.TotalVolumeCents, m.Sequence,
			m.WinningSecurityID, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert market %s: %w", m.ID, err)
		}
		for i, sec := range m.Securities {
			if _, err := tx.Exec(ctx,
				`INSERT INTO securities (id, market_id, position, outcome, quantity, volume_cents, created_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
				sec.ID, m.ID, i, sec.Outcome, sec.Quantity.String(), sec.VolumeCents, sec.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert security %s: %w", sec.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func getMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	if m.Securities, err = getSecurities(ctx, q, id); err != nil {
		return nil, err
	}
	return m, nil
}

func getSecurities(ctx context.Context, q querier, marketID string) ([]model.Security, error) {
	rows, err := q.Query(ctx,
		`SELECT id, market_id, outcome, quantity::TEXT, volume_cents, created_at
		 FROM securities WHERE market_id = $1 ORDER BY position`, marketID)
	if err != nil {
		return nil, fmt.Errorf("get securities %s: %w", marketID, err)
	}
	defer rows.Close()

	var secs []model.Security
	for rows.Next() {
		var sec model.Security
		var qty string
		if err := rows.Scan(&sec.ID, &sec.MarketID, &sec.Outcome, &qty, &sec.VolumeCents, &sec.CreatedAt); err != nil {
			return nil, err
		}
		if sec.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("security %s quantity: %w", sec.ID, err)
		}
		secs = append(secs, sec)
	}
	return secs, rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	sql := `SELECT ` + marketColumns + ` FROM markets`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		markets = append(markets, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range markets {
		if markets[i].Securities, err = getSecurities(ctx, s.pool, markets[i].ID); err != nil {
			return nil, err
		}
	}
	return markets, nil
}

func (s *PostgresStore) UpdateMarketInfo(ctx context.Context, m *model.Market) error {
	checkpoints, err := json.Marshal(m.Checkpoints)
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET question = $2, category = $3, description = $4, tags = $5,
		     resolution_date = $6, checkpoints = $7::JSONB, b = $8::NUMERIC, updated_at = $9
		 WHERE id = $1 AND (sequence = 0 OR b = $8::NUMERIC)`,
		m.ID, m.Question, m.Category, m.Description, nonNilTags(m.Tags),
		m.ResolutionDate, string(checkpoints), m.B.String(), m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetMarket(ctx, m.ID); err != nil {
			return err
		}
		return model.ErrLiquidityLocked
	}
	return nil
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) error {
	if err := model.CheckTransition(from, to); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update market status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetMarket(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: market %s is no longer %s", model.ErrInvalidTransition, id, from)
	}
	return nil
}

// Commit locks the market row, checks the expected sequence and writes
// securities, market totals, trades and holdings in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, c Commit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := getMarket(ctx, tx, c.MarketID, true)
		if err != nil {
			return err
		}
		if err := ValidateCommit(m, c); err != nil {
			return err
		}

		status := m.Status
		if c.Status != "" {
			status = c.Status
		}
		winner := m.WinningSecurityID
		if c.WinningSecurityID != "" {
			winner = c.WinningSecurityID
		}
		if _, err := tx.Exec(ctx,
			`UPDATE markets
			 SET total_volume_cents = $2, sequence = $3, status = $4,
			     winning_security_id = $5, updated_at = $6
			 WHERE id = $1`,
			c.MarketID, c.TotalVolumeCents, c.Sequence, string(status), winner, c.At,
		); err != nil {
			return fmt.Errorf("update market %s: %w", c.MarketID, err)
		}

		for _, sec := range c.Securities {
			if _, err := tx.Exec(ctx,
				`UPDATE securities SET quantity = $2::NUMERIC, volume_cents = $3 WHERE id = $1`,
				sec.ID, sec.Quantity.String(), sec.VolumeCents,
			); err != nil {
				return fmt.Errorf("update security %s: %w", sec.ID, err)
			}
		}

		for _, t := range c.Trades {
			if _, err := tx.Exec(ctx,
				`INSERT INTO trades (id, user_id, market_id, security_id, kind, quantity,
				        fill_price, stake_cents, fee_cents, realized_pnl, sequence, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, $12)`,
				t.ID, t.UserID, t.MarketID, t.SecurityID, string(t.Kind), t.Quantity.String(),
				t.FillPriceCents.String(), t.StakeCents, t.FeeCents, t.RealizedPnL.String(),
				t.Sequence, t.Timestamp,
			); err != nil {
				return fmt.Errorf("insert trade %s: %w", t.ID, err)
			}
		}

		for _, h := range c.Holdings {
			if _, err := tx.Exec(ctx,
				`INSERT INTO holdings (user_id, security_id, market_id, quantity, avg_price, realized_pnl, updated_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
				 ON CONFLICT (user_id, security_id) DO UPDATE
				 SET quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price,
				     realized_pnl = EXCLUDED.realized_pnl, updated_at = EXCLUDED.updated_at`,
				h.UserID, h.SecurityID, h.MarketID, h.Quantity.String(),
				h.AvgPriceCents.String(), h.RealizedPnL.String(), h.UpdatedAt,
			); err != nil {
				return fmt.Errorf("upsert holding %s/%s: %w", h.UserID, h.SecurityID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.MarketID != "" {
		args = append(args, f.MarketID)
		where = append(where, fmt.Sprintf("market_id = $%d", len(args)))
	}
	sql := `SELECT id, user_id, market_id, security_id, kind, quantity::TEXT,
	               fill_price::TEXT, stake_cents, fee_cents, realized_pnl::TEXT, sequence, timestamp
	        FROM trades`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY market_id, sequence`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var kind, qty, fill, pnl string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.SecurityID, &kind, &qty,
			&fill, &t.StakeCents, &t.FeeCents, &pnl, &t.Sequence, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Kind = model.TradeKind(kind)
		if err := parseDecimals([]string{qty, fill, pnl}, &t.Quantity, &t.FillPriceCents, &t.RealizedPnL); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

const holdingColumns = `user_id, market_id, security_id, quantity::TEXT, avg_price::TEXT, realized_pnl::TEXT, updated_at`

func (s *PostgresStore) GetHolding(ctx context.Context, userID, marketID, securityID string) (model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND security_id = $2`,
		userID, securityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Holding{UserID: userID, MarketID: marketID, SecurityID: securityID}, nil
	}
	if err != nil {
		return model.Holding{}, fmt.Errorf("get holding %s/%s: %w", userID, securityID, err)
	}
	return h, nil
}

func (s *PostgresStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.listHoldings(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1
		 ORDER BY market_id, security_id`, userID)
}

func (s *PostgresStore) ListHoldingsByMarket(ctx context.Context, marketID string) ([]model.Holding, error) {
	return s.listHoldings(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE market_id = $1 AND quantity > 0
		 ORDER BY security_id, user_id`, marketID)
}

func (s *PostgresStore) listHoldings(ctx context.Context, sql string, arg string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// --- Scanning helpers ---

func scanMarket(row pgx.Row) (*model.Market, error) {
	var (
		m           model.Market
		status      string
		checkpoints []byte
		b           string
	)
	if err := row.Scan(&m.ID, &m.Question, &m.Category, &m.Description, &m.Tags, &status,
		&m.ResolutionDate, &checkpoints, &b, &m.TotalVolumeCents, &m.Sequence,
		&m.WinningSecurityID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	if err := json.Unmarshal(checkpoints, &m.Checkpoints); err != nil {
		return nil, fmt.Errorf("market %s checkpoints: %w", m.ID, err)
	}
	var err error
	if m.B, err = decimal.NewFromString(b); err != nil {
		return nil, fmt.Errorf("market %s b: %w", m.ID, err)
	}
	return &m, nil
}

func scanHolding(row pgx.Row) (model.Holding, error) {
	var (
		h             model.Holding
		qty, avg, pnl string
	)
	if err := row.Scan(&h.UserID, &h.MarketID, &h.SecurityID, &qty, &avg, &pnl, &h.UpdatedAt); err != nil {
		return model.Holding{}, err
	}
	if err := parseDecimals([]string{qty, avg, pnl}, &h.Quantity, &h.AvgPriceCents, &h.RealizedPnL); err != nil {
		return model.Holding{}, fmt.Errorf("holding %s/%s: %w", h.UserID, h.SecurityID, err)
	}
	return h, nil
}

// parseDecimals parses texts[i] into dsts[i].
func parseDecimals(texts []string, dsts ...*decimal.Decimal) error {
	for i, text := range texts {
		v, err := decimal.NewFromString(text)
		if err != nil {
			return err
		}
		*dsts[i] = v
	}
	return nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

var _ Store = (*PostgresStore)(nil)
