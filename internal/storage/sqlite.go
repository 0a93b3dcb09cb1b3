package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/models"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements Interface on top of a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	Path   string
	Logger *logrus.Logger
}

// NewSQLiteStore opens (and if needed creates) the database at cfg.Path and
// initializes the schema.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	path := cfg.Path
	if path == "" {
		path = "./data/signalbridge.db"
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	// WAL mode for better concurrency between the webhook handlers and the
	// scheduler's timer goroutines.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database at %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initializeSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	logger.WithField("path", path).Info("sqlite store ready")
	return s, nil
}

func (s *SQLiteStore) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS strategies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		webhook_token TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT 'tradingview',
		is_active INTEGER NOT NULL DEFAULT 1,
		is_intraday INTEGER NOT NULL DEFAULT 1,
		trading_mode TEXT NOT NULL DEFAULT 'LONG',
		start_time TEXT,
		end_time TEXT,
		squareoff_time TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS symbol_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id INTEGER NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		product_type TEXT NOT NULL,
		strike_offset INTEGER NOT NULL DEFAULT 0,
		option_type TEXT NOT NULL DEFAULT 'XX',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id INTEGER NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		average_price REAL NOT NULL,
		current_price REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		product_type TEXT NOT NULL DEFAULT 'MIS',
		entry_type TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		user_id TEXT PRIMARY KEY,
		api_key TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_strategy ON symbol_mappings (strategy_id);
	CREATE INDEX IF NOT EXISTS idx_positions_strategy_active ON positions (strategy_id, is_active);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- Strategies ---

// CreateStrategy inserts a new strategy and fills in its assigned ID.
func (s *SQLiteStore) CreateStrategy(ctx context.Context, st *models.Strategy) error {
	const query = `
	INSERT INTO strategies (name, webhook_token, user_id, platform, is_active, is_intraday,
	                        trading_mode, start_time, end_time, squareoff_time, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		st.Name, st.WebhookToken, st.UserID, st.Platform, st.IsActive, st.IsIntraday,
		string(st.TradingMode), nullString(st.StartTime), nullString(st.EndTime),
		nullString(st.SquareoffTime), now, now)
	if err != nil {
		return fmt.Errorf("inserting strategy %s: %w", st.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading strategy insert id: %w", err)
	}
	st.ID = id
	st.CreatedAt = now
	st.UpdatedAt = now
	s.logger.WithFields(logrus.Fields{"strategy_id": id, "name": st.Name}).Debug("strategy created")
	return nil
}

const strategyColumns = `id, name, webhook_token, user_id, platform, is_active, is_intraday,
	trading_mode, COALESCE(start_time, ''), COALESCE(end_time, ''), COALESCE(squareoff_time, ''),
	created_at, updated_at`

// GetStrategy retrieves a strategy by ID.
func (s *SQLiteStore) GetStrategy(ctx context.Context, id int64) (*models.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying strategy %d: %w", id, err)
	}
	return st, nil
}

// GetStrategyByToken retrieves a strategy by its webhook signal token.
func (s *SQLiteStore) GetStrategyByToken(ctx context.Context, token string) (*models.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE webhook_token = ?`, token)
	st, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("strategy with token %s: %w", token, ErrNotFound)
		}
		return nil, fmt.Errorf("querying strategy by token: %w", err)
	}
	return st, nil
}

// ListStrategies returns all strategies owned by a user.
func (s *SQLiteStore) ListStrategies(ctx context.Context, userID string) ([]models.Strategy, error) {
	return s.queryStrategies(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE user_id = ? ORDER BY id`, userID)
}

// ListActiveStrategies returns every active strategy. Used by the scheduler
// to restore square-off triggers at startup.
func (s *SQLiteStore) ListActiveStrategies(ctx context.Context) ([]models.Strategy, error) {
	return s.queryStrategies(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE is_active = 1 ORDER BY id`)
}

func (s *SQLiteStore) queryStrategies(ctx context.Context, query string, args ...any) ([]models.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying strategies: %w", err)
	}
	defer rows.Close()

	out := make([]models.Strategy, 0)
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning strategy: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating strategy rows: %w", err)
	}
	return out, nil
}

// UpdateStrategy persists mutable strategy fields.
func (s *SQLiteStore) UpdateStrategy(ctx context.Context, st *models.Strategy) error {
	const query = `
	UPDATE strategies
	SET name = ?, is_active = ?, is_intraday = ?, trading_mode = ?,
	    start_time = ?, end_time = ?, squareoff_time = ?, updated_at = ?
	WHERE id = ?`

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		st.Name, st.IsActive, st.IsIntraday, string(st.TradingMode),
		nullString(st.StartTime), nullString(st.EndTime), nullString(st.SquareoffTime), now, st.ID)
	if err != nil {
		return fmt.Errorf("updating strategy %d: %w", st.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for strategy %d: %w", st.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("strategy %d: %w", st.ID, ErrNotFound)
	}
	st.UpdatedAt = now
	return nil
}

// DeleteStrategy removes a strategy; mappings and positions cascade.
func (s *SQLiteStore) DeleteStrategy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting strategy %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for delete %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	s.logger.WithField("strategy_id", id).Debug("strategy deleted")
	return nil
}

// --- Symbol mappings ---

// AddMapping inserts one symbol mapping and fills in its assigned ID.
func (s *SQLiteStore) AddMapping(ctx context.Context, m *models.SymbolMapping) error {
	const query = `
	INSERT INTO symbol_mappings (strategy_id, symbol, exchange, quantity, product_type, strike_offset, option_type, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		m.StrategyID, m.Symbol, m.Exchange, m.Quantity, m.ProductType, m.StrikeOffset, string(m.OptionType), now)
	if err != nil {
		return fmt.Errorf("inserting mapping for %s: %w", m.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading mapping insert id: %w", err)
	}
	m.ID = id
	m.CreatedAt = now
	return nil
}

// AddMappings inserts multiple mappings in one transaction.
func (s *SQLiteStore) AddMappings(ctx context.Context, strategyID int64, ms []models.SymbolMapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mapping transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
	INSERT INTO symbol_mappings (strategy_id, symbol, exchange, quantity, product_type, strike_offset, option_type, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	for i := range ms {
		if _, err := tx.ExecContext(ctx, query,
			strategyID, ms[i].Symbol, ms[i].Exchange, ms[i].Quantity,
			ms[i].ProductType, ms[i].StrikeOffset, string(ms[i].OptionType), now); err != nil {
			return fmt.Errorf("inserting mapping for %s: %w", ms[i].Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mappings: %w", err)
	}
	return nil
}

// ListMappings returns all symbol mappings for a strategy.
func (s *SQLiteStore) ListMappings(ctx context.Context, strategyID int64) ([]models.SymbolMapping, error) {
	const query = `
	SELECT id, strategy_id, symbol, exchange, quantity, product_type, strike_offset, option_type, created_at
	FROM symbol_mappings WHERE strategy_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("querying mappings for strategy %d: %w", strategyID, err)
	}
	defer rows.Close()

	out := make([]models.SymbolMapping, 0)
	for rows.Next() {
		var m models.SymbolMapping
		var optionType string
		if err := rows.Scan(&m.ID, &m.StrategyID, &m.Symbol, &m.Exchange, &m.Quantity,
			&m.ProductType, &m.StrikeOffset, &optionType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		m.OptionType = models.OptionType(optionType)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mapping rows: %w", err)
	}
	return out, nil
}

// DeleteMapping removes one symbol mapping.
func (s *SQLiteStore) DeleteMapping(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM symbol_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting mapping %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for mapping delete %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mapping %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Positions ---

const positionColumns = `id, strategy_id, symbol, exchange, quantity, average_price, current_price,
	unrealized_pnl, realized_pnl, product_type, entry_type, entry_time, exit_time, is_active`

// CreatePosition inserts a new position and fills in its assigned ID.
func (s *SQLiteStore) CreatePosition(ctx context.Context, p *models.Position) error {
	const query = `
	INSERT INTO positions (strategy_id, symbol, exchange, quantity, average_price, current_price,
	                       unrealized_pnl, realized_pnl, product_type, entry_type, entry_time, is_active)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		p.StrategyID, p.Symbol, p.Exchange, p.Quantity, p.AveragePrice, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.ProductType, string(p.EntryType), p.EntryTime, p.IsActive)
	if err != nil {
		return fmt.Errorf("inserting position for %s: %w", p.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading position insert id: %w", err)
	}
	p.ID = id
	s.logger.WithFields(logrus.Fields{"position_id": id, "symbol": p.Symbol, "quantity": p.Quantity}).
		Debug("position created")
	return nil
}

// GetPosition retrieves a position by ID.
func (s *SQLiteStore) GetPosition(ctx context.Context, id int64) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying position %d: %w", id, err)
	}
	return p, nil
}

// ListPositions returns every position ever taken by a strategy.
func (s *SQLiteStore) ListPositions(ctx context.Context, strategyID int64) ([]models.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE strategy_id = ? ORDER BY id`, strategyID)
}

// ListActivePositions returns the currently open positions of a strategy.
func (s *SQLiteStore) ListActivePositions(ctx context.Context, strategyID int64) ([]models.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE strategy_id = ? AND is_active = 1 ORDER BY id`, strategyID)
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating position rows: %w", err)
	}
	return out, nil
}

// UpdatePosition persists mutable position fields.
func (s *SQLiteStore) UpdatePosition(ctx context.Context, p *models.Position) error {
	const query = `
	UPDATE positions
	SET quantity = ?, average_price = ?, current_price = ?, unrealized_pnl = ?,
	    realized_pnl = ?, exit_time = ?, is_active = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	if !p.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: p.ExitTime, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, query,
		p.Quantity, p.AveragePrice, p.CurrentPrice, p.UnrealizedPnL,
		p.RealizedPnL, exitTime, p.IsActive, p.ID)
	if err != nil {
		return fmt.Errorf("updating position %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for position %d: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("position %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

// --- Credentials ---

// APIKeyFor returns the broker API key for a user, or ErrNoAPIKey.
func (s *SQLiteStore) APIKeyFor(ctx context.Context, userID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM api_keys WHERE user_id = ?`, userID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("user %s: %w", userID, ErrNoAPIKey)
		}
		return "", fmt.Errorf("querying api key for %s: %w", userID, err)
	}
	return key, nil
}

// SetAPIKey stores or replaces the broker API key for a user.
func (s *SQLiteStore) SetAPIKey(ctx context.Context, userID, apiKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (user_id, api_key) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET api_key = excluded.api_key`, userID, apiKey)
	if err != nil {
		return fmt.Errorf("storing api key for %s: %w", userID, err)
	}
	return nil
}

// --- Helper scan functions ---

// scanner is compatible with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(sc scanner) (*models.Strategy, error) {
	st := &models.Strategy{}
	var mode string
	err := sc.Scan(&st.ID, &st.Name, &st.WebhookToken, &st.UserID, &st.Platform,
		&st.IsActive, &st.IsIntraday, &mode, &st.StartTime, &st.EndTime, &st.SquareoffTime,
		&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.TradingMode = models.TradingMode(mode)
	return st, nil
}

func scanPosition(sc scanner) (*models.Position, error) {
	p := &models.Position{}
	var entryType string
	var exitTime sql.NullTime
	err := sc.Scan(&p.ID, &p.StrategyID, &p.Symbol, &p.Exchange, &p.Quantity,
		&p.AveragePrice, &p.CurrentPrice, &p.UnrealizedPnL, &p.RealizedPnL,
		&p.ProductType, &entryType, &p.EntryTime, &exitTime, &p.IsActive)
	if err != nil {
		return nil, err
	}
	p.EntryType = models.OrderAction(entryType)
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	return p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
