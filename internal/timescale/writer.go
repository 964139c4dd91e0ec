package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"binance-basis-bot/internal/config"
	"binance-basis-bot/internal/market"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout = 3 * time.Second
	pingTimeout  = 5 * time.Second
)

// Writer persists price ticks to Postgres/TimescaleDB. Each batch is written
// in a single transaction.
type Writer struct {
	db       *sql.DB
	log      *zap.Logger
	schema   string
	table    string
	exchange string
}

func New(cfg config.TimescaleConfig, exchange string, log *zap.Logger) (*Writer, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.Table, exchange, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema, table, exchange string, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = "prices"
	}
	if exchange == "" {
		exchange = "binance"
	}
	return &Writer{
		db:       db,
		log:      log.With(zap.String("component", "timescale")),
		schema:   schema,
		table:    table,
		exchange: exchange,
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// WriteBatch inserts ticks in one transaction; on error nothing is committed.
func (w *Writer) WriteBatch(ctx context.Context, ticks []market.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, w.insertQuery())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, tick := range ticks {
		if _, err := stmt.ExecContext(ctx, tickArgs(w.exchange, tick)...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert tick: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, w.createTableQuery()); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, w.hypertableQuery()); err != nil {
		w.log.Warn("prices hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) createTableQuery() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp TIMESTAMPTZ NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		spot DOUBLE PRECISION NOT NULL,
		perp DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL
	)`, w.qualified())
}

func (w *Writer) hypertableQuery() string {
	return fmt.Sprintf("SELECT create_hypertable('%s', 'timestamp', if_not_exists => TRUE)", w.qualified())
}

func (w *Writer) insertQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (
		timestamp, exchange, symbol, spot, perp, funding_rate
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.qualified())
}

func tickArgs(exchange string, tick market.Tick) []any {
	return []any{
		tick.Timestamp.UTC(),
		exchange,
		tick.Symbol,
		tick.SpotPrice,
		tick.PerpPrice,
		tick.FundingRate,
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) qualified() string {
	return w.schema + "." + w.table
}
