// Package sqlite persists triggered alerts and per-identity user
// settings. Candles and indicators live in the cache only; the durable
// store holds what operators audit after the fact.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"livermore/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Settings is the per-(user, exchange) configuration blob.
type Settings struct {
	Symbols []string `json:"symbols"`
	Mode    string   `json:"mode"`
}

// Config configures the store.
type Config struct {
	// Path is the database file, e.g. "data/livermore.db".
	Path string
	// NowMs returns current epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the store logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.Path == "" {
		errs = errors.Join(errs, errors.New("sqlite path cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("sqlite logger cannot be nil"))
	}
	return errs
}

// Store is a single-writer SQLite handle in WAL mode. One connection
// serializes writers; WAL keeps the file readable by other processes.
type Store struct {
	cfg *Config
	db  *sql.DB
	log zerolog.Logger
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating sqlite config: %w", err)
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}

	log := cfg.Logger.With().Str("component", "sqlite").Logger()
	log.Info().Str("path", cfg.Path).Msg("database opened")
	return &Store{cfg: cfg, db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id           TEXT    NOT NULL UNIQUE,
			exchange_id        TEXT    NOT NULL,
			symbol             TEXT    NOT NULL,
			timeframe          TEXT    NOT NULL,
			alert_type         TEXT    NOT NULL,
			triggered_at       INTEGER NOT NULL,
			price              REAL    NOT NULL,
			trigger_value      REAL    NOT NULL,
			trigger_label      TEXT    NOT NULL,
			previous_label     TEXT,
			details            TEXT,
			chart_generated    INTEGER NOT NULL DEFAULT 0,
			notification_sent  INTEGER NOT NULL DEFAULT 0,
			notification_error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_exchange_time
			ON alerts (exchange_id, triggered_at DESC);

		CREATE TABLE IF NOT EXISTS settings (
			user_id     TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			data        TEXT NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (user_id, exchange_id)
		);
	`)
	return err
}

// InsertAlert persists one immutable alert record and returns the
// database row id.
func (s *Store) InsertAlert(ctx context.Context, rec *model.AlertRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			alert_id, exchange_id, symbol, timeframe, alert_type,
			triggered_at, price, trigger_value, trigger_label,
			previous_label, details, chart_generated, notification_sent,
			notification_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.ExchangeID, rec.Symbol, string(rec.Timeframe), rec.AlertType,
		rec.TriggeredAt.UnixMilli(), rec.Price, rec.TriggerValue, rec.TriggerLabel,
		nullable(rec.PreviousLabel), nullable(string(rec.Details)),
		rec.ChartGenerated, rec.NotificationSent, nullable(rec.NotificationError),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting alert %s: %w", rec.ID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading alert row id: %w", err)
	}
	return id, nil
}

// RecentAlerts returns the newest alerts for one exchange, newest first.
func (s *Store) RecentAlerts(ctx context.Context, exchangeID string, limit int) ([]model.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, exchange_id, symbol, timeframe, alert_type,
		       triggered_at, price, trigger_value, trigger_label,
		       previous_label, details, chart_generated, notification_sent,
		       notification_error
		FROM alerts
		WHERE exchange_id = ?
		ORDER BY triggered_at DESC, id DESC
		LIMIT ?
	`, exchangeID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var out []model.AlertRecord
	for rows.Next() {
		var (
			rec          model.AlertRecord
			tf           string
			triggeredMs  int64
			prevLabel    sql.NullString
			details      sql.NullString
			notifyErrStr sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.ExchangeID, &rec.Symbol, &tf, &rec.AlertType,
			&triggeredMs, &rec.Price, &rec.TriggerValue, &rec.TriggerLabel,
			&prevLabel, &details, &rec.ChartGenerated, &rec.NotificationSent,
			&notifyErrStr,
		); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		rec.Timeframe = model.Timeframe(tf)
		rec.TriggeredAt = time.UnixMilli(triggeredMs).UTC()
		rec.PreviousLabel = prevLabel.String
		if details.Valid {
			rec.Details = json.RawMessage(details.String)
		}
		rec.NotificationError = notifyErrStr.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSettings reads the settings blob for one identity. A missing row
// is not an error; first runs have no settings yet.
func (s *Store) GetSettings(ctx context.Context, userID, exchangeID string) (*Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM settings WHERE user_id = ? AND exchange_id = ?`,
		userID, exchangeID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	var st Settings
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decoding settings blob: %w", err)
	}
	return &st, nil
}

// UpsertSettings replaces the settings blob for one identity.
func (s *Store) UpsertSettings(ctx context.Context, userID, exchangeID string, st *Settings) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding settings blob: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (user_id, exchange_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, exchange_id)
		DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, userID, exchangeID, string(data), s.cfg.NowMs())
	if err != nil {
		return fmt.Errorf("upserting settings: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullable maps the empty string to NULL.
func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
