// Package postgres stores generated strategies in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/strategy"
)

const (
	defaultMaxOpenConns = 10
	pingTimeout         = 5 * time.Second
)

// Options configures the connection pool.
type Options struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Store records strategy results and reads them back per user.
type Store struct {
	db      *sql.DB
	queries *Queries
	logger  *zap.Logger
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, errors.New("database url is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewStore(db, logger), nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		queries: New(db),
		logger:  logger,
	}
}

// Record inserts the result into strategy_logs.
func (s *Store) Record(ctx context.Context, res *strategy.Result) error {
	if res == nil {
		return errors.New("result is nil")
	}

	kpis, err := encodeList(res.KPIs)
	if err != nil {
		return fmt.Errorf("encode kpis: %w", err)
	}
	tools, err := encodeList(res.Tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}

	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err = s.queries.InsertStrategyLog(ctx, InsertStrategyLogParams{
		ID:           res.ID,
		UserID:       nullString(res.UserID),
		BusinessType: res.BusinessType,
		Description:  res.Description,
		DocumentName: res.DocumentName,
		DocumentKey:  res.DocumentKey,
		Kpis:         kpis,
		Tools:        tools,
		Advice:       res.Advice,
		Source:       string(res.Source),
		Model:        res.Model,
		RawResponse:  res.Raw,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return fmt.Errorf("insert strategy log: %w", err)
	}

	s.logger.Debug("strategy recorded", zap.String("id", res.ID.String()), zap.String("source", string(res.Source)))
	return nil
}

// History returns up to limit results of the user, newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]strategy.Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, strategy.ErrUserRequired
	}
	if limit <= 0 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}

	rows, err := s.queries.ListStrategyLogsByUser(ctx, ListStrategyLogsByUserParams{
		UserID: nullString(userID),
		Limit:  int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("list strategy logs: %w", err)
	}

	results := make([]strategy.Result, 0, len(rows))
	for _, row := range rows {
		res, err := toResult(row)
		if err != nil {
			return nil, fmt.Errorf("decode strategy log %s: %w", row.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func toResult(row StrategyLog) (strategy.Result, error) {
	kpis, err := decodeList(row.Kpis)
	if err != nil {
		return strategy.Result{}, fmt.Errorf("kpis: %w", err)
	}
	tools, err := decodeList(row.Tools)
	if err != nil {
		return strategy.Result{}, fmt.Errorf("tools: %w", err)
	}

	return strategy.Result{
		ID:           row.ID,
		UserID:       row.UserID.String,
		BusinessType: row.BusinessType,
		Description:  row.Description,
		DocumentName: row.DocumentName,
		DocumentKey:  row.DocumentKey,
		Strategy: strategy.Strategy{
			KPIs:   kpis,
			Tools:  tools,
			Advice: row.Advice,
		},
		Source:    strategy.Source(row.Source),
		Model:     row.Model,
		Raw:       row.RawResponse,
		CreatedAt: row.CreatedAt,
	}, nil
}

// encodeList renders a list as a JSON array; lib/pq sends []byte as bytea,
// so jsonb parameters travel as text.
func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(data []byte) ([]string, error) {
	if len(data) == 0 {
		return []string{}, nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}
