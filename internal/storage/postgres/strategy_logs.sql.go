package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const insertStrategyLog = `-- name: InsertStrategyLog :exec
INSERT INTO strategy_logs (
id, user_id, business_type, description, document_name, document_key,
kpis, tools, advice, source, model, raw_response, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13)
`

type InsertStrategyLogParams struct {
	ID           uuid.UUID
	UserID       sql.NullString
	BusinessType string
	Description  string
	DocumentName string
	DocumentKey  string
	Kpis         string
	Tools        string
	Advice       string
	Source       string
	Model        string
	RawResponse  string
	CreatedAt    time.Time
}

func (q *Queries) InsertStrategyLog(ctx context.Context, arg InsertStrategyLogParams) error {
	_, err := q.db.ExecContext(ctx, insertStrategyLog,
		arg.ID,
		arg.UserID,
		arg.BusinessType,
		arg.Description,
		arg.DocumentName,
		arg.DocumentKey,
		arg.Kpis,
		arg.Tools,
		arg.Advice,
		arg.Source,
		arg.Model,
		arg.RawResponse,
		arg.CreatedAt,
	)
	return err
}

const listStrategyLogsByUser = `-- name: ListStrategyLogsByUser :many
SELECT id, user_id, business_type, description, document_name, document_key,
kpis, tools, advice, source, model, raw_response, created_at
FROM strategy_logs
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`

type ListStrategyLogsByUserParams struct {
	UserID sql.NullString
	Limit  int32
}

func (q *Queries) ListStrategyLogsByUser(ctx context.Context, arg ListStrategyLogsByUserParams) ([]StrategyLog, error) {
	rows, err := q.db.QueryContext(ctx, listStrategyLogsByUser, arg.UserID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []StrategyLog
	for rows.Next() {
		var i StrategyLog
		if err := rows.Scan(
			&i.ID,
			&i.UserID,
			&i.BusinessType,
			&i.Description,
			&i.DocumentName,
			&i.DocumentKey,
			&i.Kpis,
			&i.Tools,
			&i.Advice,
			&i.Source,
			&i.Model,
			&i.RawResponse,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
