package postgres

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type StrategyLog struct {
	ID           uuid.UUID
	UserID       sql.NullString
	BusinessType string
	Description  string
	DocumentName string
	DocumentKey  string
	Kpis         []byte
	Tools        []byte
	Advice       string
	Source       string
	Model        string
	RawResponse  string
	CreatedAt    time.Time
}
