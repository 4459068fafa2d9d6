package strategy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrGeneration wraps failures of the AI generator when no fallback is allowed.
	ErrGeneration = errors.New("strategy generation failed")
	// ErrHistoryDisabled is returned when no history backend is configured.
	ErrHistoryDisabled = errors.New("strategy history is not configured")
	// ErrUserRequired is returned when history is requested without a user.
	ErrUserRequired = errors.New("user id is required")
)

// Source tells where the strategy of a result came from.
type Source string

const (
	SourceAI      Source = "ai"
	SourceCatalog Source = "catalog"
	SourceDefault Source = "default"
)

// Strategy is the KPI/tool/advice triple returned to clients.
type Strategy struct {
	KPIs   []string `json:"kpis"`
	Tools  []string `json:"tools"`
	Advice string   `json:"advice"`
}

// IsEmpty reports whether the strategy carries no usable content.
func (s Strategy) IsEmpty() bool {
	return len(s.KPIs) == 0 && len(s.Tools) == 0 && strings.TrimSpace(s.Advice) == ""
}

// Clone returns a deep copy of the strategy.
func (s Strategy) Clone() Strategy {
	return Strategy{
		KPIs:   append([]string(nil), s.KPIs...),
		Tools:  append([]string(nil), s.Tools...),
		Advice: s.Advice,
	}
}

// Document is text extracted from a file uploaded together with a request.
type Document struct {
	Name        string
	ContentType string
	Text        string
	// ArchiveKey is the object key of the original file when it was archived.
	ArchiveKey string
}

// Request describes a single strategy generation.
type Request struct {
	BusinessType string
	Description  string
	Document     *Document
	UserID       string
	UserEmail    string
}

// HasContent reports whether the request carries anything worth sending to a model.
func (r Request) HasContent() bool {
	if strings.TrimSpace(r.BusinessType) != "" || strings.TrimSpace(r.Description) != "" {
		return true
	}
	return r.Document != nil && strings.TrimSpace(r.Document.Text) != ""
}

func (r Request) normalize() Request {
	r.BusinessType = strings.TrimSpace(r.BusinessType)
	r.Description = strings.TrimSpace(r.Description)
	r.UserID = strings.TrimSpace(r.UserID)
	r.UserEmail = strings.TrimSpace(r.UserEmail)
	if r.Document != nil {
		doc := *r.Document
		doc.Name = strings.TrimSpace(doc.Name)
		doc.Text = strings.TrimSpace(doc.Text)
		r.Document = &doc
	}
	return r
}

// Generated is the output of a Generator.
type Generated struct {
	Strategy Strategy
	Model    string
	Raw      string
}

// Result is a resolved strategy together with the request metadata.
type Result struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	BusinessType string    `json:"business_type"`
	Description  string    `json:"description,omitempty"`
	DocumentName string    `json:"document_name,omitempty"`
	DocumentKey  string    `json:"document_key,omitempty"`
	Strategy
	Source    Source    `json:"source"`
	Model     string    `json:"model,omitempty"`
	Raw       string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Generator produces a strategy with an AI model.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Generated, error)
}

// Recorder persists generated results.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// HistoryReader lists results previously recorded for a user.
type HistoryReader interface {
	History(ctx context.Context, userID string, limit int) ([]Result, error)
}

// Publisher notifies other systems about generated results.
type Publisher interface {
	Publish(ctx context.Context, res *Result) error
}
