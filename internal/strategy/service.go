package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Deps aggregates the optional collaborators of a Service.
type Deps struct {
	Catalog   *Catalog
	Generator Generator
	Recorder  Recorder
	History   HistoryReader
	Publisher Publisher
	Logger    *zap.Logger
}

// Service resolves strategy requests.
type Service struct {
	catalog   *Catalog
	generator Generator
	recorder  Recorder
	history   HistoryReader
	publisher Publisher
	logger    *zap.Logger

	// fallback answers from the catalog when the generator fails.
	fallback bool
	now      func() time.Time
}

// NewService creates a Service. A nil catalog is replaced with the built-in one.
func NewService(deps Deps, fallback bool) *Service {
	catalog := deps.Catalog
	if catalog == nil {
		catalog = NewCatalog(nil)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		catalog:   catalog,
		generator: deps.Generator,
		recorder:  deps.Recorder,
		history:   deps.History,
		publisher: deps.Publisher,
		logger:    logger,
		fallback:  fallback,
		now:       time.Now,
	}
}

// Catalog returns the catalog used by the service.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// AIEnabled reports whether a generator is configured.
func (s *Service) AIEnabled() bool {
	return s.generator != nil
}

// Generate resolves the request to a strategy. Recording and publishing are
// best-effort and never fail the call.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	req = req.normalize()

	res := &Result{
		ID:           uuid.New(),
		UserID:       req.UserID,
		BusinessType: req.BusinessType,
		Description:  req.Description,
		CreatedAt:    s.now().UTC(),
	}
	if req.Document != nil {
		res.DocumentName = req.Document.Name
		res.DocumentKey = req.Document.ArchiveKey
	}

	logger := s.logger.With(
		zap.String("result_id", res.ID.String()),
		zap.String("business_type", req.BusinessType),
	)

	generated := false
	if s.generator != nil && req.HasContent() {
		out, err := s.generator.Generate(ctx, req)
		switch {
		case err == nil:
			res.Strategy = out.Strategy
			res.Model = out.Model
			res.Raw = out.Raw
			res.Source = SourceAI
			generated = true
		case !s.fallback:
			return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
		default:
			logger.Warn("ai generation failed, answering from catalog", zap.Error(err))
		}
	}

	if !generated {
		strategy, found := s.catalog.Lookup(req.BusinessType)
		res.Strategy = strategy
		res.Source = SourceDefault
		if found {
			res.Source = SourceCatalog
		}
	}

	logger.Info("strategy resolved",
		zap.String("source", string(res.Source)),
		zap.Int("kpis", len(res.KPIs)),
		zap.Int("tools", len(res.Tools)),
	)

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, res); err != nil {
			logger.Warn("recording strategy failed", zap.Error(err))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, res); err != nil {
			logger.Warn("publishing strategy event failed", zap.Error(err))
		}
	}

	return res, nil
}

// History lists the results recorded for the user, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Result, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	if userID == "" {
		return nil, ErrUserRequired
	}

	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	results, err := s.history.History(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return results, nil
}
