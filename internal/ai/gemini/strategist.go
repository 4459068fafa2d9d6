package gemini

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	_ "embed"

	"github.com/spigell/kpi-strategist/internal/logger"
	"github.com/spigell/kpi-strategist/internal/strategy"
	"go.uber.org/zap"
)

const (
	providerName         = "gemini"
	defaultMaxLogLength  = 200
	maxBusinessTypeRunes = 120
	maxDescriptionRunes  = 4000
	maxDocumentRunes     = 20000
	emptyValue           = "none"
)

//go:embed system.md
var systemPrompt string

//go:embed request.md
var requestTemplate string

var roleMarkerPattern = regexp.MustCompile(`(?i)\[\s*(system|assistant|developer|user|model)\s*\]`)

type contentGenerator interface {
	GenerateContent(ctx context.Context, system, message string) (string, error)
	Model() string
}

// Strategist asks Gemini for a KPI strategy and parses its reply.
type Strategist struct {
	generator contentGenerator
	logger    *zap.Logger
	maxLogLen int
}

var _ strategy.Generator = (*Strategist)(nil)

func NewStrategist(generator contentGenerator, maxLogLength int, log *zap.Logger) *Strategist {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}

	return &Strategist{
		generator: generator,
		logger:    logger.WithCommonFields(log, providerName, generator.Model()),
		maxLogLen: maxLogLength,
	}
}

func (s *Strategist) Generate(ctx context.Context, req strategy.Request) (*strategy.Generated, error) {
	message := buildMessage(req)

	s.logger.Debug("gemini generate content request",
		zap.String("business_type", req.BusinessType),
		zap.Int("prompt_length", utf8.RuneCountInString(message)),
		zap.String("prompt_preview", logger.TruncateForLog(message, s.maxLogLen)),
	)

	raw, err := s.generator.GenerateContent(ctx, systemPrompt, message)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("gemini generate content response",
		zap.String("business_type", req.BusinessType),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", logger.TruncateForLog(raw, s.maxLogLen)),
	)

	parsed, err := ParseStrategy(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	return &strategy.Generated{
		Strategy: *parsed,
		Model:    s.generator.Model(),
		Raw:      raw,
	}, nil
}

func buildMessage(req strategy.Request) string {
	template := requestTemplate
	if strings.TrimSpace(template) == "" {
		template = "Business type: {{BUSINESS_TYPE}}\nDescription: {{DESCRIPTION}}\nDocument:\n{{DOCUMENT}}\n\nJSON Response:"
	}

	document := ""
	if req.Document != nil {
		document = req.Document.Text
	}

	replacer := strings.NewReplacer(
		"{{BUSINESS_TYPE}}", sanitizeLine(req.BusinessType, maxBusinessTypeRunes),
		"{{DESCRIPTION}}", sanitizeUserText(req.Description, maxDescriptionRunes, "  "),
		"{{DOCUMENT}}", sanitizeUserText(document, maxDocumentRunes, ""),
	)
	return replacer.Replace(template)
}

// sanitizeLine renders a single-line user value.
func sanitizeLine(value string, limit int) string {
	value = strings.Join(strings.Fields(cleanUserText(value)), " ")
	if value == "" {
		return emptyValue
	}
	return truncateRunes(value, limit)
}

// sanitizeUserText renders multi-line user text, indenting continuation lines.
func sanitizeUserText(value string, limit int, indent string) string {
	value = truncateRunes(cleanUserText(value), limit)

	lines := strings.Split(value, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}

	if len(kept) == 0 {
		return emptyValue
	}

	return strings.Join(kept, "\n"+indent)
}

func cleanUserText(value string) string {
	value = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, value)

	value = roleMarkerPattern.ReplaceAllString(value, "($1)")
	return strings.TrimSpace(value)
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return strings.TrimSpace(string(runes[:limit]))
}
