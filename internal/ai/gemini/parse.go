package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spigell/kpi-strategist/internal/strategy"
)

var (
	// ErrNoJSON is returned when the model reply contains no JSON object.
	ErrNoJSON = errors.New("no json object found in model response")
	// ErrEmptyStrategy is returned when the reply has no kpis, tools or advice.
	ErrEmptyStrategy = errors.New("model response contains an empty strategy")
)

// Keys that some replies use to wrap the payload in an outer object.
var wrapperKeys = []string{"strategy", "result", "data", "response"}

var keyAliases = map[string]string{
	"kpi":                        "kpis",
	"key_performance_indicators": "kpis",
	"metrics":                    "kpis",
	"tool":                       "tools",
	"recommended_tools":          "tools",
	"software":                   "tools",
	"recommendation":             "advice",
	"recommendations":            "advice",
	"strategy_advice":            "advice",
}

// Fields checked, in order, when a list item is an object instead of a string.
var itemNameKeys = []string{"name", "title", "kpi", "tool", "metric", "label", "value"}

var (
	bulletPattern   = regexp.MustCompile(`^\s*(?:[-*•]+\s*|\d+[.)]\s+)`)
	emphasisPattern = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
)

type rawStrategy struct {
	KPIs   []string `mapstructure:"kpis"`
	Tools  []string `mapstructure:"tools"`
	Advice string   `mapstructure:"advice"`
}

// ParseStrategy extracts a strategy from free-text model output.
func ParseStrategy(raw string) (*strategy.Strategy, error) {
	fragment := extractJSON(raw)
	if fragment == "" {
		return nil, ErrNoJSON
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(fragment), &data); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	data = unwrap(normalizeKeys(data))

	var decoded rawStrategy
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(stringListHook, itemToStringHook),
		WeaklyTypedInput: true,
		Result:           &decoded,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("decode strategy: %w", err)
	}

	result := &strategy.Strategy{
		KPIs:   cleanItems(decoded.KPIs),
		Tools:  cleanItems(decoded.Tools),
		Advice: strings.TrimSpace(decoded.Advice),
	}

	if result.IsEmpty() {
		return nil, ErrEmptyStrategy
	}

	return result, nil
}

// extractJSON strips markdown fences and returns the first balanced JSON
// object found in raw, or an empty string.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```JSON")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}

	for offset := 0; offset < len(raw); {
		start := strings.IndexByte(raw[offset:], '{')
		if start == -1 {
			return ""
		}
		start += offset

		end := matchingBrace(raw, start)
		if end == -1 {
			offset = start + 1
			continue
		}

		candidate := raw[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
		offset = start + 1
	}

	return ""
}

// matchingBrace returns the index of the brace closing the object opened at
// start, skipping braces inside string literals.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}

// normalizeKeys maps aliases onto the canonical keys. A canonical key wins
// over its aliases; between aliases the first in sorted order wins.
func normalizeKeys(data map[string]any) map[string]any {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(data))
	for _, key := range keys {
		value := data[key]
		normalized := strings.ToLower(strings.TrimSpace(key))
		normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
		if alias, ok := keyAliases[normalized]; ok {
			normalized = alias
		}
		if _, exists := out[normalized]; exists && !isCanonicalKey(key) {
			continue
		}
		out[normalized] = value
	}
	return out
}

func isCanonicalKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "kpis", "tools", "advice":
		return true
	default:
		return false
	}
}

func unwrap(data map[string]any) map[string]any {
	for depth := 0; depth < 3; depth++ {
		if hasStrategyKeys(data) {
			return data
		}

		var nested map[string]any
		for _, key := range wrapperKeys {
			if inner, ok := data[key].(map[string]any); ok {
				nested = inner
				break
			}
		}
		if nested == nil && len(data) == 1 {
			for _, value := range data {
				nested, _ = value.(map[string]any)
			}
		}
		if nested == nil {
			return data
		}
		data = normalizeKeys(nested)
	}
	return data
}

func hasStrategyKeys(data map[string]any) bool {
	for _, key := range []string{"kpis", "tools", "advice"} {
		if _, ok := data[key]; ok {
			return true
		}
	}
	return false
}

// stringListHook turns a single string, or an object keyed by item name, into
// list items when a list is expected.
func stringListHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}

	if from.Kind() == reflect.Map {
		m, ok := data.(map[string]any)
		if !ok || isNamedItem(m) {
			return data, nil
		}
		keys := make([]string, 0, len(m))
		for key := range m {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return keys, nil
	}

	if from.Kind() != reflect.String {
		return data, nil
	}

	text, _ := data.(string)
	separators := func(r rune) bool {
		if strings.ContainsRune(text, '\n') {
			return r == '\n'
		}
		if strings.ContainsRune(text, ';') {
			return r == ';'
		}
		return r == ','
	}

	parts := strings.FieldsFunc(text, separators)
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items, nil
}

// itemToStringHook flattens objects and lists into strings when a string is expected.
func itemToStringHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}

	switch from.Kind() {
	case reflect.Map:
		m, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		return objectToString(m), nil
	case reflect.Slice:
		items, ok := data.([]any)
		if !ok {
			return data, nil
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if text := strings.TrimSpace(anyToString(item)); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " "), nil
	default:
		return data, nil
	}
}

func isNamedItem(m map[string]any) bool {
	for key := range m {
		normalized := strings.ToLower(strings.TrimSpace(key))
		for _, name := range itemNameKeys {
			if normalized == name {
				return true
			}
		}
	}
	return false
}

func objectToString(m map[string]any) string {
	normalized := make(map[string]any, len(m))
	for key, value := range m {
		normalized[strings.ToLower(strings.TrimSpace(key))] = value
	}

	for _, key := range itemNameKeys {
		if value, ok := normalized[key]; ok {
			if text := strings.TrimSpace(anyToString(value)); text != "" {
				return text
			}
		}
	}

	keys := make([]string, 0, len(normalized))
	for key := range normalized {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if text := strings.TrimSpace(anyToString(normalized[key])); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func anyToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any:
		return objectToString(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if text := strings.TrimSpace(anyToString(item)); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func cleanItems(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = bulletPattern.ReplaceAllString(strings.TrimSpace(item), "")
		item = emphasisPattern.ReplaceAllString(item, "$1$2")
		item = strings.TrimSpace(strings.Trim(item, "*_` "))
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
