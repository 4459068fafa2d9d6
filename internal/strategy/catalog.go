package strategy

import (
	"sort"
	"strings"
)

// Catalog holds static strategies by business type.
type Catalog struct {
	entries  map[string]catalogEntry
	fallback Strategy
}

type catalogEntry struct {
	name     string
	strategy Strategy
}

// DefaultStrategy is answered for business types the catalog does not know.
var DefaultStrategy = Strategy{
	KPIs:   []string{"Custom KPI 1", "Custom KPI 2"},
	Tools:  []string{"Tool A", "Tool B"},
	Advice: "Analyze your user funnel and retention weekly.",
}

// BuiltinStrategies are the catalog entries available without configuration.
func BuiltinStrategies() map[string]Strategy {
	return map[string]Strategy{
		"E-commerce": {
			KPIs:   []string{"Conversion Rate", "Cart Abandonment", "Revenue"},
			Tools:  []string{"Google Analytics", "Looker", "Hotjar"},
			Advice: "Track user journey and optimize product pages weekly.",
		},
		"SaaS": {
			KPIs:   []string{"Churn Rate", "Monthly Recurring Revenue", "LTV"},
			Tools:  []string{"ChartMogul", "Mixpanel", "Segment"},
			Advice: "Focus on onboarding funnel and user engagement metrics.",
		},
	}
}

// NewCatalog builds a catalog from the built-in entries, with extra entries
// added or overriding built-ins by case-insensitive name.
func NewCatalog(extra map[string]Strategy) *Catalog {
	c := &Catalog{
		entries:  make(map[string]catalogEntry),
		fallback: DefaultStrategy.Clone(),
	}
	for name, s := range BuiltinStrategies() {
		c.set(name, s)
	}
	for name, s := range extra {
		c.set(name, s)
	}
	return c
}

func (c *Catalog) set(name string, s Strategy) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	c.entries[catalogKey(name)] = catalogEntry{name: name, strategy: s.Clone()}
}

// Lookup returns the strategy for the business type and whether it was found.
// Unknown types get a copy of the default strategy.
func (c *Catalog) Lookup(businessType string) (Strategy, bool) {
	if entry, ok := c.entries[catalogKey(businessType)]; ok {
		return entry.strategy.Clone(), true
	}
	return c.fallback.Clone(), false
}

// Names returns the catalog entry names sorted alphabetically.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, entry := range c.entries {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

func catalogKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
