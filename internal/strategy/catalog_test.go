package strategy

import (
	"reflect"
	"testing"
)

func TestCatalogLookup(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog(nil)

	tests := []struct {
		name      string
		input     string
		found     bool
		firstKPI  string
		firstTool string
	}{
		{name: "exact", input: "SaaS", found: true, firstKPI: "Churn Rate", firstTool: "ChartMogul"},
		{name: "case insensitive", input: "  e-COMMERCE ", found: true, firstKPI: "Conversion Rate", firstTool: "Google Analytics"},
		{name: "unknown falls back", input: "Bakery", found: false, firstKPI: "Custom KPI 1", firstTool: "Tool A"},
		{name: "empty falls back", input: "", found: false, firstKPI: "Custom KPI 1", firstTool: "Tool A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, found := catalog.Lookup(tt.input)
			if found != tt.found {
				t.Fatalf("expected found=%v, got %v", tt.found, found)
			}
			if got.KPIs[0] != tt.firstKPI {
				t.Fatalf("expected first kpi %q, got %q", tt.firstKPI, got.KPIs[0])
			}
			if got.Tools[0] != tt.firstTool {
				t.Fatalf("expected first tool %q, got %q", tt.firstTool, got.Tools[0])
			}
			if got.Advice == "" {
				t.Fatalf("expected advice to be set")
			}
		})
	}
}

func TestCatalogLookupReturnsCopies(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog(nil)

	first, _ := catalog.Lookup("SaaS")
	first.KPIs[0] = "mutated"

	second, _ := catalog.Lookup("SaaS")
	if second.KPIs[0] != "Churn Rate" {
		t.Fatalf("catalog entry was mutated: %+v", second.KPIs)
	}

	fallback, _ := catalog.Lookup("nope")
	fallback.Tools[0] = "mutated"
	if DefaultStrategy.Tools[0] != "Tool A" {
		t.Fatalf("default strategy was mutated: %+v", DefaultStrategy.Tools)
	}
}

func TestCatalogExtraEntries(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog(map[string]Strategy{
		"saas":    {KPIs: []string{"NRR"}, Tools: []string{"Baremetrics"}, Advice: "Watch expansion revenue."},
		"Fintech": {KPIs: []string{"Fraud Rate"}},
		"   ":     {KPIs: []string{"ignored"}},
	})

	got, found := catalog.Lookup("SaaS")
	if !found || got.KPIs[0] != "NRR" {
		t.Fatalf("expected override for SaaS, got %+v (found=%v)", got, found)
	}

	expected := []string{"E-commerce", "Fintech", "saas"}
	if names := catalog.Names(); !reflect.DeepEqual(names, expected) {
		t.Fatalf("unexpected names: %v", names)
	}
}
