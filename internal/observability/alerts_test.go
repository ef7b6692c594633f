package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertSpec struct {
	Groups []alertGroup `yaml:"groups"`
}

func TestAlertRules(t *testing.T) {
	path := filepath.Join("..", "..", "deploy", "prometheus", "alerts", "ostrov.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read alert file: %v", err)
	}

	var spec alertSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		t.Fatalf("failed to unmarshal alert file: %v", err)
	}

	if len(spec.Groups) == 0 {
		t.Fatal("expected at least one alert group")
	}

	var group *alertGroup
	for i := range spec.Groups {
		if spec.Groups[i].Name == "ostrov" {
			group = &spec.Groups[i]
			break
		}
	}
	if group == nil {
		t.Fatal("ostrov alert group missing")
	}

	expected := map[string]struct {
		severity string
		runbook  string
		metric   string
	}{
		"HighErrorRate":     {severity: "critical", runbook: "docs/runbook-ops.md#high-error-rate", metric: "ostrov_http_requests_total"},
		"HighLatency":       {severity: "warning", runbook: "docs/runbook-ops.md#high-latency", metric: "ostrov_http_request_duration_seconds_bucket"},
		"BusConsumerErrors": {severity: "warning", runbook: "docs/runbook-ops.md#bus-consumer-errors", metric: "ostrov_bus_messages_total"},
		"CardBalanceDrift":  {severity: "warning", runbook: "docs/runbook-ops.md#card-balance-drift", metric: "ostrov_card_balance_drifts_total"},
	}

	if len(group.Rules) != len(expected) {
		t.Fatalf("expected %d rules, got %d", len(expected), len(group.Rules))
	}

	for _, rule := range group.Rules {
		want, ok := expected[rule.Alert]
		if !ok {
			t.Fatalf("unexpected rule %q", rule.Alert)
		}
		if rule.Labels["severity"] != want.severity {
			t.Fatalf("rule %s severity mismatch: %s", rule.Alert, rule.Labels["severity"])
		}
		if rule.Annotations["runbook"] != want.runbook {
			t.Fatalf("rule %s runbook mismatch: %s", rule.Alert, rule.Annotations["runbook"])
		}
		if rule.Annotations["summary"] == "" || rule.Annotations["description"] == "" {
			t.Fatalf("rule %s must include summary and description annotations", rule.Alert)
		}
		if !strings.Contains(rule.Expr, want.metric) {
			t.Fatalf("rule %s must alert on %s, got expr: %s", rule.Alert, want.metric, rule.Expr)
		}
		if rule.For == "" {
			t.Fatalf("rule %s must define a hold duration", rule.Alert)
		}
	}
}

func TestAlertRunbookAnchorsExist(t *testing.T) {
	runbook, err := os.ReadFile(filepath.Join("..", "..", "docs", "runbook-ops.md"))
	if err != nil {
		t.Fatalf("failed to read runbook: %v", err)
	}

	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "ostrov.yml"))
	if err != nil {
		t.Fatalf("failed to read alert file: %v", err)
	}

	var spec alertSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		t.Fatalf("failed to unmarshal alert file: %v", err)
	}

	text := string(runbook)
	for _, group := range spec.Groups {
		for _, rule := range group.Rules {
			ref := rule.Annotations["runbook"]
			_, anchor, ok := strings.Cut(ref, "#")
			if !ok {
				t.Fatalf("rule %s runbook annotation has no anchor: %s", rule.Alert, ref)
			}
			heading := "## " + strings.ReplaceAll(anchor, "-", " ")
			if !strings.Contains(strings.ToLower(text), heading) {
				t.Fatalf("runbook missing section for %s (want heading %q)", rule.Alert, heading)
			}
		}
	}
}
