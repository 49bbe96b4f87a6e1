package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.AddressesScored.WithLabelValues("ok").Inc()
	m.AddressesScored.WithLabelValues("ok").Inc()
	m.AlertsEmitted.WithLabelValues("critical").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[mf.GetName()] += c.GetValue()
			}
		}
	}
	if got := values["test_scoring_addresses_scored_total"]; got != 2 {
		t.Fatalf("expected 2 scored, got %f", got)
	}
	if got := values["test_watchlist_alerts_emitted_total"]; got != 1 {
		t.Fatalf("expected 1 alert, got %f", got)
	}

	// A second set on a fresh registry must not collide.
	NewMetrics("test", prometheus.NewRegistry())
}
