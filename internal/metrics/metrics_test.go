package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	ConnectionAttemptsTotal.WithLabelValues("stdio", ResultSuccess).Inc()
	MessagesTotal.WithLabelValues("request").Inc()
	RetriesTotal.WithLabelValues("connect").Inc()
	AuthorizationsTotal.WithLabelValues("automatic", ResultError).Inc()
	LoggingSyncTotal.WithLabelValues(ResultSuccess).Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	expected := map[string]bool{
		"mcp_inspect_connection_attempts_total": false,
		"mcp_inspect_sessions_active":           false,
		"mcp_inspect_messages_total":            false,
		"mcp_inspect_retries_total":             false,
		"mcp_inspect_authorizations_total":      false,
		"mcp_inspect_logging_sync_total":        false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestSessionsActiveGauge(t *testing.T) {
	before := testutil.ToFloat64(SessionsActive)
	SessionsActive.Inc()
	SessionsActive.Inc()
	SessionsActive.Dec()
	if got := testutil.ToFloat64(SessionsActive) - before; got != 1 {
		t.Errorf("got delta %v, want 1", got)
	}
	SessionsActive.Dec()
}

func TestResult(t *testing.T) {
	if got := Result(nil); got != ResultSuccess {
		t.Errorf("got %q, want %q", got, ResultSuccess)
	}
	if got := Result(errors.New("boom")); got != ResultError {
		t.Errorf("got %q, want %q", got, ResultError)
	}
}
