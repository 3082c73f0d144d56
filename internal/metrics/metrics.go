// Package metrics provides the Prometheus collectors exposed by the
// mcp-inspect proxy.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	// ConnectionAttemptsTotal counts session connects by transport kind and
	// outcome.
	ConnectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_inspect_connection_attempts_total",
			Help: "Connection attempts",
		},
		[]string{"transport", "result"},
	)

	// SessionsActive tracks connected sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_inspect_sessions_active",
			Help: "Active sessions",
		},
	)

	// MessagesTotal counts tracked JSON-RPC messages by direction.
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_inspect_messages_total",
			Help: "Tracked messages",
		},
		[]string{"direction"},
	)

	// RetriesTotal counts retries scheduled by the connection manager.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_inspect_retries_total",
			Help: "Retries",
		},
		[]string{"operation"},
	)

	// AuthorizationsTotal counts finished OAuth flows by mode and outcome.
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_inspect_authorizations_total",
			Help: "Authorization flows",
		},
		[]string{"mode", "result"},
	)

	// LoggingSyncTotal counts logging level synchronizations by outcome.
	LoggingSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_inspect_logging_sync_total",
			Help: "Logging level synchronizations",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionAttemptsTotal,
		SessionsActive,
		MessagesTotal,
		RetriesTotal,
		AuthorizationsTotal,
		LoggingSyncTotal,
	)
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
