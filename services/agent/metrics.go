package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"madrasa/pkg/notify"
)

// Metrics exposes the agent's operational counters.
type Metrics struct {
	connState             prometheus.Gauge
	notificationsReceived prometheus.Counter
	refreshAttempts       prometheus.Counter
	refreshFailures       prometheus.Counter
}

// NewMetrics registers the agent metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "madrasa_agent_ws_connection_state",
			Help: "Notification websocket state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		notificationsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "madrasa_agent_notifications_received_total",
			Help: "Notifications received on the live channel.",
		}),
		refreshAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "madrasa_agent_token_refresh_attempts_total",
			Help: "Token refresh network attempts.",
		}),
		refreshFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "madrasa_agent_token_refresh_failures_total",
			Help: "Token refresh attempts that failed.",
		}),
	}
}

// ObserveRefresh records one refresh attempt and its outcome.
func (m *Metrics) ObserveRefresh(err error) {
	m.refreshAttempts.Inc()
	if err != nil {
		m.refreshFailures.Inc()
	}
}

// SetConnectionState mirrors the channel state into the gauge.
func (m *Metrics) SetConnectionState(state notify.State) {
	m.connState.Set(float64(state))
}

// NotificationReceived counts one pushed notification.
func (m *Metrics) NotificationReceived() {
	m.notificationsReceived.Inc()
}
