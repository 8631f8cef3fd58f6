package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus instruments on a private
// registry so tests can run servers side by side.
type metrics struct {
	registry *prometheus.Registry

	sessionsOpened  prometheus.Counter
	sessionsExpired prometheus.Counter
	framesIn        prometheus.Counter
	framesOut       prometheus.Counter
	frameErrors     prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &metrics{
		registry: reg,
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fathom_sessions_opened_total",
			Help: "Sessions accepted over the websocket endpoint.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fathom_sessions_expired_total",
			Help: "Sessions downgraded after the idle timeout.",
		}),
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fathom_frames_in_total",
			Help: "Client frames received.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fathom_frames_out_total",
			Help: "Server frames written.",
		}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fathom_frame_errors_total",
			Help: "Frames rejected for decode or size errors.",
		}),
	}
	reg.MustRegister(m.sessionsOpened, m.sessionsExpired, m.framesIn, m.framesOut, m.frameErrors)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
