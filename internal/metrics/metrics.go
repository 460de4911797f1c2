// Package metrics collects session and registration counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Recorder is what the session controller and the registration flows report to.
type Recorder interface {
	RecordLogin(outcome string)
	RecordRestore(source string)
	RecordCorrectiveSignOut()
	RecordRegistration(role, outcome string)
	Resolved(source string)
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordLogin(string)                {}
func (Nop) RecordRestore(string)              {}
func (Nop) RecordCorrectiveSignOut()          {}
func (Nop) RecordRegistration(string, string) {}
func (Nop) Resolved(string)                   {}

// Collector is the Prometheus Recorder.
type Collector struct {
	logins         *prometheus.CounterVec
	restores       *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	correctiveOuts prometheus.Counter
	registrations  *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxi_session_logins_total",
			Help: "Explicit logins by outcome.",
		}, []string{"outcome"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxi_session_restores_total",
			Help: "Passive session restores by source.",
		}, []string{"source"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxi_session_resolutions_total",
			Help: "Profile resolutions by collection.",
		}, []string{"collection"}),
		correctiveOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taxi_session_corrective_signouts_total",
			Help: "Sign-outs forced by a failed passive restore.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxi_registrations_total",
			Help: "Registrations by role and outcome.",
		}, []string{"role", "outcome"}),
	}

	reg.MustRegister(c.logins, c.restores, c.resolutions, c.correctiveOuts, c.registrations)
	return c
}

func (c *Collector) RecordLogin(outcome string)  { c.logins.WithLabelValues(outcome).Inc() }
func (c *Collector) RecordRestore(source string) { c.restores.WithLabelValues(source).Inc() }
func (c *Collector) RecordCorrectiveSignOut()    { c.correctiveOuts.Inc() }
func (c *Collector) Resolved(source string)      { c.resolutions.WithLabelValues(source).Inc() }

func (c *Collector) RecordRegistration(role, outcome string) {
	c.registrations.WithLabelValues(role, outcome).Inc()
}

// Router serves /metrics from gatherer and a /healthz liveness check.
func Router(gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, Recover(log), Logging(log))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
