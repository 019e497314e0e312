package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all deployment metrics.
type Registry struct {
	// Deployment cycle metrics
	Deployments        *prometheus.CounterVec
	DeploymentDuration *prometheus.HistogramVec
	Rollbacks          prometheus.Counter

	// Rule compilation metrics
	RulesCompiled *prometheus.CounterVec
	CompileErrors prometheus.Counter

	// System metrics
	Uptime prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Deployments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapguard_deployments_total",
		Help: "Total deployment operations by operation and outcome",
	}, []string{"operation", "outcome"})

	r.DeploymentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tapguard_deployment_duration_seconds",
		Help:    "Duration of deployment operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	r.Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapguard_rollbacks_total",
		Help: "Total rollbacks of temporary chains after a failed deployment",
	})

	r.RulesCompiled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapguard_rules_compiled_total",
		Help: "Total rules compiled by layer",
	}, []string{"layer"})

	r.CompileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapguard_compile_errors_total",
		Help: "Total rule compilation failures",
	})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapguard_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	return r
}

// ObserveDeployment records one deployment operation.
func (r *Registry) ObserveDeployment(operation string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.Deployments.WithLabelValues(operation, outcome).Inc()
	r.DeploymentDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRollback records a rollback of temporary chains.
func (r *Registry) RecordRollback() {
	r.Rollbacks.Inc()
}
