package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// groupStates are the values of the group_state gauge
var groupStates = []string{"INITIAL", "RUNNING", "PAUSED", "EXHAUSTED", "CLEARING", "RETURNING", "FINISHED"}

// Metrics exports supervisor activity to Prometheus. It implements
// runner.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	launched    *prometheus.CounterVec
	completed   *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
	roleRuntime *prometheus.HistogramVec
	state       *prometheus.GaugeVec
	finished    *prometheus.CounterVec
	groupRun    *prometheus.HistogramVec
	hostCPU     *prometheus.GaugeVec
	hostMemory  *prometheus.GaugeVec
	processCPU  *prometheus.GaugeVec
	processRSS  *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		launched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groupd_role_launches_total",
			Help: "Total number of role processes launched",
		}, []string{"group", "role"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groupd_role_completions_total",
			Help: "Total number of role process completions by outcome",
		}, []string{"group", "role", "outcome"}),
		exhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groupd_role_exhaustions_total",
			Help: "Total number of roles that ran out of restarts",
		}, []string{"group", "role"}),
		roleRuntime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupd_role_runtime_seconds",
			Help:    "Run time of role processes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"group", "role"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupd_group_state",
			Help: "Current group state, 1 for the active state",
		}, []string{"group", "state"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groupd_group_runs_total",
			Help: "Total number of finished group runs by result",
		}, []string{"group", "result"}),
		groupRun: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupd_group_run_seconds",
			Help:    "Duration of group runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"group"}),
		hostCPU: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupd_host_cpu_percent",
			Help: "Host CPU usage sampled next to the group",
		}, []string{"group"}),
		hostMemory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupd_host_memory_percent",
			Help: "Host memory usage sampled next to the group",
		}, []string{"group"}),
		processCPU: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupd_role_cpu_percent",
			Help: "CPU usage of running role processes",
		}, []string{"group", "role"}),
		processRSS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupd_role_memory_rss_bytes",
			Help: "Resident memory of running role processes",
		}, []string{"group", "role"}),
	}
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RoleLaunched(group, role string) {
	m.launched.WithLabelValues(group, role).Inc()
}

func (m *Metrics) RoleCompleted(group, role string, faulted bool, ran time.Duration) {
	outcome := "value"
	if faulted {
		outcome = "fault"
	}
	m.completed.WithLabelValues(group, role, outcome).Inc()
	if ran > 0 {
		m.roleRuntime.WithLabelValues(group, role).Observe(ran.Seconds())
	}
}

func (m *Metrics) RoleExhausted(group, role string) {
	m.exhausted.WithLabelValues(group, role).Inc()
}

func (m *Metrics) StateChanged(group string, state string) {
	for _, s := range groupStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.WithLabelValues(group, s).Set(value)
	}
}

func (m *Metrics) GroupFinished(group string, result string, ran time.Duration) {
	m.finished.WithLabelValues(group, result).Inc()
	if ran > 0 {
		m.groupRun.WithLabelValues(group).Observe(ran.Seconds())
	}
}

// ObserveHost records a resource sample
func (m *Metrics) ObserveHost(group string, cpu, memory float64) {
	m.hostCPU.WithLabelValues(group).Set(cpu)
	m.hostMemory.WithLabelValues(group).Set(memory)
}

// ObserveProcess records the usage of a role process
func (m *Metrics) ObserveProcess(group, role string, cpu float64, rss uint64) {
	m.processCPU.WithLabelValues(group, role).Set(cpu)
	m.processRSS.WithLabelValues(group, role).Set(float64(rss))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
