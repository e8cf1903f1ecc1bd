// Package metrics collects and exposes Prometheus metrics for smtpfd.
package metrics

import (
	"bytes"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"

	"github.com/smtpfd/smtpfd/internal/events"
)

// Collector holds all smtpfd-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Child process metrics.
	FilterSpawnTotal      *prometheus.CounterVec
	FilterSpawnErrorTotal *prometheus.CounterVec
	ProcessExitTotal      *prometheus.CounterVec
	ProcessRSS            *prometheus.GaugeVec

	// Parent process metrics.
	Uptime                 prometheus.Gauge
	Filters                *prometheus.GaugeVec
	Verbosity              prometheus.Gauge
	ConfigReloadTotal      prometheus.Counter
	ConfigReloadErrorTotal prometheus.Counter
	ControlRequestsTotal   *prometheus.CounterVec
	BuildInfo              *prometheus.GaugeVec
}

// New creates and registers all smtpfd metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		FilterSpawnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpfd_filter_spawn_total",
				Help: "Total number of filter processes started.",
			},
			[]string{"filter"},
		),

		FilterSpawnErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpfd_filter_spawn_errors_total",
				Help: "Total number of filter processes that could not be executed.",
			},
			[]string{"filter"},
		),

		ProcessExitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpfd_process_exit_total",
				Help: "Total number of reaped child processes.",
			},
			[]string{"role", "abnormal"},
		),

		ProcessRSS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpfd_process_resident_memory_bytes",
				Help: "Resident set size of a long-lived child process.",
			},
			[]string{"role"},
		),

		Uptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smtpfd_uptime_seconds",
				Help: "Uptime of the smtpfd parent process in seconds.",
			},
		),

		Filters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpfd_config_entries",
				Help: "Number of configured entries per kind.",
			},
			[]string{"kind"},
		),

		Verbosity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smtpfd_log_verbosity",
				Help: "Current log verbosity of the parent process.",
			},
		),

		ConfigReloadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smtpfd_config_reload_total",
				Help: "Total number of config reloads.",
			},
		),

		ConfigReloadErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smtpfd_config_reload_errors_total",
				Help: "Total number of failed config reloads.",
			},
		),

		ControlRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpfd_control_requests_total",
				Help: "Total number of control requests relayed by the frontend.",
			},
			[]string{"type"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpfd_info",
				Help: "Build information about smtpfd.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.FilterSpawnTotal,
		c.FilterSpawnErrorTotal,
		c.ProcessExitTotal,
		c.ProcessRSS,
		c.Uptime,
		c.Filters,
		c.Verbosity,
		c.ConfigReloadTotal,
		c.ConfigReloadErrorTotal,
		c.ControlRequestsTotal,
		c.BuildInfo,
	)

	return c
}

// Text gathers the registry and renders it in the text exposition format.
func (c *Collector) Text() ([]byte, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Subscribe feeds the collector from bus events.
func (c *Collector) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.SupervisorStateRunning, func(e events.Event) {
		c.setCount("filter", e.Data["filters"])
		c.setCount("chain", e.Data["chains"])
	})
	bus.Subscribe(events.ConfigReloaded, func(e events.Event) {
		c.ConfigReloadTotal.Inc()
		c.setCount("filter", e.Data["filters"])
		c.setCount("chain", e.Data["chains"])
	})
	bus.Subscribe(events.ConfigReloadFailed, func(events.Event) {
		c.ConfigReloadErrorTotal.Inc()
	})
	bus.Subscribe(events.FilterSpawned, func(e events.Event) {
		c.FilterSpawnTotal.WithLabelValues(e.Data["filter"]).Inc()
	})
	bus.Subscribe(events.FilterSpawnFailed, func(e events.Event) {
		c.FilterSpawnErrorTotal.WithLabelValues(e.Data["filter"]).Inc()
	})
	bus.Subscribe(events.ProcessExited, func(e events.Event) {
		c.ProcessExitTotal.WithLabelValues(e.Data["role"], e.Data["abnormal"]).Inc()
	})
	bus.Subscribe(events.VerbosityChanged, func(e events.Event) {
		if n, err := strconv.Atoi(e.Data["verbose"]); err == nil {
			c.Verbosity.Set(float64(n))
		}
	})
	bus.Subscribe(events.ControlRequest, func(e events.Event) {
		c.ControlRequestsTotal.WithLabelValues(e.Data["type"]).Inc()
	})
}

func (c *Collector) setCount(kind, value string) {
	if n, err := strconv.Atoi(value); err == nil {
		c.Filters.WithLabelValues(kind).Set(float64(n))
	}
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetUptime sets the parent uptime gauge.
func (c *Collector) SetUptime(seconds float64) {
	c.Uptime.Set(seconds)
}

// SetProcessRSS records the resident size of a child.
func (c *Collector) SetProcessRSS(role string, bytes uint64) {
	c.ProcessRSS.WithLabelValues(role).Set(float64(bytes))
}
