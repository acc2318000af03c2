// Package metric is the shared prometheus registry component.
// Other components look it up by name and register their collectors;
// serving the registry over HTTP is optional and config-driven.
package metric

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/murmur-chat/epochs/app"
	"github.com/murmur-chat/epochs/app/logger"
)

const CName = "epochs.metric"

var log = logger.NewNamed(CName)

type Config struct {
	Addr string `yaml:"addr"`
}

type configSource interface {
	GetMetric() Config
}

func New() Metric {
	return new(metric)
}

type Metric interface {
	Registry() *prometheus.Registry
	app.ComponentRunnable
}

type metric struct {
	registry *prometheus.Registry
	config   Config
	server   *http.Server
}

func (m *metric) Init(a *app.App) (err error) {
	m.registry = prometheus.NewRegistry()
	if cs, ok := a.Component("config").(configSource); ok {
		m.config = cs.GetMetric()
	}
	return nil
}

func (m *metric) Name() string {
	return CName
}

func (m *metric) Registry() *prometheus.Registry {
	return m.registry
}

func (m *metric) Run(ctx context.Context) (err error) {
	if err = m.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if m.config.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: m.config.Addr, Handler: mux}
	go func() {
		if e := m.server.ListenAndServe(); e != nil && e != http.ErrServerClosed {
			log.Error("metric server stopped", zap.Error(e))
		}
	}()
	log.Info("metrics served", zap.String("addr", m.config.Addr))
	return nil
}

func (m *metric) Close(ctx context.Context) (err error) {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}
