package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eth2030/blockpipe/log"
)

// ExporterConfig configures the Prometheus HTTP exporter.
type ExporterConfig struct {
	// ListenAddr is the host:port the exporter binds to.
	ListenAddr string
	// Path is the HTTP path metrics are served on (default "/metrics").
	Path string
	// EnableRuntime registers Go runtime and process collectors.
	EnableRuntime bool
}

// Exporter serves a Prometheus registry over HTTP.
type Exporter struct {
	config   ExporterConfig
	registry *stdprometheus.Registry
	server   *http.Server
	log      *log.Logger
}

// NewExporter creates an exporter over a fresh registry. Pipeline metrics
// are registered on Registry() by PrometheusMetrics.
func NewExporter(config ExporterConfig, logger *log.Logger) *Exporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	reg := stdprometheus.NewRegistry()
	if config.EnableRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return &Exporter{config: config, registry: reg, log: logger.Module("metrics")}
}

// Registry returns the registry scraped by the exporter.
func (e *Exporter) Registry() *stdprometheus.Registry { return e.registry }

// Handler returns the HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Start binds the listener and serves in the background.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(e.config.Path, e.Handler())
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server stopped", "err", err)
		}
	}()
	e.log.Info("metrics exporter started", "addr", ln.Addr().String(), "path", e.config.Path)
	return nil
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	return e.server.Shutdown(ctx)
}
