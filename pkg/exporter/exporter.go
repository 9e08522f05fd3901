package exporter

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errCollectionFailed is what scrapers get to see when gathering fails. The
// actual cause is only logged.
//
var errCollectionFailed = errors.New("collection failed")

const shutdownTimeout = 5 * time.Second

var landingPage = template.Must(template.New("landing").Parse(`<html>
<head><title>router-exporter</title></head>
<body>
<h1>router-exporter</h1>
<p><a href="{{ . }}">Metrics</a></p>
</body>
</html>
`))

// Exporter is responsible for bringing up a web server that serves the
// metrics of a prometheus gatherer (e.g., a registry where the collector
// from `pkg/collector` has been registered).
//
type Exporter struct {
	// ListenAddress is the full address used by prometheus
	// to listen for scraping requests.
	//
	// Examples:
	// - :8080
	// - 127.0.0.2:1313
	//
	listenAddress string

	// TelemetryPath configures the path under which
	// the prometheus metrics are reported.
	//
	// For instance:
	// - /metrics
	// - /telemetry
	//
	telemetryPath string

	// gatherer is where the metrics served come from.
	//
	gatherer prometheus.Gatherer

	// listener is the TCP listener used by the webserver. `nil` if no
	// server is running.
	//
	listener net.Listener

	log        logr.Logger
	requestLog *zap.Logger
}

// Option.
//
type Option func(e *Exporter)

// WithBindAddress overrides the default `:3000` listen address.
//
func WithBindAddress(v string) Option {
	return func(e *Exporter) {
		e.listenAddress = v
	}
}

// WithTelemetryPath overrides the default `/metrics` path.
//
func WithTelemetryPath(v string) Option {
	return func(e *Exporter) {
		e.telemetryPath = v
	}
}

// WithGatherer overrides the default global prometheus gatherer.
//
func WithGatherer(v prometheus.Gatherer) Option {
	return func(e *Exporter) {
		e.gatherer = v
	}
}

// WithLogger overrides the default development logger, also used for
// logging every request served.
//
func WithLogger(v *zap.Logger) Option {
	return func(e *Exporter) {
		e.log = zapr.NewLogger(v.Named("exporter"))
		e.requestLog = v.Named("http")
	}
}

// New.
//
func New(opts ...Option) (*Exporter, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	e := &Exporter{
		listenAddress: ":3000",
		telemetryPath: "/metrics",
		gatherer:      prometheus.DefaultGatherer,
		log:           zapr.NewLogger(defaultLogger.Named("exporter")),
		requestLog:    defaultLogger.Named("http"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Handler builds the router serving the metrics, a landing page and a
// liveness probe.
//
func (e *Exporter) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(LogMiddleware(e.requestLog))

	router.Get("/", e.landingHandler)
	router.Get("/healthz", healthzHandler)
	router.Handle(e.telemetryPath, promhttp.HandlerFor(
		prometheus.GathererFunc(e.gather),
		promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		},
	))

	return router
}

func (e *Exporter) gather() ([]*dto.MetricFamily, error) {
	families, err := e.gatherer.Gather()
	if err != nil {
		e.log.Error(err, "gather")
		return nil, errCollectionFailed
	}

	return families, nil
}

func (e *Exporter) landingHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := landingPage.Execute(w, e.telemetryPath); err != nil {
		e.log.Error(err, "landing page")
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Run initiates the HTTP server to serve the metrics.
//
// ps.: this is a BLOCKING method - make sure you either make use of goroutines
// to not block if needed. It returns once `ctx` is done (after gracefully
// shutting the server down) or the server fails.
//
func (e *Exporter) Run(ctx context.Context) error {
	if e.listener == nil {
		if err := e.Listen(); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	server := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.log.WithValues(
			"addr", e.listener.Addr().String(),
			"path", e.telemetryPath,
		).Info("listening")

		err := server.Serve(e.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf(
				"failed listening on address %s: %w",
				e.listenAddress, err,
			)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		e.log.Info("shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}

	return nil
}

// Listen binds the listen address without serving anything yet. `Run` calls
// it if it hasn't been called before.
//
func (e *Exporter) Listen() error {
	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return fmt.Errorf("listen on '%s': %w", e.listenAddress, err)
	}

	e.listener = listener

	return nil
}

// Addr is the address the server is listening on, `nil` if not running.
//
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Close gracefully closes the tcp listener associated with it.
//
func (e *Exporter) Close() (err error) {
	if e.listener == nil {
		return nil
	}

	e.log.Info("closing")
	if err := e.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}
