package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/shar-workflow/taskflow/client/parser"
	"gitlab.com/shar-workflow/taskflow/common/authz"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/common/version"
	"gitlab.com/shar-workflow/taskflow/internal/server/messaging"
	"gitlab.com/shar-workflow/taskflow/internal/server/workflow"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/config"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"
	"gitlab.com/shar-workflow/taskflow/server/server/option"
	"gitlab.com/shar-workflow/taskflow/server/services/storage"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpcHealth "google.golang.org/grpc/health/grpc_health_v1"
)

// SystemPrincipal owns models loaded on startup that name no owner.
const SystemPrincipal model.Principal = "system"

// ShutdownTimeout bounds a graceful shutdown after a signal.
const ShutdownTimeout = 30 * time.Second

// The following variables are set by -ldflags at build time.
var (
	VersionTag string
	CommitHash string
	BuildDate  string
)

// Server hosts the taskflow engine together with its health and metrics endpoints.
type Server struct {
	opts       option.ServerOptions
	sig        chan os.Signal
	errs       chan error
	health     *health.Server
	grpcServer *gogrpc.Server
	grpcLis    net.Listener
	metricsSrv *http.Server
	metricsLis net.Listener
	registry   *prometheus.Registry
	conn       *nats.Conn
	gateway    *messaging.Gateway
	engine     *workflow.Engine
	tp         *sdktrace.TracerProvider
	tr         trace.Tracer
	closeStore func() error
	models     map[string]int64

	shutdown    sync.Once
	shutdownErr error
}

// New creates a new taskflow server.
func New(options ...option.Option) *Server {
	s := &Server{
		opts: option.ServerOptions{
			NatsURL:              nats.DefaultURL,
			Store:                config.StoreMemory,
			Transport:            config.TransportNats,
			RequestTimeout:       30 * time.Second,
			Concurrency:          messaging.DefaultConcurrency,
			NotifyBuffer:         messaging.DefaultNotifyBuffer,
			HealthServiceEnabled: true,
			GrpcPort:             50000,
			MetricsEnabled:       true,
			MetricsPort:          9090,
		},
		sig:      make(chan os.Signal, 10),
		errs:     make(chan error, 2),
		health:   health.NewServer(),
		registry: prometheus.NewRegistry(),
		models:   make(map[string]int64),
	}
	for _, i := range options {
		i.Configure(&s.opts)
	}
	if s.opts.Authorizer == nil {
		s.opts.Authorizer = authz.AllowAll()
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if s.opts.ShowSplash {
		s.Details()
	}
	return s
}

// Details prints the details to stdout of the current taskflow server.
func (s *Server) Details() {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"TASKFLOW SERVER CONFIGURATION", "VALUE"})
	t.Style().Options.SeparateRows = true
	t.AppendRows([]table.Row{
		{"Version           ", version.Version},
		{"Build Time        ", BuildDate},
		{"Commit SHA        ", CommitHash},
		{"Nats URL          ", s.opts.NatsURL},
		{"Nats Min Version  ", version.NatsVersion},
		{"Store             ", s.opts.Store},
		{"Store Path        ", s.opts.StorePath},
		{"Transport         ", s.opts.Transport},
		{"Concurrency       ", s.opts.Concurrency},
		{"Grpc Port         ", s.opts.GrpcPort},
		{"Metrics Port      ", s.opts.MetricsPort},
		{"Telemetry Endpoint", s.opts.TelemetryEndpoint},
		{"Models            ", len(s.opts.Models)},
	}, table.RowConfig{AutoMerge: false})
	t.AppendSeparator()
	t.Render()
}

// Listen starts the server and blocks until SIGTERM, SIGINT or a fatal error, then shuts down.
func (s *Server) Listen() error {
	ctx := context.Background()
	signal.Notify(s.sig, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(s.sig)

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	var runErr error
	select {
	case runErr = <-s.errs:
		slog.Error("fatal error", "error", runErr)
	case <-s.sig:
	}
	sctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	return multierr.Append(runErr, s.Shutdown(sctx))
}

// Start brings up telemetry, the health server, storage, the engine and the metrics endpoint,
// loads the configured models and finally attaches the transport.
// A failed start releases whatever was already acquired.
func (s *Server) Start(ctx context.Context) (err error) {
	ctx, log := logx.ContextWith(ctx, "server")
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Shutdown(context.Background()))
		}
	}()

	s.setupTelemetry()

	if s.opts.HealthServiceEnabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.GrpcPort))
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		s.grpcLis = lis
		s.grpcServer = gogrpc.NewServer()
		s.health.SetServingStatus("", grpcHealth.HealthCheckResponse_NOT_SERVING)
		grpcHealth.RegisterHealthServer(s.grpcServer, s.health)
		go func() {
			if err := s.grpcServer.Serve(lis); err != nil {
				s.fatal(fmt.Errorf("grpc health server: %w", err))
			}
		}()
		log.Info("grpc health started", slog.String("addr", lis.Addr().String()))
	}

	if s.needsNats() {
		conn, err := s.ConnectNats(ctx)
		if err != nil {
			return err
		}
		s.conn = conn
	}

	gw, err := messaging.New(ctx,
		messaging.WithConcurrency(s.opts.Concurrency),
		messaging.WithNotifyBuffer(s.opts.NotifyBuffer),
		messaging.WithRegisterer(s.registry),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	s.gateway = gw

	models, instances, nodes, err := s.backends(ctx)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}

	var storeOpts []storage.Option
	if s.opts.CacheSize > 0 {
		storeOpts = append(storeOpts, storage.WithCacheSize(s.opts.CacheSize))
	}
	eng, err := workflow.New(ctx,
		workflow.WithBackends(models, instances, nodes),
		workflow.WithStoreOptions(storeOpts...),
		workflow.WithGateway(gw),
		workflow.WithAuthorizer(s.opts.Authorizer),
		workflow.WithRegisterer(s.registry),
		workflow.WithTracer(s.tr),
	)
	if err != nil {
		return multierr.Combine(fmt.Errorf("create engine: %w", err), models.Close(), instances.Close(), nodes.Close())
	}
	s.engine = eng

	if err := s.loadModels(ctx); err != nil {
		return err
	}
	if t := s.transport(); t != nil {
		if err := gw.AttachTransport(ctx, t); err != nil {
			return fmt.Errorf("attach %s transport: %w", s.opts.Transport, err)
		}
	}

	if s.opts.MetricsEnabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.MetricsPort))
		if err != nil {
			return fmt.Errorf("listen metrics: %w", err)
		}
		s.metricsLis = lis
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metricsSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.fatal(fmt.Errorf("metrics server: %w", err))
			}
		}()
		log.Info("metrics started", slog.String("addr", lis.Addr().String()))
	}

	s.health.SetServingStatus("", grpcHealth.HealthCheckResponse_SERVING)
	log.Info("taskflow server started", slog.String("store", s.opts.Store), slog.String("transport", s.opts.Transport))
	return nil
}

func (s *Server) fatal(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Server) needsNats() bool {
	return s.opts.Store == config.StoreNats || s.opts.Transport == config.TransportNats
}

func (s *Server) setupTelemetry() {
	traceName := "taskflow"
	switch s.opts.TelemetryEndpoint {
	case "console":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("create stdouttrace exporter", "error", err)
			otel.SetTracerProvider(noop.NewTracerProvider())
			break
		}
		s.tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
		)
		otel.SetTracerProvider(s.tp)
	default:
		otel.SetTracerProvider(noop.NewTracerProvider())
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})
	s.tr = otel.GetTracerProvider().Tracer(traceName, trace.WithInstrumentationVersion(version.Version))
}

// ConnectNats establishes a connection to the NATS server and checks that its version is supported.
func (s *Server) ConnectNats(ctx context.Context) (*nats.Conn, error) {
	log := logx.FromContext(ctx)
	conn, err := nats.Connect(s.opts.NatsURL, s.opts.NatsConnOptions...)
	if err != nil {
		log.Error("connect to NATS", "error", err, slog.String("url", s.opts.NatsURL))
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	ok, err := version.Compatible(version.NatsVersion, conn.ConnectedServerVersion())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("check NATS version: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("NATS server version %s is older than the minimum %s", conn.ConnectedServerVersion(), version.NatsVersion)
	}
	return conn, nil
}

// backends opens the model, process instance and node instance backends of the configured store kind.
func (s *Server) backends(ctx context.Context) (models, instances, nodes storage.Backend, err error) {
	names := [3]string{"models", "instances", "nodes"}
	var ret [3]storage.Backend
	defer func() {
		if err == nil {
			return
		}
		for _, b := range ret {
			if b != nil {
				_ = b.Close()
			}
		}
	}()

	switch s.opts.Store {
	case config.StoreMemory:
		for i := range ret {
			ret[i] = storage.NewMemoryBackend()
		}
	case config.StoreBolt:
		db, err := bbolt.Open(s.opts.StorePath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open bolt database %s: %w", s.opts.StorePath, err)
		}
		s.closeStore = db.Close
		for i, name := range names {
			b, err := storage.NewBoltBackendFromDB(ctx, db, name)
			if err != nil {
				return nil, nil, nil, err
			}
			ret[i] = b
		}
	case config.StoreSQLite:
		for i, name := range names {
			b, err := storage.NewSQLiteBackend(s.opts.StorePath, name)
			if err != nil {
				return nil, nil, nil, err
			}
			ret[i] = b
		}
	case config.StoreNats:
		js, err := jetstream.New(s.conn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to JetStream: %w", err)
		}
		st := jetstream.FileStorage
		if s.opts.Ephemeral {
			st = jetstream.MemoryStorage
		}
		for i, name := range names {
			b, err := storage.NewNatsBackend(ctx, js, "taskflow_"+name, st)
			if err != nil {
				return nil, nil, nil, err
			}
			ret[i] = b
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown store kind %q", s.opts.Store)
	}
	return ret[0], ret[1], ret[2], nil
}

func (s *Server) transport() messaging.Transport {
	switch s.opts.Transport {
	case config.TransportNats:
		return messaging.NewNatsTransport(s.conn, "", s.opts.RequestTimeout)
	case config.TransportHTTP:
		return messaging.NewHTTPTransport(&http.Client{Timeout: s.opts.RequestTimeout})
	}
	return nil
}

// loadModels parses each configured model document, registers its endpoints and publishes its process.
func (s *Server) loadModels(ctx context.Context) error {
	log := logx.FromContext(ctx)
	for _, path := range s.opts.Models {
		doc, err := parser.ParseFile(path)
		if err != nil {
			return fmt.Errorf("load model %s: %w", path, err)
		}
		for _, ep := range doc.Endpoints {
			if err := s.gateway.RegisterEndpoint(ctx, ep); err != nil {
				return fmt.Errorf("load model %s: %w", path, err)
			}
		}
		owner := doc.Process.Owner
		if owner == "" {
			owner = SystemPrincipal
		}
		h, err := s.engine.AddModel(ctx, doc.Process, owner)
		if err != nil {
			return fmt.Errorf("load model %s: %w", path, err)
		}
		s.models[doc.Process.Name] = h
		log.Info("loaded model", slog.String(keys.ModelName, doc.Process.Name), slog.Int64(keys.ModelHandle, h))
	}
	return nil
}

// Shutdown stops serving health and metrics, closes the gateway and engine, then releases storage,
// the NATS connection and the tracer provider.  Only the first call has any effect.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.health.Shutdown()
		var err error
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
			slog.Info("grpc health stopped")
		}
		if s.metricsSrv != nil {
			err = multierr.Append(err, s.metricsSrv.Shutdown(ctx))
		}
		if s.gateway != nil {
			err = multierr.Append(err, s.gateway.Close(ctx))
		}
		if s.engine != nil {
			err = multierr.Append(err, s.engine.Close(ctx))
		}
		if s.closeStore != nil {
			err = multierr.Append(err, s.closeStore())
		}
		if s.conn != nil {
			err = multierr.Append(err, s.conn.Drain())
		}
		if s.tp != nil {
			err = multierr.Append(err, s.tp.Shutdown(ctx))
		}
		s.shutdownErr = err
	})
	return s.shutdownErr
}

// Engine returns the hosted engine.  It is nil until Start succeeds.
func (s *Server) Engine() *workflow.Engine {
	return s.engine
}

// Model returns the handle of a model loaded on startup.
func (s *Server) Model(name string) (int64, bool) {
	h, ok := s.models[name]
	return h, ok
}

// GrpcAddr returns the address the health server listens on, or an empty string when it is disabled.
func (s *Server) GrpcAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// MetricsAddr returns the address metrics are served on, or an empty string when disabled.
func (s *Server) MetricsAddr() string {
	if s.metricsLis == nil {
		return ""
	}
	return s.metricsLis.Addr().String()
}

// Ready returns true if the taskflow server is serving.
func (s *Server) Ready() bool {
	res, err := s.health.Check(context.Background(), &grpcHealth.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return res.Status == grpcHealth.HealthCheckResponse_SERVING
}
