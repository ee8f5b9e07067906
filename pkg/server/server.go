package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adfharrison1/collwrite/pkg/api"
	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/recovery"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/adfharrison1/collwrite/pkg/writepath"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Server owns the write path services and the HTTP router in front of them.
type Server struct {
	cfg Config

	router      *mux.Router
	registry    *prometheus.Registry
	metrics     *metrics.Prometheus
	catalog     *catalog.Catalog
	locks       *lock.Manager
	oplog       *repl.OplogStore
	slots       *repl.SlotReserver
	engine      *writepath.Engine
	checkpoints *recovery.CheckpointManager
	recovered   recovery.Result
}

// Open builds the services, recovers the catalog from the data directory
// and registers the routes. Without a data directory everything is kept in
// memory and nothing is recovered.
func Open(ctx context.Context, opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Logger = logging.OrNoop(cfg.Logger)

	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector())
	s.metrics = metrics.NewPrometheus(s.registry)

	storeOpts := []repl.StoreOption{repl.WithDurability(cfg.Durability), repl.WithLogger(cfg.Logger)}
	oplogDir := "oplog"
	if cfg.DataDir == "" {
		storeOpts = append(storeOpts, repl.WithDurability(repl.DurabilityMemory))
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create data directory %s", cfg.DataDir)
		}
		oplogDir = filepath.Join(cfg.DataDir, "oplog")
	}
	oplog, err := repl.OpenOplogStore(oplogDir, storeOpts...)
	if err != nil {
		return nil, err
	}
	s.oplog = oplog

	resources := lock.NewResourceCatalog()
	s.locks = lock.NewManager(resources)
	s.slots = repl.NewSlotReserver()
	observer := repl.NewOpObserver(s.oplog, s.slots, cfg.Logger)
	s.catalog = catalog.New(resources, cfg.Logger)
	s.catalog.SetObserver(observer)
	s.engine = writepath.NewEngine(
		writepath.WithOpObserver(observer),
		writepath.WithSlotReserver(s.slots),
		writepath.WithLogger(cfg.Logger),
		writepath.WithMetrics(s.metrics),
	)

	if cfg.DataDir != "" {
		checkpointDir := filepath.Join(cfg.DataDir, "checkpoints")
		applier := repl.NewApplier(s.catalog, s.engine, s.locks, cfg.Logger)
		res, err := recovery.NewRecoveryManager(checkpointDir, s.catalog, s.oplog, applier, s.slots, cfg.Logger).Recover(ctx)
		if err != nil {
			_ = s.oplog.Close()
			return nil, err
		}
		s.recovered = res
		s.checkpoints = recovery.NewCheckpointManager(checkpointDir, s.catalog, s.oplog, s.locks,
			recovery.WithInterval(cfg.CheckpointInterval),
			recovery.WithRetention(cfg.CheckpointRetention),
			recovery.WithLogger(cfg.Logger),
		)
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	handler := api.NewHandler(s.catalog, s.engine, s.locks, s.oplog,
		api.WithDatabase(s.cfg.Database),
		api.WithMetrics(s.metrics),
	)
	handler.RegisterRoutes(s.router)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	// Use the logging middleware for all routes
	s.router.Use(requestLoggerMiddleware)

	// Customize NotFoundHandler to log 404s
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("WARN: No route found for %s %s", r.Method, r.URL.Path)
		api.WriteJSONError(w, http.StatusNotFound, "No route found")
	})
}

// requestLoggerMiddleware logs the method, URL path, and duration for each request.
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		elapsed := time.Since(start)
		log.Printf("INFO: Request %s %s took %s", r.Method, r.URL.Path, elapsed)
	})
}

// Router exposes the internal mux.Router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

func (s *Server) Oplog() *repl.OplogStore { return s.oplog }

// Recovered reports what startup recovery restored.
func (s *Server) Recovered() recovery.Result { return s.recovered }

// Run listens on addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln and runs the checkpointer until ctx is done or
// either fails, then shuts the HTTP server down. The checkpointer takes a
// final checkpoint on the way out.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{Handler: s.router}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("INFO: Starting collwrite server on %s", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		// Give outstanding requests a deadline for completion
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if s.checkpoints != nil {
		g.Go(func() error { return s.checkpoints.Run(gctx) })
	}
	return g.Wait()
}

// Checkpoint writes a checkpoint now. It is a no-op without a data
// directory.
func (s *Server) Checkpoint(ctx context.Context) error {
	if s.checkpoints == nil {
		return nil
	}
	_, err := s.checkpoints.Checkpoint(ctx)
	return err
}

// Close takes a last checkpoint and closes the oplog.
func (s *Server) Close() error {
	err := s.Checkpoint(context.Background())
	return errors.CombineErrors(err, s.oplog.Close())
}
