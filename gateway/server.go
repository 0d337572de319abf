// Package gateway provides the embeddable boxgate server: it wires the
// store, Redis, leases, the hub registry, the expiry worker, and the
// orphan sweeper behind one HTTP/WebSocket surface. cmd/boxgate is a
// thin wrapper around it.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/boxgate/boxgate/internal/gateway/archive"
	"github.com/boxgate/boxgate/internal/gateway/auth"
	"github.com/boxgate/boxgate/internal/gateway/billing"
	"github.com/boxgate/boxgate/internal/gateway/config"
	"github.com/boxgate/boxgate/internal/gateway/expiry"
	"github.com/boxgate/boxgate/internal/gateway/hub"
	"github.com/boxgate/boxgate/internal/gateway/lease"
	"github.com/boxgate/boxgate/internal/gateway/notify"
	"github.com/boxgate/boxgate/internal/gateway/redisx"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
	"github.com/boxgate/boxgate/internal/gateway/sweeper"
	"github.com/boxgate/boxgate/internal/logging"
	"github.com/boxgate/boxgate/internal/metrics"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	healthTimeout     = 5 * time.Second
)

// Server is one gateway instance. Every lease it takes is fenced by the
// instance id, so two gateways sharing the Redis never mistake each
// other's sessions for their own.
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	instanceID string

	db       *sql.DB
	queries  *store.Queries
	rdb      *redis.Client
	leases   *lease.Manager
	expiryQ  *expiry.Queue
	verifier *auth.Verifier
	hubs     *hub.Registry
	sweeper  *sweeper.Sweeper

	httpServer *http.Server
}

// New opens the store, connects to Redis, and wires every subsystem.
// Call Serve to start listening.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "boxgate.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	queries := store.New(db)

	rdb, err := redisx.New(ctx, cfg.Redis.URL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.ServiceToken)
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}

	archiver, err := archive.New(ctx, cfg.Archive, log)
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init archive: %w", err)
	}

	// Minted fresh per process: a restarted gateway must not treat the
	// previous incarnation's leases as its own.
	instanceID := uuid.NewString()

	leases := lease.NewManager(rdb, instanceID, cfg.Timers.OwnerLeaseTTL(), cfg.Timers.RuntimeLeaseTTL())
	expiryQ := expiry.NewQueue(rdb, log)
	bus := notify.NewBus(rdb, log)

	providers := sandbox.NewRegistry()
	providers.Register(fakeProvider(cfg.Provider.Fake))

	hubs := hub.NewRegistry(hub.Deps{
		Log:       log,
		Cfg:       cfg,
		Queries:   queries,
		Leases:    leases,
		Providers: providers,
		Expiry:    expiryQ,
		Notify:    bus,
		Billing:   billing.AllowAll{},
		Archive:   archiver,
	}, log)

	sw := sweeper.New(sweeper.Deps{
		Log:             log,
		Queries:         queries,
		Leases:          leases,
		Providers:       providers,
		Expiry:          expiryQ,
		Notify:          bus,
		Hubs:            hubs,
		DefaultProvider: cfg.Provider.Default,
	}, cfg.Timers.SweepInterval())

	s := &Server{
		cfg:        cfg,
		log:        log,
		instanceID: instanceID,
		db:         db,
		queries:    queries,
		rdb:        rdb,
		leases:     leases,
		expiryQ:    expiryQ,
		verifier:   verifier,
		hubs:       hubs,
		sweeper:    sw,
	}
	s.httpServer = &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(s.router())),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// fakeProvider builds the in-process provider from config. Real cloud
// providers register alongside it as they are implemented.
func fakeProvider(cfg config.FakeProviderConfig) *sandbox.FakeProvider {
	f := sandbox.NewFakeProvider()
	if cfg.TunnelURL != "" {
		url := cfg.TunnelURL
		f.TunnelURLFn = func(string) string { return url }
	}
	if cfg.TTLSeconds > 0 {
		f.TTL = time.Duration(cfg.TTLSeconds) * time.Second
	}
	return f
}

// InstanceID returns the lease fencing identity of this process.
func (s *Server) InstanceID() string { return s.instanceID }

// Queries exposes the store for embedders; the platform worker that
// creates session rows shares this database in the standalone setup.
func (s *Server) Queries() *store.Queries { return s.queries }

// Handler returns the fully assembled HTTP surface. Serve uses it; tests
// and embedders can mount it themselves.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Close releases the store and Redis handles. Serve does this on exit;
// Close is for embedders that construct a Server but never serve it.
func (s *Server) Close() error {
	s.closeHandles()
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/ws", s.handleWS)
		r.Post("/tool-calls/{toolCallID}/start", s.handleToolCallStart)
		r.Post("/tool-calls/{toolCallID}/end", s.handleToolCallEnd)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Warn("health check store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.log.Warn("health check redis ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Serve listens on cfg.Listen and blocks until ctx is cancelled, then
// shuts down: evict resident hubs (releasing their leases), drain HTTP,
// checkpoint the WAL, close handles.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.closeHandles()
		return fmt.Errorf("listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve with a caller-supplied listener, for tests and
// embedders that bind their own port.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.log.Info("gateway listening", "addr", ln.Addr().String(), "instance_id", s.instanceID)

	worker := expiry.NewWorker(s.expiryQ, s.runExpiry, s.cfg.Timers.ExpiryPoll(), s.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("gateway shutting down")

		// 1. Flush and evict resident hubs. Their leases release here so a
		//    replacement instance can adopt the sessions immediately.
		hubCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		s.hubs.Shutdown(hubCtx)
		cancel()

		// 2. Drain in-flight HTTP requests.
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(drainCtx)
		return nil
	})

	err := g.Wait()

	// 3. Checkpoint the WAL into the main DB file before closing.
	if cerr := store.Checkpoint(s.db); cerr != nil {
		s.log.Warn("wal checkpoint failed", "error", cerr)
	}

	// 4. Close handles.
	s.closeHandles()
	return err
}

// runExpiry handles one due expiry job: a hub, resident or constructed
// for the occasion, runs the expiry migration.
func (s *Server) runExpiry(ctx context.Context, sessionID string) error {
	h, err := s.hubs.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.Migration().RunExpiryMigration(ctx)
}

func (s *Server) closeHandles() {
	_ = s.rdb.Close()
	_ = s.db.Close()
}
