package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	api "github.com/GriffinCanCode/saltwater/internal/api/http"
	"github.com/GriffinCanCode/saltwater/internal/api/middleware"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/config"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/logging"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/saltwater/internal/kernel"
	"github.com/GriffinCanCode/saltwater/internal/kernel/sched"
	"github.com/GriffinCanCode/saltwater/internal/platform"
)

// uptimeInterval is how often the uptime gauge is refreshed.
const uptimeInterval = 5 * time.Second

// Server owns one kernel and its introspection listener.
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	kernel  *kernel.Kernel
	router  *gin.Engine
	handler http.Handler
}

// KernelConfig translates the daemon configuration into kernel tunables.
func KernelConfig(cfg *config.Config, logger *zap.Logger, observer kernel.Observer) kernel.Config {
	kc := kernel.DefaultConfig()
	kc.Logger = logger
	kc.Observer = observer
	kc.Processors = cfg.Kernel.Processors
	kc.StackPages = cfg.Kernel.StackPages
	kc.Weights = sched.Weights{Base: cfg.Kernel.BaseWeight, MaxBoost: cfg.Kernel.MaxBoost}
	kc.RebalanceInterval = cfg.Kernel.RebalanceInterval
	kc.RebalanceBurst = cfg.Kernel.RebalanceBurst
	kc.IdleInterval = cfg.Kernel.IdleInterval
	return kc
}

// LoadPlatform returns the machine to boot: the manifest file when one is
// configured, else a manifest built from the processor and memory settings.
func LoadPlatform(cfg config.PlatformConfig) (platform.Platform, error) {
	if cfg.Manifest != "" {
		m, err := platform.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", cfg.Manifest, err)
		}
		return m, nil
	}
	return platform.DefaultManifest(cfg.Processors, cfg.MemoryMiB<<20), nil
}

// NewServer creates a server around an unbooted kernel.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	metrics := monitoring.NewMetrics()
	k := kernel.New(KernelConfig(cfg, logger.Named("kernel"), metrics))
	logger.Info("Initializing saltwater",
		zap.Stringer("boot_id", k.BootID()),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}
	api.NewHandlers(k, metrics, logger.Named("http"), api.WithLevelController(logger)).Register(router)

	var handler http.Handler = router
	if cfg.HTTP.Compress {
		handler = compress(router)
	}

	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		kernel:  k,
		router:  router,
		handler: handler,
	}, nil
}

// compress gzips responses for clients that accept it. Websocket upgrades
// go straight to next since they need the raw connection.
func compress(next http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

// Kernel returns the kernel instance.
func (s *Server) Kernel() *kernel.Kernel { return s.kernel }

// Metrics returns the metrics the kernel reports into.
func (s *Server) Metrics() *monitoring.Metrics { return s.metrics }

// Handler returns the introspection handler as it is served.
func (s *Server) Handler() http.Handler { return s.handler }

// Boot boots the kernel from the configured platform.
func (s *Server) Boot(ctx context.Context) error {
	plat, err := LoadPlatform(s.config.Platform)
	if err != nil {
		return err
	}
	return s.kernel.Boot(ctx, plat)
}

// Run drives the kernel and serves introspection until ctx is done. The
// listener gets the configured shutdown timeout to drain.
func (s *Server) Run(ctx context.Context) error {
	var ln net.Listener
	if s.config.HTTP.Enabled {
		var err error
		if ln, err = net.Listen("tcp", s.config.HTTP.Addr); err != nil {
			return fmt.Errorf("listen on %s: %w", s.config.HTTP.Addr, err)
		}
		if n := s.config.HTTP.MaxConnections; n > 0 {
			ln = netutil.LimitListener(ln, n)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.kernel.Run(ctx)
	})
	g.Go(func() error {
		s.metrics.Run(ctx, uptimeInterval)
		return nil
	})

	if ln != nil {
		srv := &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.logger.Info("Starting HTTP server",
			zap.Stringer("addr", ln.Addr()),
			zap.Int("max_connections", s.config.HTTP.MaxConnections),
			zap.Bool("compress", s.config.HTTP.Compress),
		)

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve introspection: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.HTTP.ShutdownTimeout)
			defer cancel()
			s.logger.Info("Shutting down HTTP server")
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close flushes the logger.
func (s *Server) Close() error {
	s.logger.Info("Shutting down saltwater", zap.Stringer("boot_id", s.kernel.BootID()))
	_ = s.logger.Sync()
	return nil
}
