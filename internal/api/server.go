package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/db"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/network"
	"github.com/monosync-project/monosync/internal/util"
)

// Version is reported by /api/public/ping and /api/public/info.
var Version = "dev"

// Server is the relay monitor REST API.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	relay    *network.Relay
	store    *db.PeerStore
	logger   zerolog.Logger

	instanceID string
	startedAt  time.Time

	httpServer *http.Server
	router     *gin.Engine
	ready      chan struct{}
	addr       net.Addr
}

// NewServer creates a new API server for relay. store may be nil when the
// peer database is disabled; history routes then answer 503.
func NewServer(cfg *config.Config, eventBus *events.EventBus, relay *network.Relay, store *db.PeerStore) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:        cfg,
		eventBus:   eventBus,
		relay:      relay,
		store:      store,
		logger:     log.With().Str("component", "api").Logger(),
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		ready:      make(chan struct{}),
	}
	s.router = s.buildRouter()
	return s
}

// SetInstanceID overrides the generated instance id so the API and MQTT
// report the same one.
func (s *Server) SetInstanceID(id string) {
	if id != "" {
		s.instanceID = id
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// Start binds the API port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	security := s.cfg.GetApplicationData().Security

	addr := net.JoinHostPort(apiCfg.ListenAddress, strconv.Itoa(apiCfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if security.TLSEnabled {
		tlsConfig, err := s.buildTLSConfig(security, apiCfg.ListenAddress)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	// SO_REUSEADDR so a restarted relay can rebind immediately
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr()
	close(s.ready)

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", security.TLSEnabled).
		Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("API shutdown did not complete cleanly")
		}
	}()

	if security.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildTLSConfig loads the configured key pair, generating a self-signed
// one on first start.
func (s *Server) buildTLSConfig(security config.SecurityConfig, host string) (*tls.Config, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	if host != "" && host != "0.0.0.0" && host != "::" {
		hosts = append(hosts, host)
	}
	if err := util.EnsureSelfSignedCert(security.TLSCertFile, security.TLSKeyFile, hosts); err != nil {
		return nil, fmt.Errorf("failed to prepare TLS certificate: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(security.TLSCertFile, security.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	security := s.cfg.GetApplicationData().Security

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	auth := NewAuthMiddleware(s.cfg)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	protected := router.Group("/api")
	protected.Use(auth.IPWhitelist(), auth.RequireToken())

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/peers", s.handleGetPeers)
		monitor.GET("/peers/:id", s.handleGetPeer)
		monitor.GET("/peers/:id/history", s.handleGetPeerHistory)
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/system", s.handleGetSystem)
		monitor.GET("/logs", s.handleGetLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/peers/:id/evict", s.handleEvictPeer)
		control.POST("/cleanup", s.handleCleanup)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.PUT("/relay", s.handleSetRelayField)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
