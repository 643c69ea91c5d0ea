package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usenocturne/synthlink/bluetooth"
	"github.com/usenocturne/synthlink/store"
	"github.com/usenocturne/synthlink/utils"
	"go.uber.org/zap"
)

// Controller is the part of *bluetooth.Device the API drives.
type Controller interface {
	Status() bluetooth.Status
	Screen() *bluetooth.FrameBuffer
	ConnectPrompt(ctx context.Context) error
	Connect(ctx context.Context, peer bluetooth.Peer) error
	Disconnect(ctx context.Context) error
	SetAutoReconnect(ctx context.Context, enabled bool) error
	SendButton(ctx context.Context, control string, pressed bool) error
	SendEncoder(ctx context.Context, control string, delta int, shift bool) error
	RequestScreen(ctx context.Context) error
}

// PeerRegistry backs the /api/v1/peers routes.
type PeerRegistry interface {
	List(ctx context.Context) ([]store.RememberedPeer, error)
	Forget(ctx context.Context, peerID string) error
}

type Options struct {
	Addr     string
	Device   Controller
	Hub      *utils.WebSocketHub
	Peers    PeerRegistry
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// RefreshRate and RefreshBurst bound POST /screen/refresh.
	RefreshRate  int
	RefreshBurst int
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	log     *zap.Logger
	addr    string
	device  Controller
	wsHub   *utils.WebSocketHub
	peers   PeerRegistry
	refresh *RateLimiter
	router  chi.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		log:     logger.Named("http"),
		addr:    opts.Addr,
		device:  opts.Device,
		wsHub:   opts.Hub,
		peers:   opts.Peers,
		refresh: NewRateLimiter(opts.RefreshRate, opts.RefreshBurst),
		router:  chi.NewRouter(),
	}
	s.registerRoutes(gatherer)
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Put("/auto-reconnect", s.handleAutoReconnect)
		r.Post("/input/button", s.handleButton)
		r.Post("/input/encoder", s.handleEncoder)
		r.Post("/screen/refresh", s.handleScreenRefresh)
		r.Get("/screen", s.handleScreen)
		r.Get("/screen.txt", s.handleScreenText)
		r.Get("/peers", s.handlePeers)
		r.Delete("/peers/{id}", s.handleForgetPeer)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.wsHub != nil {
		s.wsHub.Close()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("server gracefully stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
