package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
	"price-pulse/internal/render"
)

// Backend is the dashboard core the API exposes.
type Backend interface {
	Latest() render.Update
	RefreshNow()
	SetAlertRule(rule market.AlertRule) market.AlertState
	ReconnectStream() error
	Convert(amount decimal.Decimal, toQuote bool) (decimal.Decimal, decimal.Decimal, error)
}

// Options configure the listener.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// State, when set, serves the last pushed update ahead of Backend.Latest.
	State *render.StateSink
}

type ctxKey int

const requestIDKey ctxKey = iota

// Server is the local JSON API over the dashboard state.
type Server struct {
	opts    Options
	backend Backend
	metrics http.Handler
	logger  zerolog.Logger
	router  *mux.Router
	server  *http.Server
}

// NewServer builds the router. metrics may be nil.
func NewServer(opts Options, backend Backend, metrics http.Handler, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		opts:    opts,
		backend: backend,
		metrics: metrics,
		logger:  logger.With().Str("component", "http").Logger(),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// latest prefers the newest update delivered to the state sink.
func (s *Server) latest() render.Update {
	if s.opts.State != nil {
		if update, ok := s.opts.State.Latest(); ok {
			return update
		}
	}
	return s.backend.Latest()
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/state", s.state).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)
	api.HandleFunc("/alert-rule", s.saveRule).Methods(http.MethodPut)
	api.HandleFunc("/stream/reconnect", s.reconnect).Methods(http.MethodPost)
	api.HandleFunc("/convert", s.convert).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("shutting down http server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.Debug().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}
