package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"inkslot/internal/config"
	"inkslot/internal/service"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Services are the application services the HTTP API dispatches to.
type Services struct {
	Bookings   *service.BookingService
	Moderation *service.ModerationService
	Slots      *service.SlotService
	Tasks      *service.TaskService
	Catalog    *service.CatalogService
	Store      Pinger
}

// HTTPServer exposes the booking, payment and admin JSON API.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Services
	auth   *HTTPAuth
	server *http.Server
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	l := logger.With().Str("component", "http").Logger()
	s := &HTTPServer{
		cfg:    cfg,
		svc:    svc,
		auth:   NewHTTPAuth(cfg),
		logger: &l,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

// Handler builds the full middleware stack around the router.
func (s *HTTPServer) Handler() http.Handler {
	r := s.routes()

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type", s.auth.keys.apiKeyHeader, s.auth.keys.extraHeader, s.auth.keys.userHeader}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
	return otelhttp.NewHandler(h, "inkslot-http")
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(s.logger))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	// вебхук подписан шлюзом, API-ключ не нужен
	r.HandleFunc("/api/v1/payments/webhook", s.handleWebhook).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.Middleware)

	read := s.auth.Require(PermissionReadSlots)
	write := s.auth.Require(PermissionBookings)

	v1.Handle("/items", read(http.HandlerFunc(s.handleListItems))).Methods(http.MethodGet)
	v1.Handle("/slots", read(http.HandlerFunc(s.handleListSlots))).Methods(http.MethodGet)
	v1.Handle("/slots/{id:[0-9]+}", read(http.HandlerFunc(s.handleGetSlot))).Methods(http.MethodGet)

	v1.Handle("/bookings", write(http.HandlerFunc(s.handleCreateBooking))).Methods(http.MethodPost)
	v1.Handle("/bookings", write(http.HandlerFunc(s.handleListMyBookings))).Methods(http.MethodGet)
	v1.Handle("/bookings/{id:[0-9]+}", write(http.HandlerFunc(s.handleGetBooking))).Methods(http.MethodGet)
	v1.Handle("/bookings/{id:[0-9]+}/cancel", write(http.HandlerFunc(s.handleCancelBooking))).Methods(http.MethodPost)
	v1.Handle("/bookings/{id:[0-9]+}/payment-intent", write(http.HandlerFunc(s.handleCreatePaymentIntent))).Methods(http.MethodPost)
	v1.Handle("/payments/verify", write(http.HandlerFunc(s.handleVerifyPayment))).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.auth.Require(PermissionAdmin))

	admin.HandleFunc("/slots", s.handleCreateSlot).Methods(http.MethodPost)
	admin.HandleFunc("/slots/generate", s.handleGenerateSlots).Methods(http.MethodPost)
	admin.HandleFunc("/slots/{id:[0-9]+}/capacity", s.handleUpdateCapacity).Methods(http.MethodPut)
	admin.HandleFunc("/slots/{id:[0-9]+}", s.handleDeleteSlot).Methods(http.MethodDelete)
	admin.HandleFunc("/bookings", s.handleAdminListBookings).Methods(http.MethodGet)
	admin.HandleFunc("/bookings/{id:[0-9]+}/decision", s.handleAdminDecision).Methods(http.MethodPost)
	admin.HandleFunc("/consistency", s.handleConsistency).Methods(http.MethodGet)
	admin.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	admin.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	admin.HandleFunc("/tasks/{id:[0-9]+}/claim", s.handleClaimTask).Methods(http.MethodPost)
	admin.HandleFunc("/tasks/{id:[0-9]+}/unclaim", s.handleUnclaimTask).Methods(http.MethodPost)

	return r
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Store.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.Catalog.Items(r.Context())})
}

// writeServiceError logs 5xx failures and renders err with its mapped status.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	if code == http.StatusInternalServerError {
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type recoveryLogger struct {
	logger *zerolog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error().Str("panic", fmt.Sprint(v...)).Msg("http handler panicked")
}
