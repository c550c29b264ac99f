package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/kenneth/media-relay/internal/metrics"
	"github.com/kenneth/media-relay/internal/middleware"
	"github.com/kenneth/media-relay/internal/relay"
	"github.com/sirupsen/logrus"
)

// DownloadMediaPath is the relay endpoint.
const DownloadMediaPath = "/v1/download-media"

// Runner runs one relay.
type Runner interface {
	Run(ctx context.Context, req relay.Request) (*relay.Result, error)
}

// Options configures a Handler.
type Options struct {
	Runner Runner
	Logger *logrus.Logger
	// Checks gate /ready.
	Checks       []metrics.Check
	ReadyTimeout time.Duration
	MaxBodyBytes int64
}

// Handler handles HTTP requests for the relay.
type Handler struct {
	runner       Runner
	logger       *logrus.Logger
	validate     *validator.Validate
	checks       []metrics.Check
	readyTimeout time.Duration
	maxBodyBytes int64
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		runner:       opts.Runner,
		logger:       opts.Logger,
		validate:     newValidator(),
		checks:       opts.Checks,
		readyTimeout: opts.ReadyTimeout,
		maxBodyBytes: opts.MaxBodyBytes,
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	if h.readyTimeout <= 0 {
		h.readyTimeout = 5 * time.Second
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 64 << 10
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.readyTimeout, h.checks...)).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc(DownloadMediaPath, h.handleDownloadMedia).Methods(http.MethodPost)
}

type successResponse struct {
	Success   bool   `json:"success"`
	URL       string `json:"url"`
	FileName  string `json:"fileName"`
	ExpiresIn int    `json:"expiresIn"`
}

type validationResponse struct {
	Success bool         `json:"success"`
	Error   string       `json:"error"`
	Errors  []fieldError `json:"errors"`
}

type failureResponse struct {
	Success bool `json:"success"`
	relay.PublicError
}

// handleDownloadMedia relays one encrypted media object into storage.
func (h *Handler) handleDownloadMedia(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestID(r.Context())
	logger := h.logger.WithField("request_id", requestID)

	var req downloadMediaRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		message := "body must be a JSON object"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "body too large"
		}
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:  "validation failed",
			Errors: []fieldError{{Message: message}},
		})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		logger.WithError(err).Debug("Rejected download request")
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:  "validation failed",
			Errors: fieldErrors(err),
		})
		return
	}

	result, err := h.runner.Run(r.Context(), req.relayRequest(requestID, clientIP(r)))
	if err != nil {
		relayErr := relay.AsError(err)
		if relayErr.Kind == relay.KindInternal {
			logger.WithError(err).Error("Relay failed")
		}
		writeJSON(w, statusForKind(relayErr.Kind), failureResponse{PublicError: relayErr.Public()})
		return
	}

	writeJSON(w, http.StatusOK, successResponse{
		Success:   true,
		URL:       result.URL,
		FileName:  result.ObjectKey,
		ExpiresIn: result.ExpiresIn,
	})
}

// statusForKind maps relay failure kinds to HTTP status codes.
func statusForKind(kind relay.Kind) int {
	switch kind {
	case relay.KindInvalidKeyMaterial, relay.KindInvalidSourceURL, relay.KindInvalidTTL, relay.KindInvalidObjectKey:
		return http.StatusUnprocessableEntity
	case relay.KindFetchFailed, relay.KindDecryptionFailed, relay.KindUploadFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
