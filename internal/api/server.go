// Package api provides the HTTP surface for job triggers and bulk upload.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"transit_ingest/internal/importer"
	"transit_ingest/internal/jobs"
)

// Defaults for Config.
const (
	DefaultAddr          = ":8080"
	DefaultMaxUploadSize = 512 << 20
	DefaultTimeout       = 30 * time.Second

	// multipartMemory is how much of an upload is buffered in memory before
	// spilling to temporary files.
	multipartMemory = 32 << 20
)

// Config holds configuration for the API server.
type Config struct {
	Addr           string        `yaml:"addr" validate:"required"`
	AuthEnabled    bool          `yaml:"auth_enabled"`
	APIKeys        []string      `yaml:"api_keys" validate:"required_if=AuthEnabled true"`
	MaxUploadSize  int64         `yaml:"max_upload_size" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

// DefaultConfig returns an open server on DefaultAddr.
func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		MaxUploadSize:  DefaultMaxUploadSize,
		RequestTimeout: DefaultTimeout,
	}
}

// Triggers starts and reports on pipeline jobs.
type Triggers interface {
	StartCollection() (jobs.Ack, error)
	StartImport() (jobs.Ack, error)
	Lookup(id string) (jobs.Event, bool)
}

// Uploader imports uploaded partition files.
type Uploader interface {
	ImportUploads(ctx context.Context, uploads []importer.Upload) (*importer.Result, error)
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the job and upload endpoints.
type Server struct {
	cfg      Config
	triggers Triggers
	uploader Uploader
	pinger   Pinger
	logger   *log.Logger
	apiKeys  map[string]bool
}

// NewServer creates an API server. pinger may be nil.
func NewServer(cfg Config, triggers Triggers, uploader Uploader, pinger Pinger, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultTimeout
	}

	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &Server{
		cfg:      cfg,
		triggers: triggers,
		uploader: uploader,
		pinger:   pinger,
		logger:   logger,
		apiKeys:  keys,
	}
}

// Router returns the configured router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required).
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.AuthEnabled {
				r.Use(s.authMiddleware)
			}

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(s.cfg.RequestTimeout))
				r.Post("/jobs/collection", s.handleStartCollection)
				r.Post("/jobs/import", s.handleStartImport)
				r.Get("/jobs/{id}", s.handleGetJob)
			})

			// Uploads run the import inline and are not bound by the
			// request timeout.
			r.Post("/uploads", s.handleUpload)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("api: listening on %s", s.cfg.Addr)
		if s.cfg.AuthEnabled {
			s.logger.Printf("api: authentication enabled (API key required)")
		} else {
			s.logger.Printf("api: authentication disabled (open access)")
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleStartCollection(w http.ResponseWriter, r *http.Request) {
	s.writeAck(w)(s.triggers.StartCollection())
}

func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	s.writeAck(w)(s.triggers.StartImport())
}

func (s *Server) writeAck(w http.ResponseWriter) func(jobs.Ack, error) {
	return func(ack jobs.Ack, err error) {
		switch {
		case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrPoolClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusAccepted, ack)
		}
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, ok := s.triggers.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown job")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No files uploaded (use field \"files\")")
		return
	}

	uploads := make([]importer.Upload, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Cannot read "+fh.Filename+": "+err.Error())
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, importer.Upload{Name: fh.Filename, Reader: f})
	}

	res, err := s.uploader.ImportUploads(r.Context(), uploads)
	if err != nil {
		s.logger.Printf("api: upload import failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
