// Package api is the HTTP intake surface in front of the queue producer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"lizmail/health"
	"lizmail/internal/audit"
	"lizmail/internal/campaign"
	"lizmail/internal/email"
	"lizmail/internal/extract"
)

const (
	maxTaskBody   = 1 << 20
	maxUploadBody = 32 << 20
	defaultRecent = 50
	maxRecent     = 500
)

// Enqueuer hands tasks to the broker. *queue.Producer satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, t email.Task) bool
	EnqueueBulk(ctx context.Context, tasks []email.Task) email.BulkStats
}

// History reads the delivery journal. *audit.Journal satisfies it.
type History interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
	Counts(ctx context.Context) (map[string]int, error)
}

// Server holds the handler dependencies.
type Server struct {
	queue     Enqueuer
	history   History
	extractor *extract.Extractor
	checks    []health.Check
	log       *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the delivery journal endpoints.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithExtractor enables document uploads.
func WithExtractor(e *extract.Extractor) Option {
	return func(s *Server) { s.extractor = e }
}

// WithChecks adds readiness probes to /healthz.
func WithChecks(checks ...health.Check) Option {
	return func(s *Server) { s.checks = append(s.checks, checks...) }
}

// New returns a Server publishing through q.
func New(q Enqueuer, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{queue: q, log: log.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	health.Mount(r, s.checks...)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/emails", s.enqueueEmail)
		r.Post("/campaigns", s.enqueueCampaign)
		r.Post("/extract", s.extractAddresses)
		r.Get("/deliveries", s.recentDeliveries)
		r.Get("/deliveries/stats", s.deliveryStats)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, errorResponse{Error: msg})
}

// enqueueEmail accepts one task in queue wire format.
func (s *Server) enqueueEmail(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTaskBody))
	if err != nil {
		s.fail(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	t, err := email.Decode(data)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := t.Validate(); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.queue.Enqueue(r.Context(), t) {
		s.fail(w, http.StatusServiceUnavailable, "task could not be queued")
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type campaignResponse struct {
	CampaignID string `json:"campaign_id"`
	email.BulkStats
	Unrendered bool `json:"unrendered,omitempty"`
}

func (s *Server) enqueueCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	c, err := campaign.Build(req)
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidRequest) {
			s.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("Failed to build campaign", zap.Error(err))
		s.fail(w, http.StatusInternalServerError, "failed to render campaign")
		return
	}
	if c.Unrendered {
		s.log.Warn("Custom template has unbound variables; sending as written", zap.String("campaign_id", c.ID))
	}

	stats := s.queue.EnqueueBulk(r.Context(), c.Tasks)
	status := http.StatusAccepted
	if stats.Success == 0 {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, campaignResponse{CampaignID: c.ID, BulkStats: stats, Unrendered: c.Unrendered})
}

type extractResponse struct {
	Files     []fileResult `json:"files"`
	Addresses []string     `json:"emails"`
}

type fileResult struct {
	File      string   `json:"file"`
	Addresses []string `json:"emails"`
	Count     int      `json:"count"`
	Error     string   `json:"error,omitempty"`
}

// extractAddresses accepts multipart uploads in the "files" field.
func (s *Server) extractAddresses(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		s.fail(w, http.StatusNotFound, "extraction disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	dir, err := os.MkdirTemp("", "lizmail-upload-")
	if err != nil {
		s.log.Error("Failed to create upload dir", zap.Error(err))
		s.fail(w, http.StatusInternalServerError, "upload failed")
		return
	}
	defer os.RemoveAll(dir)

	var paths []string
	for i, fh := range r.MultipartForm.File["files"] {
		p, err := saveUpload(filepath.Join(dir, strconv.Itoa(i)), fh)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		s.fail(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	results, all := s.extractor.FromFiles(paths)
	resp := extractResponse{Addresses: all}
	for _, res := range results {
		fr := fileResult{File: res.File, Addresses: res.Addresses, Count: res.Count()}
		if res.Err != nil {
			fr.Error = res.Err.Error()
		}
		resp.Files = append(resp.Files, fr)
	}
	s.respond(w, http.StatusOK, resp)
}

func saveUpload(dir string, fh *multipart.FileHeader) (string, error) {
	base := filepath.Base(filepath.Clean("/" + fh.Filename))
	if base == "/" || base == "." {
		return "", errors.New("upload has no file name")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	p := filepath.Join(dir, base)
	dst, err := os.Create(p)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return p, dst.Close()
}

func (s *Server) recentDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.fail(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := defaultRecent
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecent)
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("Failed to read journal", zap.Error(err))
		s.fail(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.respond(w, http.StatusOK, entries)
}

func (s *Server) deliveryStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.fail(w, http.StatusNotFound, "journal disabled")
		return
	}
	counts, err := s.history.Counts(r.Context())
	if err != nil {
		s.log.Error("Failed to read journal", zap.Error(err))
		s.fail(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	s.respond(w, http.StatusOK, counts)
}
