// Package server exposes the bill extraction and review workflow over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/receiving"
	"github.com/MeKo-Tech/billscan/internal/review"
)

// DocumentProcessor runs the extraction pipeline over an uploaded artifact.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, storeID, vendorID, mime string, raw []byte) (*bill.Bill, error)
}

// BillStore reads and writes bills; backed by the host store.
type BillStore interface {
	GetBill(id string) (*bill.Bill, error)
	Put(b *bill.Bill) error
}

// CandidateLister ranks catalog candidates for a vendor line.
type CandidateLister interface {
	ListCandidates(ctx context.Context, q match.LineQuery, limit int) ([]match.Candidate, error)
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	processor DocumentProcessor
	review    *review.Manager
	bills     BillStore
	matcher   CandidateLister
	catalog   catalog.Lookup
	products  receiving.Catalog
	audit     review.AuditLog
	logger    *slog.Logger

	hub         *eventHub
	rateLimiter *RateLimiter

	corsOrigin    string
	maxUploadMB   int64
	timeoutSec    int
	lowConfidence float64
}

// Config holds server configuration.
type Config struct {
	Host          string
	Port          int
	CORSOrigin    string
	MaxUploadMB   int64
	TimeoutSec    int
	RateLimitRPS  int
	LowConfidence float64
}

// Deps are the collaborators the server fronts.
type Deps struct {
	Processor DocumentProcessor
	Review    *review.Manager
	Bills     BillStore
	Matcher   CandidateLister
	Catalog   catalog.Lookup
	Products  receiving.Catalog
	Audit     review.AuditLog
	Logger    *slog.Logger
}

// NewServer creates a server over the given collaborators.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Processor == nil {
		return nil, errors.New("server: document processor is required")
	}
	if deps.Review == nil {
		return nil, errors.New("server: review manager is required")
	}
	if deps.Bills == nil {
		return nil, errors.New("server: bill store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var rl *RateLimiter
	if cfg.RateLimitRPS > 0 {
		rl = NewRateLimiter(cfg.RateLimitRPS*60, cfg.RateLimitRPS*3600, 0)
	}

	return &Server{
		processor:     deps.Processor,
		review:        deps.Review,
		bills:         deps.Bills,
		matcher:       deps.Matcher,
		catalog:       deps.Catalog,
		products:      deps.Products,
		audit:         deps.Audit,
		logger:        logger,
		hub:           newEventHub(),
		rateLimiter:   rl,
		corsOrigin:    cfg.CORSOrigin,
		maxUploadMB:   cfg.MaxUploadMB,
		timeoutSec:    cfg.TimeoutSec,
		lowConfidence: cfg.LowConfidence,
	}, nil
}

// SetupRoutes configures the HTTP routes. Every wrapped path also gets an
// OPTIONS registration so browser preflight reaches the CORS middleware
// instead of the mux's 405.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /bills/{id}/events", s.billEventsHandler)

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /healthz", s.healthHandler},
		{"POST /documents", s.uploadDocumentHandler},
		{"GET /bills/{id}", s.getBillHandler},
		{"GET /bills/{id}/audit", s.auditTrailHandler},
		{"GET /bills/{id}/worklist", s.worklistHandler},
		{"GET /bills/{id}/locate", s.locateFieldHandler},
		{"POST /bills/{id}/review/accept", s.acceptFieldHandler},
		{"POST /bills/{id}/review/edit", s.editFieldHandler},
		{"POST /bills/{id}/review/reocr", s.targetedReOCRHandler},
		{"POST /bills/{id}/review/mask", s.addMaskHandler},
		{"POST /bills/{id}/review/zones", s.zoneEditHandler},
		{"POST /bills/{id}/review/undo", s.undoHandler},
		{"POST /bills/{id}/approve", s.approveHandler},
		{"POST /bills/{id}/reject", s.rejectHandler},
		{"POST /bills/{id}/reopen", s.reopenHandler},
		{"GET /match/candidates", s.matchCandidatesHandler},
		{"POST /bills/{id}/lines/{line}/product", s.createProductHandler},
		{"POST /bills/{id}/lines/{line}/match", s.manualMatchHandler},
		{"POST /bills/{id}/receiving", s.postReceivingHandler},
	}
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		mux.HandleFunc(r.pattern, s.wrap(r.handler))
		_, path, _ := strings.Cut(r.pattern, " ")
		if !seen[path] {
			seen[path] = true
			mux.HandleFunc("OPTIONS "+path, s.wrap(s.preflightHandler))
		}
	}
}

// preflightHandler gives OPTIONS requests a route; the CORS middleware
// answers them before this runs.
func (s *Server) preflightHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// wrap applies the standard middleware chain to a handler.
func (s *Server) wrap(next http.HandlerFunc) http.HandlerFunc {
	return s.corsMiddleware(s.rateLimitMiddleware(next))
}
