package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/receiving"
	"github.com/MeKo-Tech/billscan/internal/review"
	"github.com/MeKo-Tech/billscan/internal/store"
)

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ErrorResponse is the JSON error envelope for every endpoint.
type ErrorResponse struct {
	Error    string         `json:"error"`
	Findings []bill.Finding `json:"findings,omitempty"`
}

// UploadResponse identifies the document and bill an upload produced.
type UploadResponse struct {
	DocumentID string     `json:"document_id"`
	BillID     string     `json:"bill_id"`
	State      bill.State `json:"state"`
}

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// uploadDocumentHandler accepts a vendor bill and runs the extraction
// pipeline synchronously.
func (s *Server) uploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)

	if err := r.ParseMultipartForm(s.maxUploadMB * 1024 * 1024); err != nil {
		if isBodyTooLarge(err) {
			s.writeError(w, "File too large", http.StatusRequestEntityTooLarge)
		} else {
			s.writeError(w, "Failed to parse form data", http.StatusBadRequest)
		}
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxUploadMB*1024*1024 {
		s.writeError(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, "Failed to read upload", http.StatusInternalServerError)
		return
	}
	uploadSizeBytes.Observe(float64(len(raw)))

	mime := header.Header.Get("Content-Type")
	if m := r.FormValue("mime"); m != "" {
		mime = m
	}
	storeID := r.FormValue("store_id")
	vendorID := r.FormValue("vendor_id")

	ctx := r.Context()
	if s.timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.timeoutSec)*time.Second)
		defer cancel()
	}

	start := time.Now()
	b, err := s.processor.ProcessDocument(ctx, storeID, vendorID, mime, raw)
	if err != nil {
		documentUploadsTotal.WithLabelValues("error").Inc()
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrDuplicateInvoice) {
			status = http.StatusConflict
		}
		s.writeError(w, fmt.Sprintf("Processing failed: %v", err), status)
		return
	}
	documentUploadsTotal.WithLabelValues("success").Inc()
	s.logger.Info("document processed",
		"document_id", b.DocumentID,
		"bill_id", b.ID,
		"state", b.State,
		"duration", time.Since(start))

	s.publishState(b)
	s.writeJSON(w, http.StatusCreated, UploadResponse{
		DocumentID: b.DocumentID,
		BillID:     b.ID,
		State:      b.State,
	})
}

// getBillHandler returns one bill with its candidate history and validation.
func (s *Server) getBillHandler(w http.ResponseWriter, r *http.Request) {
	b, err := s.bills.GetBill(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// auditTrailHandler returns the append-only audit trail of a bill.
func (s *Server) auditTrailHandler(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, "Audit log not configured", http.StatusServiceUnavailable)
		return
	}
	billID := r.PathValue("id")
	if _, err := s.bills.GetBill(billID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	entries, err := s.audit.ForBill(billID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Entries []review.AuditEntry `json:"entries"`
		Count   int                 `json:"count"`
	}{Entries: entries, Count: len(entries)})
}

// worklistHandler returns the items needing reviewer attention.
func (s *Server) worklistHandler(w http.ResponseWriter, r *http.Request) {
	threshold := s.lowConfidence
	if v := r.URL.Query().Get("low_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			s.writeError(w, "Invalid low_confidence value", http.StatusBadRequest)
			return
		}
		threshold = f
	}
	mode := review.ModeGuided
	if v := r.URL.Query().Get("mode"); v != "" {
		mode = review.Mode(v)
		if !mode.Valid() {
			s.writeError(w, "Invalid mode (must be guided or power)", http.StatusBadRequest)
			return
		}
	}
	items, err := s.review.Queue(r.PathValue("id"), mode, threshold)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Items []review.AttentionItem `json:"items"`
		Count int                    `json:"count"`
	}{Items: items, Count: len(items)})
}

// locateFieldHandler returns the page region a field's selected candidate
// was read from, for highlighting in a viewer.
func (s *Server) locateFieldHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, "path is required", http.StatusBadRequest)
		return
	}
	rect, err := s.review.LocateOnPage(r.PathValue("id"), path)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Path string `json:"path"`
		X    int    `json:"x"`
		Y    int    `json:"y"`
		W    int    `json:"w"`
		H    int    `json:"h"`
	}{Path: path, X: rect.Min.X, Y: rect.Min.Y, W: rect.Dx(), H: rect.Dy()})
}

// matchCandidatesHandler lists ranked catalog candidates for a vendor line.
func (s *Server) matchCandidatesHandler(w http.ResponseWriter, r *http.Request) {
	if s.matcher == nil {
		s.writeError(w, "Matcher not configured", http.StatusServiceUnavailable)
		return
	}
	q := match.LineQuery{
		VendorID:    r.URL.Query().Get("vendor_id"),
		RawSKU:      r.URL.Query().Get("vendor_sku"),
		Description: r.URL.Query().Get("description"),
	}
	if q.RawSKU == "" && q.Description == "" {
		s.writeError(w, "vendor_sku or description is required", http.StatusBadRequest)
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			s.writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	cands, err := s.matcher.ListCandidates(r.Context(), q, limit)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Candidates []match.Candidate `json:"candidates"`
		Count      int               `json:"count"`
	}{Candidates: cands, Count: len(cands)})
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeMappedError translates domain errors into HTTP statuses.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	var blocked *review.ValidationBlockedError
	var transition *bill.InvalidTransitionError
	switch {
	case errors.As(err, &blocked):
		s.writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    blocked.Error(),
			Findings: blocked.Findings,
		})
	case errors.As(err, &transition):
		s.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, review.ErrUnknownField),
		errors.Is(err, review.ErrUnknownLine),
		errors.Is(err, review.ErrNoLocation):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, review.ErrNothingToUndo),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrDuplicateInvoice),
		errors.Is(err, store.ErrDuplicateSKU),
		errors.Is(err, receiving.ErrNotApproved):
		s.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, review.ErrReasonRequired):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ocr.ErrTimeout):
		s.writeError(w, err.Error(), http.StatusGatewayTimeout)
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// isBodyTooLarge distinguishes the MaxBytesReader error from generic
// multipart parse failures.
func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
