package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/receiving"
	"github.com/MeKo-Tech/billscan/internal/review"
)

// createProductRequest creates a catalog product from a bill line.
type createProductRequest struct {
	Actor       string `json:"actor"`
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Barcode     string `json:"barcode,omitempty"`
	MPN         string `json:"mpn,omitempty"`
	Cost        string `json:"cost,omitempty"`
	CreateAlias bool   `json:"create_alias"`
}

// createProductResponse returns the new product and the updated bill.
type createProductResponse struct {
	Product catalog.Product `json:"product"`
	Bill    *bill.Bill      `json:"bill"`
}

// createProductHandler creates a catalog product from an unmatched line and
// optionally remembers the vendor SKU as an alias.
func (s *Server) createProductHandler(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.writeError(w, "Catalog not configured", http.StatusServiceUnavailable)
		return
	}
	var req createProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SKU == "" || req.Name == "" {
		s.writeError(w, "sku and name are required", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}

	billID := r.PathValue("id")
	lineID := r.PathValue("line")
	b, err := s.bills.GetBill(billID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	line := b.Line(lineID)
	if line == nil {
		s.writeError(w, "Unknown line", http.StatusNotFound)
		return
	}

	cost := line.UnitPrice
	if req.Cost != "" {
		cost, err = decimal.NewFromString(req.Cost)
		if err != nil {
			s.writeError(w, "Invalid cost", http.StatusBadRequest)
			return
		}
	}

	p, err := s.catalog.Create(r.Context(), catalog.Product{
		SKU:         req.SKU,
		Name:        req.Name,
		Description: req.Description,
		Barcode:     req.Barcode,
		MPN:         req.MPN,
		Cost:        cost,
		VendorCost:  line.UnitPrice,
	})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	// The line mutation goes through the review case like every other
	// reviewer action, so it serializes with concurrent field edits.
	if err := s.review.ProductCreated(r.Context(), billID, req.Actor, lineID, p, req.CreateAlias); err != nil {
		s.writeMappedError(w, err)
		return
	}
	b, err = s.review.Bill(billID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.publishState(b)
	s.writeJSON(w, http.StatusCreated, createProductResponse{Product: p, Bill: b})
}

// manualMatchRequest pins a line to an existing catalog product.
type manualMatchRequest struct {
	Actor       string `json:"actor"`
	ProductID   string `json:"product_id"`
	CreateAlias bool   `json:"create_alias"`
}

// manualMatchHandler records a reviewer-chosen product for a line. The
// confirmation feeds the history strategy on future bills from the vendor.
func (s *Server) manualMatchHandler(w http.ResponseWriter, r *http.Request) {
	if s.products == nil {
		s.writeError(w, "Catalog not configured", http.StatusServiceUnavailable)
		return
	}
	var req manualMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProductID == "" {
		s.writeError(w, "product_id is required", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}

	p, err := s.products.GetProduct(r.Context(), req.ProductID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	billID := r.PathValue("id")
	if err := s.review.ManualMatch(r.Context(), billID, req.Actor, r.PathValue("line"), *p, req.CreateAlias); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("match").Inc()
	s.respondWithBill(w, billID)
}

// postReceivingRequest selects the cost policy for posting a bill.
type postReceivingRequest struct {
	Actor  string `json:"actor"`
	Policy string `json:"policy"`
}

// postReceivingHandler posts an approved bill into inventory costs.
func (s *Server) postReceivingHandler(w http.ResponseWriter, r *http.Request) {
	if s.products == nil {
		s.writeError(w, "Catalog not configured", http.StatusServiceUnavailable)
		return
	}
	var req postReceivingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	policy, err := receiving.ParsePolicy(req.Policy)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}

	b, err := s.bills.GetBill(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	sum, err := receiving.Post(r.Context(), b, policy, s.products)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	receivingPostsTotal.WithLabelValues(string(policy)).Inc()
	s.appendAudit(review.AuditEntry{
		BillID:   b.ID,
		Actor:    req.Actor,
		Action:   review.ActionPostReceiving,
		Entity:   "bill",
		EntityID: b.ID,
		After:    string(policy),
	})
	s.writeJSON(w, http.StatusOK, sum)
}

// appendAudit fills the bookkeeping fields and writes the entry; audit
// failures are logged, not surfaced, the mutation has already happened.
func (s *Server) appendAudit(e review.AuditEntry) {
	if s.audit == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := s.audit.Append(e); err != nil {
		s.logger.Error("appending audit entry", "bill_id", e.BillID, "error", err)
	}
}
