package server

import (
	"encoding/json"
	"image"
	"net/http"

	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// reviewRequest is the common body for review action endpoints. Region is
// given in normalized page pixel coordinates.
type reviewRequest struct {
	Actor    string  `json:"actor"`
	Path     string  `json:"path,omitempty"`
	Value    string  `json:"value,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Page     int     `json:"page,omitempty"`
	Region   *region `json:"region,omitempty"`
	Profile  string  `json:"profile,omitempty"`
	Remember bool    `json:"remember,omitempty"`
}

type region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r *region) rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// decodeReviewRequest parses the action body and fills the actor fallback.
func (s *Server) decodeReviewRequest(w http.ResponseWriter, r *http.Request) (reviewRequest, bool) {
	var req reviewRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return req, false
		}
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}
	return req, true
}

// respondWithBill reloads the bill after a successful action and returns it.
func (s *Server) respondWithBill(w http.ResponseWriter, billID string) {
	b, err := s.bills.GetBill(billID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.publishState(b)
	s.writeJSON(w, http.StatusOK, b)
}

// acceptFieldHandler confirms the selected candidate of a field.
func (s *Server) acceptFieldHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	if req.Path == "" {
		s.writeError(w, "path is required", http.StatusBadRequest)
		return
	}
	billID := r.PathValue("id")
	if err := s.review.AcceptField(billID, req.Actor, req.Path); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("accept").Inc()
	s.respondWithBill(w, billID)
}

// editFieldHandler replaces a field value with a manual entry.
func (s *Server) editFieldHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	if req.Path == "" {
		s.writeError(w, "path is required", http.StatusBadRequest)
		return
	}
	billID := r.PathValue("id")
	if err := s.review.EditField(billID, req.Actor, req.Path, req.Value); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("edit").Inc()
	s.respondWithBill(w, billID)
}

// targetedReOCRHandler re-reads one page region with a chosen profile and
// folds the result into the field's candidate history.
func (s *Server) targetedReOCRHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	if req.Path == "" || req.Region == nil {
		s.writeError(w, "path and region are required", http.StatusBadRequest)
		return
	}
	profile := ocr.ProfileHighAccuracy
	if req.Profile != "" {
		profile = ocr.Profile(req.Profile)
		if !profile.Valid() {
			s.writeError(w, "Unknown OCR profile", http.StatusBadRequest)
			return
		}
	}
	billID := r.PathValue("id")
	err := s.review.TargetedReOCR(r.Context(), billID, req.Actor, req.Path, req.Page, req.Region.rect(), profile)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("reocr").Inc()
	s.respondWithBill(w, billID)
}

// addMaskHandler masks a page region and re-extracts the zones it touches.
func (s *Server) addMaskHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	if req.Region == nil {
		s.writeError(w, "region is required", http.StatusBadRequest)
		return
	}
	billID := r.PathValue("id")
	err := s.review.AddMask(r.Context(), billID, req.Actor, req.Page, req.Region.rect(), req.Remember)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("mask").Inc()
	s.respondWithBill(w, billID)
}

// zoneEditRequest adjusts the zone layout of one page.
type zoneEditRequest struct {
	Actor string         `json:"actor"`
	Page  int            `json:"page"`
	Edits []zoneEditSpec `json:"edits"`
}

type zoneEditSpec struct {
	// ReplaceID names the zone being redrawn; empty for a newly drawn one.
	ReplaceID string `json:"replace_id,omitempty"`
	Region    region `json:"region"`
	Label     string `json:"label"`
}

// zoneEditHandler applies reviewer corrections to a page's zones and folds
// the re-extracted candidates into the bill.
func (s *Server) zoneEditHandler(w http.ResponseWriter, r *http.Request) {
	var req zoneEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Edits) == 0 {
		s.writeError(w, "at least one edit is required", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}

	edits := make([]zone.Edit, len(req.Edits))
	for i, e := range req.Edits {
		label := zone.Label(e.Label)
		if !label.Valid() {
			s.writeError(w, "Unknown zone label", http.StatusBadRequest)
			return
		}
		edits[i] = zone.Edit{ReplaceID: e.ReplaceID, Rect: e.Region.rect(), Label: label}
	}

	billID := r.PathValue("id")
	if err := s.review.EditZones(r.Context(), billID, req.Actor, req.Page, edits); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("zones").Inc()
	s.respondWithBill(w, billID)
}

// undoHandler reverts the most recent field-affecting action.
func (s *Server) undoHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	billID := r.PathValue("id")
	if err := s.review.Undo(billID, req.Actor); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("undo").Inc()
	s.respondWithBill(w, billID)
}

// approveHandler finalizes a bill; blocked while hard findings remain.
func (s *Server) approveHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	billID := r.PathValue("id")
	if err := s.review.Approve(billID, req.Actor); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("approve").Inc()
	s.respondWithBill(w, billID)
}

// rejectHandler discards a bill with a mandatory reason.
func (s *Server) rejectHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	billID := r.PathValue("id")
	if err := s.review.Reject(billID, req.Actor, req.Reason); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("reject").Inc()
	s.respondWithBill(w, billID)
}

// reopenHandler brings a terminal bill back into review.
func (s *Server) reopenHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReviewRequest(w, r)
	if !ok {
		return
	}
	billID := r.PathValue("id")
	if err := s.review.Reopen(billID, req.Actor, req.Reason); err != nil {
		s.writeMappedError(w, err)
		return
	}
	reviewActionsTotal.WithLabelValues("reopen").Inc()
	s.respondWithBill(w, billID)
}
