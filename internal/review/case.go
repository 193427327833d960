package review

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/calibrate"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/document"
	"github.com/MeKo-Tech/billscan/internal/extract"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/validate"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// Errors returned by review actions.
var (
	ErrNothingToUndo  = errors.New("nothing to undo")
	ErrReasonRequired = errors.New("a reason is required")
	ErrUnknownField   = errors.New("unknown field path")
	ErrUnknownLine    = errors.New("unknown line")
	ErrNoLocation     = errors.New("field has no page location")
)

// ValidationBlockedError is returned by Approve while hard findings remain.
type ValidationBlockedError struct {
	Findings []bill.Finding
}

func (e *ValidationBlockedError) Error() string {
	codes := make([]string, len(e.Findings))
	for i, f := range e.Findings {
		codes[i] = string(f.Code)
	}
	return "approval blocked by hard findings: " + strings.Join(codes, ", ")
}

// Bills persists bills with optimistic concurrency; backed by the host store.
type Bills interface {
	Get(id string) (*bill.Bill, error)
	// Put rejects stale writes: the stored version must equal b.Version,
	// which Put then increments.
	Put(b *bill.Bill) error
}

// Reextractor produces fresh field candidates from a page region. The
// pipeline implements it; review stays decoupled from zone/OCR plumbing.
type Reextractor interface {
	// ReextractField re-OCRs a page region and generates a new candidate
	// generation for the field. A deadline-bounded operation: ocr.ErrTimeout
	// is surfaced when the pass does not finish in time.
	ReextractField(ctx context.Context, documentID string, page int, region image.Rectangle, field extract.Field, profile ocr.Profile) ([]extract.Candidate, error)
	// ReextractAfterMask re-runs extraction for the zones a new mask
	// touches, returning new candidate generations per affected field.
	ReextractAfterMask(ctx context.Context, documentID string, mask document.Mask) (map[extract.Field][]extract.Candidate, error)
	// ReviseZones applies reviewer edits as a new zone-set version (the
	// prior version stays archived) and re-runs extraction over the edited
	// regions, returning new candidate generations per affected field.
	ReviseZones(ctx context.Context, documentID string, page int, edits []zone.Edit) (map[extract.Field][]extract.Candidate, error)
}

// Confirmations remembers reviewer-confirmed vendor-SKU-to-product pairings
// so the history matching strategy can reuse them on future bills. Backed by
// the host store.
type Confirmations interface {
	RecordConfirmed(ctx context.Context, vendorID, normalizedSKU, productID, internalSKU string) error
	UpsertAlias(ctx context.Context, a match.SkuAlias) error
}

// MaskStore persists mask regions; vendor-scoped masks are replayed onto
// future documents.
type MaskStore interface {
	AddMask(documentID string, m document.Mask) error
	VendorMasks(vendorID string) ([]document.Mask, error)
}

// fieldSnapshot captures one field's selection before a mutating action.
type fieldSnapshot struct {
	path         string
	prevSelected string
	prevAmbig    bool
}

func snapshotOf(path string, fr *extract.FieldResult) fieldSnapshot {
	return fieldSnapshot{path: path, prevSelected: fr.SelectedID, prevAmbig: fr.Ambiguous}
}

// undoRecord captures how to revert one field-affecting action. Candidate
// history is append-only, so restoring the prior selections is always
// enough. Mask and zone actions touch several fields at once; single-field
// actions carry one snapshot. Terminal decisions are not undoable; reopen is
// the supported path back.
type undoRecord struct {
	action ActionKind
	fields []fieldSnapshot
}

// Case serializes review actions for one bill. All mutations go through the
// case lock; concurrent reviews of different bills are fully independent.
type Case struct {
	mu   sync.Mutex
	bill *bill.Bill
	undo []undoRecord
}

// Manager owns the review cases and their collaborators.
type Manager struct {
	mu    sync.Mutex
	cases map[string]*Case

	bills      Bills
	audit      AuditLog
	masks      MaskStore
	validator  *validate.Engine
	calibrator *calibrate.Calibrator
	reextract  Reextractor
	confirmed  Confirmations

	// TieEpsilon mirrors the generator's tie window for re-ranking after
	// new candidate generations arrive.
	tieEpsilon float64
}

// NewManager creates a review manager.
func NewManager(bills Bills, audit AuditLog, masks MaskStore, validator *validate.Engine, calibrator *calibrate.Calibrator, reextract Reextractor, confirmed Confirmations) *Manager {
	return &Manager{
		cases:      make(map[string]*Case),
		bills:      bills,
		audit:      audit,
		masks:      masks,
		validator:  validator,
		calibrator: calibrator,
		reextract:  reextract,
		confirmed:  confirmed,
		tieEpsilon: extract.DefaultConfig().TieEpsilon,
	}
}

// caseFor returns the (possibly cached) case for a bill.
func (m *Manager) caseFor(billID string) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cases[billID]; ok {
		return c, nil
	}
	b, err := m.bills.Get(billID)
	if err != nil {
		return nil, err
	}
	c := &Case{bill: b}
	m.cases[billID] = c
	return c, nil
}

// withCase runs fn under the case lock and persists the bill afterwards.
func (m *Manager) withCase(billID string, fn func(c *Case) error) error {
	c, err := m.caseFor(billID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(c); err != nil {
		return err
	}
	return m.bills.Put(c.bill)
}

// ensureInReview auto-starts review on first action: Pending and Reopened
// bills move to InReview with an audit entry.
func (m *Manager) ensureInReview(c *Case, actor string) error {
	switch c.bill.State {
	case bill.StateInReview:
		return nil
	case bill.StatePending, bill.StateReopened:
		next, err := bill.Transition(c.bill.State, bill.StateInReview)
		if err != nil {
			return err
		}
		e := newAudit(c.bill.ID, actor, ActionStartReview, "bill", c.bill.ID)
		e.Before, e.After = string(c.bill.State), string(next)
		c.bill.State = next
		return m.audit.Append(e)
	default:
		return &bill.InvalidTransitionError{From: c.bill.State, To: bill.StateInReview}
	}
}

// revalidate atomically replaces the bill's validation snapshot.
func (m *Manager) revalidate(c *Case) {
	c.bill.SyncHeader()
	c.bill.Validation = m.validator.Run(c.bill)
}

// AcceptField confirms the selected candidate for a field, reinforcing the
// calibration curve for its signal combination.
func (m *Manager) AcceptField(billID, actor, path string) error {
	return m.withCase(billID, func(c *Case) error {
		if err := m.ensureInReview(c, actor); err != nil {
			return err
		}
		fr := c.bill.FieldResult(path)
		if fr == nil {
			return fmt.Errorf("%w: %s", ErrUnknownField, path)
		}
		sel := fr.Selected()
		if sel == nil {
			return fmt.Errorf("field %s has no selected candidate", path)
		}
		c.pushUndo(undoRecord{action: ActionAcceptField, fields: []fieldSnapshot{snapshotOf(path, fr)}})
		fr.Ambiguous = false

		e := newAudit(billID, actor, ActionAcceptField, "field", path)
		e.Path = path
		e.Before, e.After = sel.Raw, sel.Raw
		if err := m.audit.Append(e); err != nil {
			return err
		}
		m.recordOutcome(c.bill.VendorID, sel, true)
		m.revalidate(c)
		return nil
	})
}

// EditField enters a corrected value: a new manual candidate is appended and
// selected, the prior candidate (and its evidence) stays in history, and the
// correction lowers the calibration curve for the prior signal combination.
func (m *Manager) EditField(billID, actor, path, newValue string) error {
	return m.withCase(billID, func(c *Case) error {
		if err := m.ensureInReview(c, actor); err != nil {
			return err
		}
		fr := c.bill.FieldResult(path)
		if fr == nil {
			return fmt.Errorf("%w: %s", ErrUnknownField, path)
		}
		prior := fr.Selected()
		c.pushUndo(undoRecord{action: ActionEditField, fields: []fieldSnapshot{snapshotOf(path, fr)}})

		gen := nextGeneration(fr)
		manual := extract.NewManualCandidate(fr.Field, newValue, gen)
		fr.Candidates = append(fr.Candidates, manual)
		fr.Select(manual.ID)

		e := newAudit(billID, actor, ActionEditField, "field", path)
		e.Path = path
		if prior != nil {
			e.Before = prior.Raw
		}
		e.After = newValue
		if err := m.audit.Append(e); err != nil {
			return err
		}
		if prior != nil && !prior.Manual {
			m.recordOutcome(c.bill.VendorID, prior, false)
		}
		m.revalidate(c)
		return nil
	})
}

// LocateOnPage returns the source region of a field's selected candidate.
// Read-only: no audit entry, no state change.
func (m *Manager) LocateOnPage(billID, path string) (image.Rectangle, error) {
	c, err := m.caseFor(billID)
	if err != nil {
		return image.Rectangle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fr := c.bill.FieldResult(path)
	if fr == nil {
		return image.Rectangle{}, fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	sel := fr.Selected()
	if sel == nil || sel.Source == nil {
		return image.Rectangle{}, fmt.Errorf("%w: %s", ErrNoLocation, path)
	}
	return sel.Source.Box, nil
}

// TargetedReOCR re-runs recognition over a page sub-region and appends the
// resulting candidates, which compete with the existing ones. On timeout the
// prior candidates remain selected and ocr.ErrTimeout is returned.
func (m *Manager) TargetedReOCR(ctx context.Context, billID, actor, path string, page int, region image.Rectangle, profile ocr.Profile) error {
	return m.withCase(billID, func(c *Case) error {
		if err := m.ensureInReview(c, actor); err != nil {
			return err
		}
		fr := c.bill.FieldResult(path)
		if fr == nil {
			return fmt.Errorf("%w: %s", ErrUnknownField, path)
		}
		cands, err := m.reextract.ReextractField(ctx, c.bill.DocumentID, page, region, fr.Field, profile)
		if err != nil {
			return err
		}
		c.pushUndo(undoRecord{action: ActionTargetedReOCR, fields: []fieldSnapshot{snapshotOf(path, fr)}})
		before := fr.SelectedID
		fr.Append(cands, m.tieEpsilon)

		e := newAudit(billID, actor, ActionTargetedReOCR, "field", path)
		e.Path = path
		e.Before, e.After = before, fr.SelectedID
		if err := m.audit.Append(e); err != nil {
			return err
		}
		m.revalidate(c)
		return nil
	})
}

// AddMask persists a mask region (optionally remembered for the vendor) and
// re-triggers extraction for the zones it touches. New candidates compete;
// nothing is overwritten.
func (m *Manager) AddMask(ctx context.Context, billID, actor string, page int, region image.Rectangle, rememberForVendor bool) error {
	return m.withCase(billID, func(c *Case) error {
		if err := m.ensureInReview(c, actor); err != nil {
			return err
		}
		vendorID := ""
		if rememberForVendor {
			vendorID = c.bill.VendorID
		}
		mask := document.NewMask(page, region, vendorID)
		if err := m.masks.AddMask(c.bill.DocumentID, mask); err != nil {
			return err
		}

		regenerated, err := m.reextract.ReextractAfterMask(ctx, c.bill.DocumentID, mask)
		if err != nil {
			return err
		}
		if snaps := m.appendRegenerated(c, regenerated); len(snaps) > 0 {
			c.pushUndo(undoRecord{action: ActionAddMask, fields: snaps})
		}

		e := newAudit(billID, actor, ActionAddMask, "mask", mask.ID)
		e.After = fmt.Sprintf("page %d %v vendor_scoped=%t", page, region, rememberForVendor)
		if err := m.audit.Append(e); err != nil {
			return err
		}
		m.revalidate(c)
		return nil
	})
}

// EditZones applies reviewer corrections to a page's zone layout. The prior
// zone-set version stays archived, and re-extraction over the edited regions
// appends new candidates that compete with the existing ones.
func (m *Manager) EditZones(ctx context.Context, billID, actor string, page int, edits []zone.Edit) error {
	if len(edits) == 0 {
		return errors.New("no zone edits given")
	}
	return m.withCase(billID, func(c *Case) error {
		if err := m.ensureInReview(c, actor); err != nil {
			return err
		}
		regenerated, err := m.reextract.ReviseZones(ctx, c.bill.DocumentID, page, edits)
		if err != nil {
			return err
		}
		if snaps := m.appendRegenerated(c, regenerated); len(snaps) > 0 {
			c.pushUndo(undoRecord{action: ActionZoneEdit, fields: snaps})
		}

		e := newAudit(billID, actor, ActionZoneEdit, "zone", fmt.Sprintf("page-%d", page))
		e.After = fmt.Sprintf("%d edits on page %d", len(edits), page)
		if err := m.audit.Append(e); err != nil {
			return err
		}
		m.revalidate(c)
		return nil
	})
}

// Undo reverts the single most recent state-affecting action. The undo
// itself is logged; candidate history is never shortened.
func (m *Manager) Undo(billID, actor string) error {
	return m.withCase(billID, func(c *Case) error {
		rec, ok := c.popUndo()
		if !ok {
			return ErrNothingToUndo
		}
		paths := make([]string, 0, len(rec.fields))
		for _, f := range rec.fields {
			fr := c.bill.FieldResult(f.path)
			if fr == nil {
				return fmt.Errorf("%w: %s", ErrUnknownField, f.path)
			}
			fr.SelectedID = f.prevSelected
			fr.Ambiguous = f.prevAmbig
			paths = append(paths, f.path)
		}

		e := newAudit(billID, actor, ActionUndo, "bill", billID)
		e.Path = strings.Join(paths, ",")
		e.Before = string(rec.action)
		if err := m.audit.Append(e); err != nil {
			return err
		}
		m.revalidate(c)
		return nil
	})
}

// ManualMatch pins a line to a reviewer-chosen product. The confirmation is
// remembered for the vendor so the history strategy auto-matches the SKU on
// future bills; an alias is written when the reviewer asks for one.
func (m *Manager) ManualMatch(ctx context.Context, billID, actor, lineID string, p catalog.Product, rememberAlias bool) error {
	return m.attachProduct(ctx, billID, actor, lineID, p, bill.LineMatched, ActionManualMatch, rememberAlias)
}

// ProductCreated records a product freshly created from a line, pinning the
// line to it. The confirmation and optional alias are remembered the same
// way as a manual match.
func (m *Manager) ProductCreated(ctx context.Context, billID, actor, lineID string, p catalog.Product, rememberAlias bool) error {
	return m.attachProduct(ctx, billID, actor, lineID, p, bill.LineManuallyCreated, ActionCreateProduct, rememberAlias)
}

// attachProduct runs a reviewer product decision for one line under the case
// lock, writes the confirmation, and audits the action.
func (m *Manager) attachProduct(ctx context.Context, billID, actor, lineID string, p catalog.Product, status bill.LineStatus, action ActionKind, rememberAlias bool) error {
	return m.withCase(billID, func(c *Case) error {
		if err := m.ensureInReview(c, actor); err != nil {
			return err
		}
		line := c.bill.Line(lineID)
		if line == nil {
			return fmt.Errorf("%w: %s", ErrUnknownLine, lineID)
		}
		before := line.ProductID
		line.ProductID = p.ID
		line.MatchConfidence = 1.0
		line.MatchReason = &match.Reason{Strategy: "manual", Confidence: 1.0, Evidence: "confirmed by " + actor}
		line.Status = status

		if m.confirmed != nil && line.NormalizedSKU != "" {
			if err := m.confirmed.RecordConfirmed(ctx, c.bill.VendorID, line.NormalizedSKU, p.ID, p.SKU); err != nil {
				return err
			}
			if rememberAlias {
				a := match.SkuAlias{
					VendorID:      c.bill.VendorID,
					NormalizedSKU: line.NormalizedSKU,
					InternalSKU:   p.SKU,
					ProductID:     p.ID,
					UnitFactor:    decimal.NewFromInt(1),
				}
				if err := m.confirmed.UpsertAlias(ctx, a); err != nil {
					return err
				}
			}
		}

		e := newAudit(billID, actor, action, "line", lineID)
		e.Before, e.After = before, p.ID
		if err := m.audit.Append(e); err != nil {
			return err
		}
		m.revalidate(c)
		return nil
	})
}

// Approve finalizes the bill. It fails with ValidationBlockedError while any
// hard finding remains; the findings are recomputed first so the decision is
// never made on a stale snapshot.
func (m *Manager) Approve(billID, actor string) error {
	return m.withCase(billID, func(c *Case) error {
		m.revalidate(c)
		if hard := c.bill.Validation.Hard(); len(hard) > 0 {
			return &ValidationBlockedError{Findings: hard}
		}
		next, err := bill.Transition(c.bill.State, bill.StateApproved)
		if err != nil {
			return err
		}
		e := newAudit(billID, actor, ActionApprove, "bill", billID)
		e.Before, e.After = string(c.bill.State), string(next)
		c.bill.State = next
		return m.audit.Append(e)
	})
}

// Reject closes the bill with a mandatory reason.
func (m *Manager) Reject(billID, actor, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	return m.withCase(billID, func(c *Case) error {
		next, err := bill.Transition(c.bill.State, bill.StateRejected)
		if err != nil {
			return err
		}
		e := newAudit(billID, actor, ActionReject, "bill", billID)
		e.Before, e.After = string(c.bill.State), string(next)
		e.Reason = reason
		c.bill.State = next
		return m.audit.Append(e)
	})
}

// Reopen moves an approved bill back into review with a mandatory reason.
func (m *Manager) Reopen(billID, actor, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	return m.withCase(billID, func(c *Case) error {
		next, err := bill.Transition(c.bill.State, bill.StateReopened)
		if err != nil {
			return err
		}
		e := newAudit(billID, actor, ActionReopen, "bill", billID)
		e.Before, e.After = string(c.bill.State), string(next)
		e.Reason = reason
		c.bill.State = next
		return m.audit.Append(e)
	})
}

// Bill returns a point-in-time view of the bill under review.
func (m *Manager) Bill(billID string) (*bill.Bill, error) {
	c, err := m.caseFor(billID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bill, nil
}

// recordOutcome feeds a reviewer decision to the calibrator without
// blocking the review action.
func (m *Manager) recordOutcome(vendorID string, cand *extract.Candidate, wasCorrect bool) {
	sig := cand.Signals
	go func() { _ = m.calibrator.RecordOutcome(vendorID, sig, wasCorrect) }()
}

// appendRegenerated folds regenerated candidates into the header and returns
// the pre-append selection snapshots of every field that gained candidates.
func (m *Manager) appendRegenerated(c *Case, regenerated map[extract.Field][]extract.Candidate) []fieldSnapshot {
	var snaps []fieldSnapshot
	for field, cands := range regenerated {
		fr := c.bill.Header[field]
		if fr == nil || len(cands) == 0 {
			continue
		}
		snaps = append(snaps, snapshotOf(string(field), fr))
		fr.Append(cands, m.tieEpsilon)
	}
	return snaps
}

func (c *Case) pushUndo(rec undoRecord) {
	c.undo = append(c.undo, rec)
}

func (c *Case) popUndo() (undoRecord, bool) {
	if len(c.undo) == 0 {
		return undoRecord{}, false
	}
	rec := c.undo[len(c.undo)-1]
	c.undo = c.undo[:len(c.undo)-1]
	return rec, true
}

func nextGeneration(fr *extract.FieldResult) int {
	gen := 0
	for _, cand := range fr.Candidates {
		if cand.Generation > gen {
			gen = cand.Generation
		}
	}
	return gen + 1
}
