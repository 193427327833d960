package review

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeBills struct {
	mu    sync.Mutex
	bills map[string]*bill.Bill
}

func newFakeBills() *fakeBills {
	return &fakeBills{bills: make(map[string]*bill.Bill)}
}

func (f *fakeBills) Get(id string) (*bill.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bills[id]
	if !ok {
		return nil, fmt.Errorf("bill %s not found", id)
	}
	return b, nil
}

func (f *fakeBills) Put(b *bill.Bill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	f.bills[b.ID] = b
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (f *fakeAudit) Append(e AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) ForBill(billID string) ([]AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AuditEntry
	for _, e := range f.entries {
		if e.BillID == billID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAudit) actions() []ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ActionKind, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Action
	}
	return out
}

type fakeMasks struct {
	mu    sync.Mutex
	added []document.Mask
}

func (f *fakeMasks) AddMask(documentID string, m document.Mask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, m)
	return nil
}

func (f *fakeMasks) VendorMasks(vendorID string) ([]document.Mask, error) {
	return nil, nil
}

type fakeReextract struct {
	fieldCands []extract.Candidate
	fieldErr   error
	maskCands  map[extract.Field][]extract.Candidate
	zoneCands  map[extract.Field][]extract.Candidate
	zoneEdits  []zone.Edit
}

func (f *fakeReextract) ReextractField(ctx context.Context, documentID string, page int, region image.Rectangle, field extract.Field, profile ocr.Profile) ([]extract.Candidate, error) {
	return f.fieldCands, f.fieldErr
}

func (f *fakeReextract) ReextractAfterMask(ctx context.Context, documentID string, mask document.Mask) (map[extract.Field][]extract.Candidate, error) {
	return f.maskCands, nil
}

func (f *fakeReextract) ReviseZones(ctx context.Context, documentID string, page int, edits []zone.Edit) (map[extract.Field][]extract.Candidate, error) {
	f.zoneEdits = edits
	return f.zoneCands, nil
}

type confirmedPair struct {
	vendorID, normalizedSKU, productID, internalSKU string
}

type fakeConfirmations struct {
	mu        sync.Mutex
	confirmed []confirmedPair
	aliases   []match.SkuAlias
}

func (f *fakeConfirmations) RecordConfirmed(ctx context.Context, vendorID, normalizedSKU, productID, internalSKU string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, confirmedPair{vendorID, normalizedSKU, productID, internalSKU})
	return nil
}

func (f *fakeConfirmations) UpsertAlias(ctx context.Context, a match.SkuAlias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases = append(f.aliases, a)
	return nil
}

func candidate(field extract.Field, raw string, conf float64) extract.Candidate {
	val := extract.Value{Kind: extract.KindString, Text: raw}
	switch field {
	case extract.FieldSubtotal, extract.FieldTax, extract.FieldTotal:
		amt, _ := decimal.NewFromString(raw)
		val = extract.Value{Kind: extract.KindCurrency, Text: raw, Amount: amt}
	case extract.FieldInvoiceDate:
		d, _ := time.Parse("2006-01-02", raw)
		val = extract.Value{Kind: extract.KindDate, Text: raw, Date: d}
	}
	return extract.Candidate{
		ID:         "cand-" + string(field) + "-" + raw,
		Field:      field,
		Raw:        raw,
		Value:      val,
		Confidence: conf,
		Evidence:   []extract.Evidence{{Kind: extract.EvidenceFormat, Weight: 1}},
	}
}

func fieldResult(field extract.Field, cands ...extract.Candidate) *extract.FieldResult {
	fr := &extract.FieldResult{Field: field, Candidates: cands}
	if len(cands) > 0 {
		fr.SelectedID = cands[0].ID
	}
	return fr
}

// completeBill builds a bill whose header passes every hard rule.
func completeBill() *bill.Bill {
	b := bill.New("store-1", "doc-1", "vendor-1")
	b.Header[extract.FieldVendorName] = fieldResult(extract.FieldVendorName, candidate(extract.FieldVendorName, "Acme Supply Co", 0.92))
	b.Header[extract.FieldInvoiceNumber] = fieldResult(extract.FieldInvoiceNumber, candidate(extract.FieldInvoiceNumber, "INV-1001", 0.88))
	b.Header[extract.FieldInvoiceDate] = fieldResult(extract.FieldInvoiceDate, candidate(extract.FieldInvoiceDate, "2026-01-15", 0.9))
	b.Header[extract.FieldSubtotal] = fieldResult(extract.FieldSubtotal, candidate(extract.FieldSubtotal, "100.00", 0.85))
	b.Header[extract.FieldTax] = fieldResult(extract.FieldTax, candidate(extract.FieldTax, "8.25", 0.85))
	b.Header[extract.FieldTotal] = fieldResult(extract.FieldTotal, candidate(extract.FieldTotal, "108.25", 0.85))
	b.SyncHeader()
	return b
}

func newTestManager(t *testing.T, bills ...*bill.Bill) (*Manager, *fakeBills, *fakeAudit, *fakeReextract) {
	t.Helper()
	store := newFakeBills()
	for _, b := range bills {
		store.bills[b.ID] = b
	}
	audit := &fakeAudit{}
	reex := &fakeReextract{}
	m := NewManager(store, audit, &fakeMasks{}, validate.NewEngine(validate.DefaultConfig()), calibrate.NewCalibrator(nil), reex, &fakeConfirmations{})
	return m, store, audit, reex
}

func TestAcceptFieldStartsReview(t *testing.T) {
	b := completeBill()
	m, _, audit, _ := newTestManager(t, b)

	require.NoError(t, m.AcceptField(b.ID, "alice", "invoice_number"))

	got, err := m.Bill(b.ID)
	require.NoError(t, err)
	assert.Equal(t, bill.StateInReview, got.State)
	assert.Equal(t, []ActionKind{ActionStartReview, ActionAcceptField}, audit.actions())
}

func TestAcceptFieldUnknownPath(t *testing.T) {
	b := completeBill()
	m, _, _, _ := newTestManager(t, b)

	err := m.AcceptField(b.ID, "alice", "no_such_field")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestEditFieldAppendsManualCandidate(t *testing.T) {
	b := completeBill()
	m, _, _, _ := newTestManager(t, b)

	require.NoError(t, m.EditField(b.ID, "alice", "invoice_number", "INV-2002"))

	got, _ := m.Bill(b.ID)
	fr := got.Header[extract.FieldInvoiceNumber]
	require.Len(t, fr.Candidates, 2, "prior candidate must stay in history")
	sel := fr.Selected()
	require.NotNil(t, sel)
	assert.True(t, sel.Manual)
	assert.Equal(t, "INV-2002", sel.Raw)
	assert.Equal(t, 1.0, sel.Confidence)
	assert.Equal(t, "INV-2002", got.InvoiceNumber, "typed header must follow the selection")
}

func TestUndoRestoresPriorSelection(t *testing.T) {
	b := completeBill()
	prior := b.Header[extract.FieldInvoiceNumber].SelectedID
	m, _, audit, _ := newTestManager(t, b)

	require.NoError(t, m.EditField(b.ID, "alice", "invoice_number", "INV-2002"))
	require.NoError(t, m.Undo(b.ID, "alice"))

	got, _ := m.Bill(b.ID)
	fr := got.Header[extract.FieldInvoiceNumber]
	assert.Equal(t, prior, fr.SelectedID)
	assert.Len(t, fr.Candidates, 2, "undo must not shorten history")
	assert.Contains(t, audit.actions(), ActionUndo)
}

func TestUndoEmptyStack(t *testing.T) {
	b := completeBill()
	m, _, _, _ := newTestManager(t, b)

	err := m.Undo(b.ID, "alice")
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestApproveBlockedByHardFinding(t *testing.T) {
	b := completeBill()
	// 100.00 + 8.25 stated as 108.26 must hard-fail.
	b.Header[extract.FieldTotal] = fieldResult(extract.FieldTotal, candidate(extract.FieldTotal, "108.26", 0.85))
	b.SyncHeader()
	m, _, _, _ := newTestManager(t, b)
	require.NoError(t, m.AcceptField(b.ID, "alice", "invoice_number"))

	err := m.Approve(b.ID, "alice")
	var blocked *ValidationBlockedError
	require.ErrorAs(t, err, &blocked)
	codes := make([]bill.FindingCode, len(blocked.Findings))
	for i, f := range blocked.Findings {
		codes[i] = f.Code
	}
	assert.Contains(t, codes, bill.CodeTotalMathError)

	got, _ := m.Bill(b.ID)
	assert.Equal(t, bill.StateInReview, got.State)
}

func TestApproveAfterFixingTotal(t *testing.T) {
	b := completeBill()
	b.Header[extract.FieldTotal] = fieldResult(extract.FieldTotal, candidate(extract.FieldTotal, "108.26", 0.85))
	b.SyncHeader()
	m, _, _, _ := newTestManager(t, b)

	require.NoError(t, m.EditField(b.ID, "alice", "total", "108.25"))
	require.NoError(t, m.Approve(b.ID, "alice"))

	got, _ := m.Bill(b.ID)
	assert.Equal(t, bill.StateApproved, got.State)
}

func TestRejectRequiresReason(t *testing.T) {
	b := completeBill()
	m, _, _, _ := newTestManager(t, b)
	require.NoError(t, m.AcceptField(b.ID, "alice", "invoice_number"))

	assert.ErrorIs(t, m.Reject(b.ID, "alice", "  "), ErrReasonRequired)
	require.NoError(t, m.Reject(b.ID, "alice", "not our vendor"))

	got, _ := m.Bill(b.ID)
	assert.Equal(t, bill.StateRejected, got.State)
}

func TestReopenApprovedBill(t *testing.T) {
	b := completeBill()
	m, _, audit, _ := newTestManager(t, b)
	require.NoError(t, m.AcceptField(b.ID, "alice", "invoice_number"))
	require.NoError(t, m.Approve(b.ID, "alice"))

	assert.ErrorIs(t, m.Reopen(b.ID, "bob", ""), ErrReasonRequired)
	require.NoError(t, m.Reopen(b.ID, "bob", "price dispute"))

	got, _ := m.Bill(b.ID)
	assert.Equal(t, bill.StateReopened, got.State)

	// First action after reopening moves the bill back into review.
	require.NoError(t, m.AcceptField(b.ID, "bob", "total"))
	got, _ = m.Bill(b.ID)
	assert.Equal(t, bill.StateInReview, got.State)
	assert.Contains(t, audit.actions(), ActionReopen)
}

func TestTargetedReOCRAppendsGeneration(t *testing.T) {
	b := completeBill()
	m, _, _, reex := newTestManager(t, b)

	better := candidate(extract.FieldInvoiceNumber, "INV-1OO1", 0.95)
	better.Generation = 1
	reex.fieldCands = []extract.Candidate{better}

	region := image.Rect(10, 10, 200, 40)
	require.NoError(t, m.TargetedReOCR(context.Background(), b.ID, "alice", "invoice_number", 1, region, ocr.ProfileHighAccuracy))

	got, _ := m.Bill(b.ID)
	fr := got.Header[extract.FieldInvoiceNumber]
	assert.Len(t, fr.Candidates, 2)
	sel := fr.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, "INV-1OO1", sel.Raw, "higher confidence candidate wins after re-OCR")
}

func TestTargetedReOCRTimeoutKeepsSelection(t *testing.T) {
	b := completeBill()
	prior := b.Header[extract.FieldInvoiceNumber].SelectedID
	m, _, _, reex := newTestManager(t, b)
	reex.fieldErr = ocr.ErrTimeout

	err := m.TargetedReOCR(context.Background(), b.ID, "alice", "invoice_number", 1, image.Rect(0, 0, 10, 10), ocr.ProfileFast)
	require.True(t, errors.Is(err, ocr.ErrTimeout))

	got, _ := m.Bill(b.ID)
	assert.Equal(t, prior, got.Header[extract.FieldInvoiceNumber].SelectedID)
}

func TestAddMaskTriggersReextraction(t *testing.T) {
	b := completeBill()
	m, _, audit, reex := newTestManager(t, b)
	reex.maskCands = map[extract.Field][]extract.Candidate{
		extract.FieldTotal: {candidate(extract.FieldTotal, "99.10", 0.4)},
	}

	require.NoError(t, m.AddMask(context.Background(), b.ID, "alice", 1, image.Rect(0, 500, 300, 600), true))

	got, _ := m.Bill(b.ID)
	fr := got.Header[extract.FieldTotal]
	assert.Len(t, fr.Candidates, 2, "mask regeneration appends, never replaces")
	sel := fr.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, "108.25", sel.Raw, "weaker regenerated candidate must not displace the winner")
	assert.Contains(t, audit.actions(), ActionAddMask)
}

func TestAddMaskUndoRestoresSelection(t *testing.T) {
	b := completeBill()
	prior := b.Header[extract.FieldTotal].SelectedID
	m, _, _, reex := newTestManager(t, b)
	reex.maskCands = map[extract.Field][]extract.Candidate{
		extract.FieldTotal: {candidate(extract.FieldTotal, "99.10", 0.95)},
	}

	require.NoError(t, m.AddMask(context.Background(), b.ID, "alice", 1, image.Rect(0, 500, 300, 600), false))

	got, _ := m.Bill(b.ID)
	fr := got.Header[extract.FieldTotal]
	require.NotEqual(t, prior, fr.SelectedID, "stronger regenerated candidate must take over")

	require.NoError(t, m.Undo(b.ID, "alice"))
	got, _ = m.Bill(b.ID)
	fr = got.Header[extract.FieldTotal]
	assert.Equal(t, prior, fr.SelectedID)
	assert.Len(t, fr.Candidates, 2, "undo must not shorten history")
}

func TestEditZonesAppendsCandidates(t *testing.T) {
	b := completeBill()
	m, _, audit, reex := newTestManager(t, b)
	reex.zoneCands = map[extract.Field][]extract.Candidate{
		extract.FieldTotal: {candidate(extract.FieldTotal, "108.25", 0.97)},
	}

	edits := []zone.Edit{{Rect: image.Rect(500, 600, 800, 700), Label: zone.LabelTotals}}
	require.NoError(t, m.EditZones(context.Background(), b.ID, "alice", 1, edits))

	require.Len(t, reex.zoneEdits, 1)
	assert.Equal(t, zone.LabelTotals, reex.zoneEdits[0].Label)

	got, _ := m.Bill(b.ID)
	fr := got.Header[extract.FieldTotal]
	assert.Len(t, fr.Candidates, 2, "zone regeneration appends, never replaces")
	assert.Contains(t, audit.actions(), ActionZoneEdit)
}

func TestEditZonesRequiresEdits(t *testing.T) {
	b := completeBill()
	m, _, _, _ := newTestManager(t, b)

	err := m.EditZones(context.Background(), b.ID, "alice", 1, nil)
	assert.Error(t, err)
}

func TestManualMatchRecordsConfirmation(t *testing.T) {
	b := completeBill()
	b.Lines = []bill.LineItem{{
		ID:            "line-1",
		RawSKU:        "WID-42",
		NormalizedSKU: "WID42",
		Status:        bill.LineUnmatched,
	}}
	store := newFakeBills()
	store.bills[b.ID] = b
	audit := &fakeAudit{}
	confirmed := &fakeConfirmations{}
	m := NewManager(store, audit, &fakeMasks{}, validate.NewEngine(validate.DefaultConfig()), calibrate.NewCalibrator(nil), &fakeReextract{}, confirmed)

	p := catalog.Product{ID: "prod-9", SKU: "W-42", Name: "Blue Widget"}
	require.NoError(t, m.ManualMatch(context.Background(), b.ID, "alice", "line-1", p, true))

	got, _ := m.Bill(b.ID)
	line := got.Line("line-1")
	require.NotNil(t, line)
	assert.Equal(t, "prod-9", line.ProductID)
	assert.Equal(t, bill.LineMatched, line.Status)
	require.NotNil(t, line.MatchReason)
	assert.Equal(t, "manual", line.MatchReason.Strategy)

	require.Len(t, confirmed.confirmed, 1)
	assert.Equal(t, confirmedPair{"vendor-1", "WID42", "prod-9", "W-42"}, confirmed.confirmed[0])
	require.Len(t, confirmed.aliases, 1, "create_alias must write the vendor alias")
	assert.Equal(t, "prod-9", confirmed.aliases[0].ProductID)
	assert.Contains(t, audit.actions(), ActionManualMatch)

	err := m.ManualMatch(context.Background(), b.ID, "alice", "nope", p, false)
	assert.ErrorIs(t, err, ErrUnknownLine)
}

func TestWorklistOrdering(t *testing.T) {
	b := completeBill()
	// Ambiguous invoice number, a weak tax value, and an unmatched line.
	b.Header[extract.FieldInvoiceNumber].Ambiguous = true
	b.Header[extract.FieldTax] = fieldResult(extract.FieldTax, candidate(extract.FieldTax, "8.25", 0.41))
	b.SyncHeader()
	b.Lines = []bill.LineItem{{
		ID:     "line-1",
		RawSKU: "WID-42",
		Status: bill.LineUnmatched,
	}}
	m, _, _, _ := newTestManager(t, b)
	require.NoError(t, m.AcceptField(b.ID, "alice", "vendor_name"))

	items, err := m.Worklist(b.ID, 0.7)
	require.NoError(t, err)
	require.NotEmpty(t, items)

	var reasons []AttentionReason
	for _, it := range items {
		reasons = append(reasons, it.Reason)
	}
	// Hard finding from the ambiguous selection leads the queue.
	assert.Equal(t, ReasonHardFinding, items[0].Reason)
	assert.Contains(t, reasons, ReasonAmbiguous)
	assert.Contains(t, reasons, ReasonUnmatchedLine)
	assert.Contains(t, reasons, ReasonLowConfidence)
	for _, it := range items {
		if it.Reason == ReasonLowConfidence {
			assert.Less(t, it.Confidence, 0.7)
		}
	}
}

func TestWorklistDropsHandledFields(t *testing.T) {
	b := completeBill()
	b.Header[extract.FieldTax] = fieldResult(extract.FieldTax, candidate(extract.FieldTax, "8.25", 0.41))
	b.SyncHeader()
	m, _, _, _ := newTestManager(t, b)

	items, err := m.Worklist(b.ID, 0.7)
	require.NoError(t, err)
	require.True(t, hasPath(items, "tax"))

	// A manual correction removes the field from the queue.
	require.NoError(t, m.EditField(b.ID, "alice", "tax", "8.25"))
	items, err = m.Worklist(b.ID, 0.7)
	require.NoError(t, err)
	assert.False(t, hasPath(items, "tax"))
}

func hasPath(items []AttentionItem, path string) bool {
	for _, it := range items {
		if it.Path == path {
			return true
		}
	}
	return false
}

func TestQueuePowerModeKeepsClearedFields(t *testing.T) {
	b := completeBill()
	m, _, _, _ := newTestManager(t, b)

	guided, err := m.Queue(b.ID, ModeGuided, 0.7)
	require.NoError(t, err)
	power, err := m.Queue(b.ID, ModePower, 0.7)
	require.NoError(t, err)

	assert.Greater(t, len(power), len(guided))
	require.True(t, hasPath(power, "vendor_name"))
}

func TestLocateOnPage(t *testing.T) {
	b := completeBill()
	b.Header[extract.FieldInvoiceNumber].Candidates[0].Source = &ocr.Token{
		Text:       "INV-1001",
		Confidence: 0.9,
		Box:        image.Rect(12, 30, 112, 54),
	}
	m, _, _, _ := newTestManager(t, b)

	rect, err := m.LocateOnPage(b.ID, "invoice_number")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(12, 30, 112, 54), rect)

	_, err = m.LocateOnPage(b.ID, "vendor_name")
	require.ErrorIs(t, err, ErrNoLocation)

	_, err = m.LocateOnPage(b.ID, "no_such_field")
	require.ErrorIs(t, err, ErrUnknownField)
}
