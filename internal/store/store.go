package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/calibrate"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/document"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/review"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// Errors reported by store operations.
var (
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("stale version")
	ErrDuplicateInvoice = errors.New("duplicate invoice for vendor and store")
	ErrDuplicateSKU     = errors.New("sku already exists")
)

// Store is the all-in-one in-memory backend.
type Store struct {
	db *memdb.MemDB
}

// New creates an empty store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("building schema: %w", err)
	}
	return &Store{db: db}, nil
}

// maskRecord attaches the owning document to a mask region.
type maskRecord struct {
	document.Mask
	DocumentID string
}

// pageRecord is one normalized page image keyed by document and number.
type pageRecord struct {
	ID         string
	DocumentID string
	Page       document.Page
}

// zoneSetRecord is one immutable zone-set version for a page.
type zoneSetRecord struct {
	ID         string
	DocumentID string
	Page       int
	Version    int
	Zones      []zone.Zone
}

// historyRecord is one human-confirmed vendor SKU mapping.
type historyRecord struct {
	ID            string
	VendorID      string
	NormalizedSKU string
	ProductID     string
	InternalSKU   string
	ConfirmedAt   time.Time
}

// calibrationRecord holds one vendor's calibration curve.
type calibrationRecord struct {
	VendorID string
	Curve    calibrate.Curve
}

// aliasRecord gives SkuAlias a unique primary key.
type aliasRecord struct {
	match.SkuAlias
	ID string
}

func aliasID(vendorID, normalizedSKU, internalSKU string) string {
	return vendorID + "|" + normalizedSKU + "|" + internalSKU
}

// --- Bills ---

// CreateBill inserts a new bill, rejecting duplicates of the same
// (store, vendor, invoice number) key.
func (s *Store) CreateBill(b *bill.Bill) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if b.InvoiceNumber != "" {
		existing, err := txn.First(tableBill, "idempotency", b.IdempotencyKey())
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, b.InvoiceNumber)
		}
	}
	clone := *b
	if err := txn.Insert(tableBill, &clone); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetBill returns the bill or ErrNotFound.
func (s *Store) GetBill(id string) (*bill.Bill, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableBill, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: bill %s", ErrNotFound, id)
	}
	return raw.(*bill.Bill), nil
}

// Get implements review.Bills.
func (s *Store) Get(id string) (*bill.Bill, error) { return s.GetBill(id) }

// Put implements review.Bills with optimistic concurrency: the stored
// version must match the caller's, and the write bumps it.
func (s *Store) Put(b *bill.Bill) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableBill, "id", b.ID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: bill %s", ErrNotFound, b.ID)
	}
	if raw.(*bill.Bill).Version != b.Version {
		return fmt.Errorf("%w: bill %s version %d", ErrVersionConflict, b.ID, b.Version)
	}
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	clone := *b
	if err := txn.Insert(tableBill, &clone); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ListBillsByState returns bills in the given state, oldest first.
func (s *Store) ListBillsByState(state bill.State) ([]*bill.Bill, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableBill, "state", string(state))
	if err != nil {
		return nil, err
	}
	var out []*bill.Bill
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*bill.Bill))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// BillForDocument returns the bill created from a document, nil when none.
func (s *Store) BillForDocument(documentID string) (*bill.Bill, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableBill, "document", documentID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*bill.Bill), nil
}

// --- Documents and pages ---

// PutDocument inserts or replaces document metadata.
func (s *Store) PutDocument(d *document.Document) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	clone := *d
	if err := txn.Insert(tableDocument, &clone); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetDocument returns the document or ErrNotFound.
func (s *Store) GetDocument(id string) (*document.Document, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableDocument, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return raw.(*document.Document), nil
}

// PutPages stores the normalized pages of a document.
func (s *Store) PutPages(documentID string, pages []document.Page) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	for _, p := range pages {
		rec := &pageRecord{
			ID:         fmt.Sprintf("%s|%d", documentID, p.Number),
			DocumentID: documentID,
			Page:       p,
		}
		if err := txn.Insert(tablePage, rec); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// GetPage returns one normalized page.
func (s *Store) GetPage(documentID string, number int) (*document.Page, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tablePage, "id", fmt.Sprintf("%s|%d", documentID, number))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: page %d of document %s", ErrNotFound, number, documentID)
	}
	page := raw.(*pageRecord).Page
	return &page, nil
}

// --- Zones ---

// PutZones stores one zone-set version for a page. Versions are immutable;
// a zone edit writes the next version rather than touching this one.
func (s *Store) PutZones(documentID string, page, version int, zones []zone.Zone) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	rec := &zoneSetRecord{
		ID:         fmt.Sprintf("%s|%d|%d", documentID, page, version),
		DocumentID: documentID,
		Page:       page,
		Version:    version,
		Zones:      zones,
	}
	if err := txn.Insert(tableZoneSet, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// LatestZones returns the newest zone-set version for a page; nil when the
// page has none.
func (s *Store) LatestZones(documentID string, page int) ([]zone.Zone, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableZoneSet, "page", documentID, page)
	if err != nil {
		return nil, 0, err
	}
	var best *zoneSetRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*zoneSetRecord)
		if best == nil || rec.Version > best.Version {
			best = rec
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best.Zones, best.Version, nil
}

// --- Aliases and match history ---

// FindAliases implements match.AliasSource.
func (s *Store) FindAliases(ctx context.Context, vendorID, normalizedSKU string) ([]match.SkuAlias, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableAlias, "vendor_sku", vendorID, normalizedSKU)
	if err != nil {
		return nil, err
	}
	var out []match.SkuAlias
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*aliasRecord).SkuAlias)
	}
	return out, nil
}

// UpsertAlias implements match.AliasSource. An existing alias for the same
// mapping keeps its creation time and accumulates usage.
func (s *Store) UpsertAlias(ctx context.Context, a match.SkuAlias) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	id := aliasID(a.VendorID, a.NormalizedSKU, a.InternalSKU)
	now := time.Now().UTC()
	if raw, err := txn.First(tableAlias, "id", id); err != nil {
		return err
	} else if raw != nil {
		prev := raw.(*aliasRecord)
		a.CreatedAt = prev.CreatedAt
		a.UsageCount = prev.UsageCount + 1
	} else {
		a.CreatedAt = now
		if a.UsageCount == 0 {
			a.UsageCount = 1
		}
	}
	a.UpdatedAt = now
	if err := txn.Insert(tableAlias, &aliasRecord{SkuAlias: a, ID: id}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// FindConfirmed implements match.HistorySource.
func (s *Store) FindConfirmed(ctx context.Context, vendorID, normalizedSKU string) (string, string, bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableHistory, "id", vendorID+"|"+normalizedSKU)
	if err != nil {
		return "", "", false, err
	}
	if raw == nil {
		return "", "", false, nil
	}
	rec := raw.(*historyRecord)
	return rec.ProductID, rec.InternalSKU, true, nil
}

// RecordConfirmed implements match.HistorySource.
func (s *Store) RecordConfirmed(ctx context.Context, vendorID, normalizedSKU, productID, internalSKU string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	rec := &historyRecord{
		ID:            vendorID + "|" + normalizedSKU,
		VendorID:      vendorID,
		NormalizedSKU: normalizedSKU,
		ProductID:     productID,
		InternalSKU:   internalSKU,
		ConfirmedAt:   time.Now().UTC(),
	}
	if err := txn.Insert(tableHistory, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- Masks ---

// AddMask implements review.MaskStore.
func (s *Store) AddMask(documentID string, m document.Mask) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableMask, &maskRecord{Mask: m, DocumentID: documentID}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DocumentMasks returns the masks recorded for one document.
func (s *Store) DocumentMasks(documentID string) ([]document.Mask, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableMask, "document", documentID)
	if err != nil {
		return nil, err
	}
	var out []document.Mask
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*maskRecord).Mask)
	}
	return out, nil
}

// VendorMasks implements review.MaskStore: masks remembered for a vendor,
// replayed onto future documents from that vendor.
func (s *Store) VendorMasks(vendorID string) ([]document.Mask, error) {
	if vendorID == "" {
		return nil, nil
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableMask, "vendor", vendorID)
	if err != nil {
		return nil, err
	}
	var out []document.Mask
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*maskRecord).Mask)
	}
	return out, nil
}

// --- Calibration ---

// LoadCurve implements calibrate.Store.
func (s *Store) LoadCurve(vendorID string) (calibrate.Curve, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableCalibration, "id", vendorID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*calibrationRecord).Curve, nil
}

// SaveCurve implements calibrate.Store.
func (s *Store) SaveCurve(vendorID string, c calibrate.Curve) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableCalibration, &calibrationRecord{VendorID: vendorID, Curve: c}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- Audit ---

// Append implements review.AuditLog. Entries are insert-only.
func (s *Store) Append(e review.AuditEntry) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := txn.Insert(tableAudit, &e); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ForBill implements review.AuditLog, returning the trail oldest first.
func (s *Store) ForBill(billID string) ([]review.AuditEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableAudit, "bill", billID)
	if err != nil {
		return nil, err
	}
	var out []review.AuditEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*review.AuditEntry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// --- Catalog ---

// FindBySKU implements catalog.Lookup; nil when absent.
func (s *Store) FindBySKU(ctx context.Context, sku string) (*catalog.Product, error) {
	return s.productBy("sku", catalog.NormalizeSKU(sku))
}

// FindByBarcode implements catalog.Lookup; nil when absent.
func (s *Store) FindByBarcode(ctx context.Context, code string) (*catalog.Product, error) {
	return s.productBy("barcode", code)
}

// FindByMPN implements catalog.Lookup; nil when absent.
func (s *Store) FindByMPN(ctx context.Context, mpn string) (*catalog.Product, error) {
	return s.productBy("mpn", mpn)
}

func (s *Store) productBy(index, key string) (*catalog.Product, error) {
	if key == "" {
		return nil, nil
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableProduct, index, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	p := *raw.(*catalog.Product)
	return &p, nil
}

// Search implements catalog.Lookup with a substring scan over name and
// description. Adequate for the in-memory reference backend; host catalogs
// bring their own search.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]catalog.Product, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableProduct, "id")
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	var out []catalog.Product
	for raw := it.Next(); raw != nil; raw = it.Next() {
		p := raw.(*catalog.Product)
		if q == "" ||
			strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Description), q) {
			out = append(out, *p)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetProduct returns a product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	return s.productBy("id", id)
}

// UpdateCosts overwrites a product's cost fields.
func (s *Store) UpdateCosts(ctx context.Context, productID string, cost, vendorCost decimal.Decimal) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableProduct, "id", productID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	p := *raw.(*catalog.Product)
	p.Cost = cost
	p.VendorCost = vendorCost
	if err := txn.Insert(tableProduct, &p); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Create implements catalog.Lookup. The SKU is normalized and must be new.
func (s *Store) Create(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	p.SKU = catalog.NormalizeSKU(p.SKU)
	if p.SKU == "" {
		return catalog.Product{}, fmt.Errorf("product sku is required")
	}
	if existing, err := txn.First(tableProduct, "sku", p.SKU); err != nil {
		return catalog.Product{}, err
	} else if existing != nil {
		return catalog.Product{}, fmt.Errorf("%w: %s", ErrDuplicateSKU, p.SKU)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	clone := p
	if err := txn.Insert(tableProduct, &clone); err != nil {
		return catalog.Product{}, err
	}
	txn.Commit()
	return p, nil
}
