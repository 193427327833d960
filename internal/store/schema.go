// Package store provides the in-memory reference persistence layer. It
// implements every storage boundary the engine defines (bills, documents,
// zones, aliases, match history, masks, calibration curves, audit trail,
// catalog) on top of go-memdb, so the whole pipeline runs self-contained.
// Production deployments substitute host-system implementations per
// interface.
package store

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/MeKo-Tech/billscan/internal/bill"
)

const (
	tableBill        = "bill"
	tableDocument    = "document"
	tablePage        = "page"
	tableZoneSet     = "zone_set"
	tableAlias       = "alias"
	tableHistory     = "history"
	tableMask        = "mask"
	tableCalibration = "calibration"
	tableAudit       = "audit"
	tableProduct     = "product"
)

// billKeyIndexer indexes bills by their duplicate-detection key so a second
// upload of the same (store, vendor, invoice number) is rejected.
type billKeyIndexer struct{}

func (billKeyIndexer) FromObject(obj interface{}) (bool, []byte, error) {
	b, ok := obj.(*bill.Bill)
	if !ok {
		return false, nil, fmt.Errorf("object is not a bill")
	}
	if b.InvoiceNumber == "" {
		// No invoice number yet; the bill is indexed once extraction or
		// review fills it in.
		return false, nil, nil
	}
	return true, append([]byte(b.IdempotencyKey()), 0), nil
}

func (billKeyIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide one argument")
	}
	key, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string")
	}
	return append([]byte(key), 0), nil
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableBill: {
				Name: tableBill,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"idempotency": {
						Name:         "idempotency",
						AllowMissing: true,
						Unique:       true,
						Indexer:      billKeyIndexer{},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					"document": {
						Name:    "document",
						Indexer: &memdb.StringFieldIndex{Field: "DocumentID"},
					},
				},
			},
			tableDocument: {
				Name: tableDocument,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tablePage: {
				Name: tablePage,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"document": {
						Name:    "document",
						Indexer: &memdb.StringFieldIndex{Field: "DocumentID"},
					},
				},
			},
			tableZoneSet: {
				Name: tableZoneSet,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"page": {
						Name: "page",
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "DocumentID"},
								&memdb.IntFieldIndex{Field: "Page"},
							},
						},
					},
				},
			},
			tableAlias: {
				Name: tableAlias,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"vendor_sku": {
						Name: "vendor_sku",
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "VendorID"},
								&memdb.StringFieldIndex{Field: "NormalizedSKU"},
							},
						},
					},
				},
			},
			tableHistory: {
				Name: tableHistory,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tableMask: {
				Name: tableMask,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"document": {
						Name:    "document",
						Indexer: &memdb.StringFieldIndex{Field: "DocumentID"},
					},
					"vendor": {
						Name:         "vendor",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "VendorID"},
					},
				},
			},
			tableCalibration: {
				Name: tableCalibration,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "VendorID"},
					},
				},
			},
			tableAudit: {
				Name: tableAudit,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"bill": {
						Name:    "bill",
						Indexer: &memdb.StringFieldIndex{Field: "BillID"},
					},
				},
			},
			tableProduct: {
				Name: tableProduct,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"sku": {
						Name:    "sku",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "SKU"},
					},
					"barcode": {
						Name:         "barcode",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Barcode"},
					},
					"mpn": {
						Name:         "mpn",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "MPN"},
					},
				},
			},
		},
	}
}
