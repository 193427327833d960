// Package match resolves vendor bill line items to internal catalog entries
// through an ordered strategy cascade.
package match

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SkuAlias maps a vendor's SKU text to an internal SKU. Aliases are written
// as a side effect of confirmed matches and consulted first by the cascade.
type SkuAlias struct {
	VendorID      string          `json:"vendor_id"`
	NormalizedSKU string          `json:"normalized_sku"`
	InternalSKU   string          `json:"internal_sku"`
	ProductID     string          `json:"product_id"`
	UnitFactor    decimal.Decimal `json:"unit_factor"` // vendor unit -> stock unit
	Priority      int             `json:"priority"`
	UsageCount    int             `json:"usage_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AliasSource reads and writes alias records; backed by the host store.
type AliasSource interface {
	FindAliases(ctx context.Context, vendorID, normalizedSKU string) ([]SkuAlias, error)
	UpsertAlias(ctx context.Context, a SkuAlias) error
}

// HistorySource reads previously human-confirmed vendor+SKU mappings that
// have not yet been promoted to aliases.
type HistorySource interface {
	FindConfirmed(ctx context.Context, vendorID, normalizedSKU string) (productID string, internalSKU string, ok bool, err error)
	RecordConfirmed(ctx context.Context, vendorID, normalizedSKU, productID, internalSKU string) error
}
