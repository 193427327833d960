// Package catalog defines the boundary to the host system's product catalog.
package catalog

import (
	"context"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Product is the slice of a catalog entry the matching engine needs.
type Product struct {
	ID          string          `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Barcode     string          `json:"barcode,omitempty"`
	MPN         string          `json:"mpn,omitempty"`
	Cost        decimal.Decimal `json:"cost"`
	VendorCost  decimal.Decimal `json:"vendor_cost"`
}

// Lookup is the catalog interface consumed from the host system.
type Lookup interface {
	FindBySKU(ctx context.Context, sku string) (*Product, error)
	FindByBarcode(ctx context.Context, code string) (*Product, error)
	FindByMPN(ctx context.Context, mpn string) (*Product, error)
	// Search returns products whose name/description resembles the query,
	// ranked by the caller.
	Search(ctx context.Context, query string, limit int) ([]Product, error)
	// Create adds a product (used by create-product-from-line).
	Create(ctx context.Context, p Product) (Product, error)
}

// NormalizeSKU folds a raw vendor SKU into the canonical comparison form:
// NFKC + width folding, upper case, separators stripped. "abc-123" and
// "ＡＢＣ 123" both normalize to "ABC123".
func NormalizeSKU(raw string) string {
	folded := width.Fold.String(norm.NFKC.String(raw))
	var sb strings.Builder
	sb.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToUpper(r))
		}
	}
	return sb.String()
}
