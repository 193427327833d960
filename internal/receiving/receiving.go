// Package receiving posts an approved bill into inventory cost records.
// It applies one of four cost policies line by line and returns a summary
// the host system can reconcile against.
package receiving

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/catalog"
)

// Policy selects how a received unit price updates product costs.
type Policy string

const (
	// AverageCost blends the current cost with the received unit price.
	AverageCost Policy = "AverageCost"
	// LastCost overwrites the cost with the received unit price.
	LastCost Policy = "LastCost"
	// VendorCost updates only the vendor-specific cost field.
	VendorCost Policy = "VendorCost"
	// NoUpdate records the receipt without touching costs.
	NoUpdate Policy = "NoUpdate"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case AverageCost, LastCost, VendorCost, NoUpdate:
		return true
	}
	return false
}

// ParsePolicy converts a request string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown cost policy %q", s)
	}
	return p, nil
}

// ErrNotApproved is returned when the bill has not passed review.
var ErrNotApproved = errors.New("bill is not approved")

// Catalog is the product surface receiving needs.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*catalog.Product, error)
	UpdateCosts(ctx context.Context, productID string, cost, vendorCost decimal.Decimal) error
}

// Line is the receipt outcome for one bill line.
type Line struct {
	LineID      string          `json:"line_id"`
	ProductID   string          `json:"product_id"`
	InternalSKU string          `json:"internal_sku,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	OldCost     decimal.Decimal `json:"old_cost"`
	NewCost     decimal.Decimal `json:"new_cost"`
	Updated     bool            `json:"updated"`
}

// Summary is the result of posting one bill.
type Summary struct {
	BillID       string          `json:"bill_id"`
	Policy       Policy          `json:"policy"`
	PostedAt     time.Time       `json:"posted_at"`
	Lines        []Line          `json:"lines"`
	SkippedLines int             `json:"skipped_lines"`
	TotalValue   decimal.Decimal `json:"total_value"`
}

// Post applies the cost policy to every matched line of an approved bill.
// Unmatched lines are skipped and counted; they carry no product to update.
func Post(ctx context.Context, b *bill.Bill, policy Policy, cat Catalog) (*Summary, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown cost policy %q", policy)
	}
	if b.State != bill.StateApproved {
		return nil, fmt.Errorf("%w: bill %s is %s", ErrNotApproved, b.ID, b.State)
	}

	sum := &Summary{
		BillID:     b.ID,
		Policy:     policy,
		PostedAt:   time.Now().UTC(),
		TotalValue: decimal.Zero,
	}
	for _, li := range b.Lines {
		if li.ProductID == "" {
			sum.SkippedLines++
			continue
		}
		p, err := cat.GetProduct(ctx, li.ProductID)
		if err != nil {
			return nil, fmt.Errorf("line %s: %w", li.ID, err)
		}
		if p == nil {
			sum.SkippedLines++
			continue
		}

		line := Line{
			LineID:      li.ID,
			ProductID:   p.ID,
			InternalSKU: p.SKU,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			OldCost:     p.Cost,
			NewCost:     p.Cost,
		}
		cost, vendorCost := applyPolicy(policy, p, li.UnitPrice)
		if !cost.Equal(p.Cost) || !vendorCost.Equal(p.VendorCost) {
			if err := cat.UpdateCosts(ctx, p.ID, cost, vendorCost); err != nil {
				return nil, fmt.Errorf("line %s: %w", li.ID, err)
			}
			line.NewCost = cost
			line.Updated = true
		}
		sum.Lines = append(sum.Lines, line)
		sum.TotalValue = sum.TotalValue.Add(li.Quantity.Mul(li.UnitPrice))
	}
	return sum, nil
}

// applyPolicy computes the post-receipt cost pair for one product.
func applyPolicy(policy Policy, p *catalog.Product, unitPrice decimal.Decimal) (cost, vendorCost decimal.Decimal) {
	cost, vendorCost = p.Cost, p.VendorCost
	switch policy {
	case AverageCost:
		if p.Cost.IsZero() {
			cost = unitPrice
		} else {
			cost = p.Cost.Add(unitPrice).DivRound(decimal.NewFromInt(2), 4)
		}
	case LastCost:
		cost = unitPrice
	case VendorCost:
		vendorCost = unitPrice
	case NoUpdate:
	}
	return cost, vendorCost
}
