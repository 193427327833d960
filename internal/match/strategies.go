package match

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/MeKo-Tech/billscan/internal/catalog"
)

// Strategy confidence constants, in cascade order.
const (
	confAlias   = 1.0
	confExact   = 0.9
	confMPN     = 0.85
	confHistory = 0.75
	// Fuzzy confidence is scaled within [fuzzyConfLow, fuzzyConfHigh]
	// proportional to similarity above the floor.
	fuzzyConfLow  = 0.5
	fuzzyConfHigh = 0.8
)

// aliasStrategy — exact hit in the SkuAlias table. Ties among multiple
// aliases are broken by highest priority, then highest usage count; the
// ordering is total so resolution is deterministic.
type aliasStrategy struct {
	aliases AliasSource
}

func (s *aliasStrategy) Name() string           { return "exact_alias" }
func (s *aliasStrategy) MinConfidence() float64 { return confAlias }

func (s *aliasStrategy) TryMatch(ctx context.Context, q LineQuery) (*Candidate, error) {
	if q.NormalizedSKU == "" {
		return nil, nil
	}
	aliases, err := s.aliases.FindAliases(ctx, q.VendorID, q.NormalizedSKU)
	if err != nil {
		return nil, err
	}
	if len(aliases) == 0 {
		return nil, nil
	}
	sort.SliceStable(aliases, func(i, j int) bool {
		if aliases[i].Priority != aliases[j].Priority {
			return aliases[i].Priority > aliases[j].Priority
		}
		if aliases[i].UsageCount != aliases[j].UsageCount {
			return aliases[i].UsageCount > aliases[j].UsageCount
		}
		return aliases[i].InternalSKU < aliases[j].InternalSKU
	})
	best := aliases[0]
	return &Candidate{
		ProductID:   best.ProductID,
		InternalSKU: best.InternalSKU,
		Strategy:    s.Name(),
		Confidence:  confAlias,
		Evidence:    fmt.Sprintf("alias %s -> %s (priority %d, used %d times)", q.NormalizedSKU, best.InternalSKU, best.Priority, best.UsageCount),
		Alias:       &best,
	}, nil
}

// exactSKUStrategy — the normalized vendor SKU equals an internal SKU.
type exactSKUStrategy struct {
	catalog catalog.Lookup
}

func (s *exactSKUStrategy) Name() string           { return "exact_sku" }
func (s *exactSKUStrategy) MinConfidence() float64 { return confExact }

func (s *exactSKUStrategy) TryMatch(ctx context.Context, q LineQuery) (*Candidate, error) {
	if q.NormalizedSKU == "" {
		return nil, nil
	}
	p, err := s.catalog.FindBySKU(ctx, q.NormalizedSKU)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return &Candidate{
		ProductID:   p.ID,
		InternalSKU: p.SKU,
		ProductName: p.Name,
		Strategy:    s.Name(),
		Confidence:  confExact,
		Evidence:    fmt.Sprintf("vendor SKU %q equals internal SKU %s", q.RawSKU, p.SKU),
	}, nil
}

// mpnBarcodeStrategy — the vendor SKU matches a product barcode or
// manufacturer part number.
type mpnBarcodeStrategy struct {
	catalog catalog.Lookup
}

func (s *mpnBarcodeStrategy) Name() string           { return "mpn_barcode" }
func (s *mpnBarcodeStrategy) MinConfidence() float64 { return confMPN }

func (s *mpnBarcodeStrategy) TryMatch(ctx context.Context, q LineQuery) (*Candidate, error) {
	if q.NormalizedSKU == "" {
		return nil, nil
	}
	p, err := s.catalog.FindByBarcode(ctx, q.NormalizedSKU)
	if err != nil {
		return nil, err
	}
	kind := "barcode"
	if p == nil {
		p, err = s.catalog.FindByMPN(ctx, q.NormalizedSKU)
		if err != nil {
			return nil, err
		}
		kind = "mpn"
	}
	if p == nil {
		return nil, nil
	}
	return &Candidate{
		ProductID:   p.ID,
		InternalSKU: p.SKU,
		ProductName: p.Name,
		Strategy:    s.Name(),
		Confidence:  confMPN,
		Evidence:    fmt.Sprintf("vendor SKU %q matches %s of %s", q.RawSKU, kind, p.SKU),
	}, nil
}

// fuzzyStrategy — edit-distance similarity on product name/description,
// confidence scaled proportionally to similarity above the floor.
type fuzzyStrategy struct {
	catalog catalog.Lookup
	floor   float64
	limit   int
}

func (s *fuzzyStrategy) Name() string           { return "fuzzy_description" }
func (s *fuzzyStrategy) MinConfidence() float64 { return fuzzyConfLow }

func (s *fuzzyStrategy) TryMatch(ctx context.Context, q LineQuery) (*Candidate, error) {
	cands, err := s.allCandidates(ctx, q)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	return &cands[0], nil
}

// allCandidates returns every product above the similarity floor, best
// first with a deterministic tie order.
func (s *fuzzyStrategy) allCandidates(ctx context.Context, q LineQuery) ([]Candidate, error) {
	desc := strings.TrimSpace(q.Description)
	if desc == "" {
		return nil, nil
	}
	products, err := s.catalog.Search(ctx, desc, s.limit)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, p := range products {
		sim := similarity(desc, p.Name)
		if d := similarity(desc, p.Description); d > sim {
			sim = d
		}
		if sim < s.floor {
			continue
		}
		conf := fuzzyConfLow + (fuzzyConfHigh-fuzzyConfLow)*(sim-s.floor)/(1-s.floor)
		out = append(out, Candidate{
			ProductID:   p.ID,
			InternalSKU: p.SKU,
			ProductName: p.Name,
			Strategy:    s.Name(),
			Confidence:  conf,
			Evidence:    fmt.Sprintf("description similarity %.2f to %q", sim, p.Name),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].InternalSKU < out[j].InternalSKU
	})
	return out, nil
}

// similarity is normalized Levenshtein similarity over case-folded text.
func similarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	longer := max(len([]rune(a)), len([]rune(b)))
	return 1 - float64(dist)/float64(longer)
}

// historyStrategy — a previously human-confirmed mapping for this
// vendor+SKU that has not yet been promoted to an alias.
type historyStrategy struct {
	history HistorySource
	catalog catalog.Lookup
}

func (s *historyStrategy) Name() string           { return "historical" }
func (s *historyStrategy) MinConfidence() float64 { return confHistory }

func (s *historyStrategy) TryMatch(ctx context.Context, q LineQuery) (*Candidate, error) {
	if q.NormalizedSKU == "" {
		return nil, nil
	}
	productID, internalSKU, ok, err := s.history.FindConfirmed(ctx, q.VendorID, q.NormalizedSKU)
	if err != nil || !ok {
		return nil, err
	}
	name := ""
	if p, err := s.catalog.FindBySKU(ctx, internalSKU); err == nil && p != nil {
		name = p.Name
	}
	return &Candidate{
		ProductID:   productID,
		InternalSKU: internalSKU,
		ProductName: name,
		Strategy:    s.Name(),
		Confidence:  confHistory,
		Evidence:    fmt.Sprintf("previously confirmed mapping for vendor %s SKU %s", q.VendorID, q.NormalizedSKU),
	}, nil
}
