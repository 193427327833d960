package match

import (
	"context"
	"fmt"
	"sort"

	"github.com/MeKo-Tech/billscan/internal/catalog"
)

// LineQuery is the matching input for one line item.
type LineQuery struct {
	VendorID      string
	RawSKU        string
	NormalizedSKU string // computed from RawSKU when empty
	Description   string
}

// Candidate is one possible catalog resolution.
type Candidate struct {
	ProductID   string    `json:"product_id"`
	InternalSKU string    `json:"internal_sku"`
	ProductName string    `json:"product_name,omitempty"`
	Strategy    string    `json:"strategy"`
	Confidence  float64   `json:"confidence"`
	Evidence    string    `json:"evidence"`
	Alias       *SkuAlias `json:"alias,omitempty"`
}

// Reason records how a line was matched, kept on the line for audit.
type Reason struct {
	Strategy   string  `json:"strategy"`
	Evidence   string  `json:"evidence"`
	Confidence float64 `json:"confidence"`
}

// Strategy is one unit of the cascade. TryMatch returns nil (no error) when
// the strategy has no candidate for the query.
type Strategy interface {
	Name() string
	// MinConfidence is the floor a candidate from this strategy must clear
	// for the cascade to stop here.
	MinConfidence() float64
	TryMatch(ctx context.Context, q LineQuery) (*Candidate, error)
}

// Config tunes the cascade.
type Config struct {
	// FuzzyFloor is the minimum description similarity for the fuzzy
	// strategy to emit a candidate.
	FuzzyFloor float64
	// FuzzySearchLimit bounds catalog search during fuzzy matching.
	FuzzySearchLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{FuzzyFloor: 0.55, FuzzySearchLimit: 25}
}

// Engine runs strategies in strict priority order and stops at the first
// candidate clearing its strategy floor. Matching is deterministic: the same
// alias/catalog state and query always produce the same result.
type Engine struct {
	strategies []Strategy
}

// NewEngine builds the standard cascade:
// alias -> exact SKU -> barcode/MPN -> fuzzy description -> history.
func NewEngine(aliases AliasSource, history HistorySource, cat catalog.Lookup, cfg Config) *Engine {
	if cfg.FuzzyFloor <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{strategies: []Strategy{
		&aliasStrategy{aliases: aliases},
		&exactSKUStrategy{catalog: cat},
		&mpnBarcodeStrategy{catalog: cat},
		&fuzzyStrategy{catalog: cat, floor: cfg.FuzzyFloor, limit: cfg.FuzzySearchLimit},
		&historyStrategy{history: history, catalog: cat},
	}}
}

// MatchLine resolves one line item. A nil candidate with nil error means the
// line stays Unmatched; that is an outcome, not a failure.
func (e *Engine) MatchLine(ctx context.Context, q LineQuery) (*Candidate, error) {
	q = q.normalized()
	for _, s := range e.strategies {
		c, err := s.TryMatch(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
		}
		if c != nil && c.Confidence >= s.MinConfidence() {
			return c, nil
		}
	}
	return nil, nil
}

// ListCandidates returns the ranked union of candidates across all
// strategies, for manual matching in review.
func (e *Engine) ListCandidates(ctx context.Context, q LineQuery, limit int) ([]Candidate, error) {
	q = q.normalized()
	var out []Candidate
	seen := make(map[string]bool)
	for _, s := range e.strategies {
		c, err := s.TryMatch(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
		}
		if c != nil && !seen[c.ProductID] {
			seen[c.ProductID] = true
			out = append(out, *c)
		}
		// The fuzzy strategy can enumerate beyond its best hit.
		if fs, ok := s.(*fuzzyStrategy); ok {
			extra, err := fs.allCandidates(ctx, q)
			if err != nil {
				return nil, err
			}
			for _, c := range extra {
				if !seen[c.ProductID] {
					seen[c.ProductID] = true
					out = append(out, c)
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q LineQuery) normalized() LineQuery {
	if q.NormalizedSKU == "" {
		q.NormalizedSKU = catalog.NormalizeSKU(q.RawSKU)
	}
	return q
}
