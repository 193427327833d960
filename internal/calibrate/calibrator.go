// Package calibrate maps raw extraction signal scores to calibrated
// probabilities using historical reviewer outcomes, maintained per vendor
// with a global fallback.
package calibrate

import (
	"fmt"
	"math"
	"sync"
)

// SignalVector holds the independent sub-scores contributed by the candidate
// generator's signal types, each in [0,1].
type SignalVector struct {
	Lexicon   float64 `json:"lexicon"`
	Proximity float64 `json:"proximity"`
	ZonePrior float64 `json:"zone_prior"`
	Format    float64 `json:"format"`
	Consensus float64 `json:"consensus"`
}

// Bucket accumulates reviewer outcomes for one quantized signal combination.
type Bucket struct {
	Accepts     float64 `json:"accepts"`
	Corrections float64 `json:"corrections"`
}

// Curve is the calibration data for one vendor: outcome counts keyed by
// quantized signal vector.
type Curve map[string]Bucket

// Store persists calibration curves. The host system provides the backing
// storage; implementations must be safe for concurrent use.
type Store interface {
	LoadCurve(vendorID string) (Curve, error)
	SaveCurve(vendorID string, c Curve) error
}

// GlobalVendor keys the default curve used when a vendor has no history.
const GlobalVendor = "_global"

// Weights are the raw combination weights applied before calibration.
// Lexicon agreement alone scores lower than lexicon plus proximity plus
// consensus, which is the point: the combination is never a plain average.
var weights = SignalVector{
	Lexicon:   0.30,
	Proximity: 0.25,
	ZonePrior: 0.15,
	Format:    0.15,
	Consensus: 0.15,
}

// Calibrator computes calibrated probabilities and ingests review outcomes.
// Calibrate is side-effect-free; RecordOutcome is the only mutator and is
// safe to invoke asynchronously from reviewer actions.
type Calibrator struct {
	mu     sync.Mutex
	store  Store
	curves map[string]Curve
}

// NewCalibrator creates a Calibrator backed by store (nil store keeps all
// curves in memory only).
func NewCalibrator(store Store) *Calibrator {
	return &Calibrator{store: store, curves: make(map[string]Curve)}
}

// Calibrate maps a signal vector to a probability for the given vendor,
// falling back to the global curve and finally to the raw combined score.
// Missing calibration data never blocks extraction.
func (c *Calibrator) Calibrate(vendorID string, v SignalVector) float64 {
	raw := rawScore(v)
	key := quantize(v)

	// Full lock: the first lookup for a vendor populates the curve cache.
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range []string{vendorID, GlobalVendor} {
		if id == "" {
			continue
		}
		if b, ok := c.curve(id)[key]; ok && b.Accepts+b.Corrections > 0 {
			return adjust(raw, b)
		}
	}
	return raw
}

// RecordOutcome feeds one reviewer decision back into the vendor's curve
// (and the global curve). An acceptance reinforces the signal combination,
// a correction lowers it.
func (c *Calibrator) RecordOutcome(vendorID string, v SignalVector, wasCorrect bool) error {
	key := quantize(v)

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := []string{GlobalVendor}
	if vendorID != "" {
		ids = append(ids, vendorID)
	}
	for _, id := range ids {
		curve := c.curve(id)
		b := curve[key]
		if wasCorrect {
			b.Accepts++
		} else {
			b.Corrections++
		}
		curve[key] = b
		c.curves[id] = curve
		if c.store != nil {
			if err := c.store.SaveCurve(id, curve); err != nil {
				return fmt.Errorf("save calibration curve %q: %w", id, err)
			}
		}
	}
	return nil
}

// curve returns the cached curve for id, loading it from the store once.
// Callers must hold the lock.
func (c *Calibrator) curve(id string) Curve {
	if cached, ok := c.curves[id]; ok {
		return cached
	}
	curve := Curve{}
	if c.store != nil {
		if loaded, err := c.store.LoadCurve(id); err == nil && loaded != nil {
			curve = loaded
		}
	}
	c.curves[id] = curve
	return curve
}

// rawScore combines sub-scores with fixed weights, then applies a mild
// logistic squash so "all signals weakly present" does not outrank "two
// signals strongly present".
func rawScore(v SignalVector) float64 {
	lin := v.Lexicon*weights.Lexicon +
		v.Proximity*weights.Proximity +
		v.ZonePrior*weights.ZonePrior +
		v.Format*weights.Format +
		v.Consensus*weights.Consensus
	return clamp01(1 / (1 + math.Exp(-6*(lin-0.45))))
}

// adjust pulls the raw score toward the observed accuracy for the bucket,
// with prior pseudo-counts so sparse buckets move slowly.
func adjust(raw float64, b Bucket) float64 {
	const prior = 4.0
	total := b.Accepts + b.Corrections
	observed := (b.Accepts + prior*raw) / (total + prior)
	return clamp01(observed)
}

// quantize buckets each sub-score into thirds; finer buckets would need far
// more correction volume than a store sees.
func quantize(v SignalVector) string {
	q := func(f float64) int {
		switch {
		case f >= 0.66:
			return 2
		case f >= 0.33:
			return 1
		default:
			return 0
		}
	}
	return fmt.Sprintf("%d%d%d%d%d", q(v.Lexicon), q(v.Proximity), q(v.ZonePrior), q(v.Format), q(v.Consensus))
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
