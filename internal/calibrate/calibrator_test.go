package calibrate

import (
	"math"
	"sync"
	"testing"
)

func TestRawScoreBounds(t *testing.T) {
	zero := rawScore(SignalVector{})
	full := rawScore(SignalVector{Lexicon: 1, Proximity: 1, ZonePrior: 1, Format: 1, Consensus: 1})
	if zero <= 0 || zero >= 0.5 {
		t.Errorf("empty vector score = %v, want in (0, 0.5)", zero)
	}
	if full <= 0.5 || full > 1 {
		t.Errorf("full vector score = %v, want in (0.5, 1]", full)
	}
	if full <= zero {
		t.Error("score must be monotone in the signals")
	}
}

func TestRawScoreWeighting(t *testing.T) {
	// Lexicon alone must not outrank lexicon plus proximity plus consensus.
	lexOnly := rawScore(SignalVector{Lexicon: 1})
	combined := rawScore(SignalVector{Lexicon: 1, Proximity: 1, Consensus: 1})
	if lexOnly >= combined {
		t.Errorf("lexicon-only %v >= combined %v", lexOnly, combined)
	}

	// Lexicon carries more weight than consensus.
	if rawScore(SignalVector{Lexicon: 1}) <= rawScore(SignalVector{Consensus: 1}) {
		t.Error("lexicon should outweigh consensus")
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		v    SignalVector
		want string
	}{
		{SignalVector{}, "00000"},
		{SignalVector{Lexicon: 1, Proximity: 1, ZonePrior: 1, Format: 1, Consensus: 1}, "22222"},
		{SignalVector{Lexicon: 0.5, Format: 0.9}, "10020"},
		{SignalVector{Lexicon: 0.66, Proximity: 0.33}, "21000"},
	}
	for _, tt := range tests {
		if got := quantize(tt.v); got != tt.want {
			t.Errorf("quantize(%+v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestCalibrateWithoutHistoryReturnsRaw(t *testing.T) {
	c := NewCalibrator(nil)
	v := SignalVector{Lexicon: 1, Proximity: 0.8, Format: 1}
	if got, raw := c.Calibrate("vendor-1", v), rawScore(v); got != raw {
		t.Errorf("Calibrate = %v, want raw %v", got, raw)
	}
}

func TestRecordOutcomeAdjustsScore(t *testing.T) {
	c := NewCalibrator(nil)
	v := SignalVector{Lexicon: 1, Proximity: 0.8, Format: 1}
	before := c.Calibrate("vendor-1", v)

	// A run of corrections for this signal shape must lower the score.
	for range 10 {
		if err := c.RecordOutcome("vendor-1", v, false); err != nil {
			t.Fatal(err)
		}
	}
	after := c.Calibrate("vendor-1", v)
	if after >= before {
		t.Errorf("score after corrections = %v, want < %v", after, before)
	}

	// A longer run of accepts pulls it back up.
	for range 40 {
		if err := c.RecordOutcome("vendor-1", v, true); err != nil {
			t.Fatal(err)
		}
	}
	if final := c.Calibrate("vendor-1", v); final <= after {
		t.Errorf("score after accepts = %v, want > %v", final, after)
	}
}

func TestGlobalFallback(t *testing.T) {
	c := NewCalibrator(nil)
	v := SignalVector{Lexicon: 1, Format: 1}

	// Outcomes recorded for one vendor also feed the global curve.
	for range 10 {
		if err := c.RecordOutcome("vendor-1", v, false); err != nil {
			t.Fatal(err)
		}
	}
	raw := rawScore(v)
	if got := c.Calibrate("vendor-unseen", v); got >= raw {
		t.Errorf("unseen vendor should fall back to the global curve: got %v, raw %v", got, raw)
	}
}

type memCurveStore struct {
	mu     sync.Mutex
	curves map[string]Curve
}

func (s *memCurveStore) LoadCurve(vendorID string) (Curve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curves[vendorID], nil
}

func (s *memCurveStore) SaveCurve(vendorID string, c Curve) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curves == nil {
		s.curves = make(map[string]Curve)
	}
	cp := make(Curve, len(c))
	for k, v := range c {
		cp[k] = v
	}
	s.curves[vendorID] = cp
	return nil
}

func TestCurvesPersistThroughStore(t *testing.T) {
	store := &memCurveStore{}
	v := SignalVector{Lexicon: 1, Proximity: 1}

	c1 := NewCalibrator(store)
	for range 8 {
		if err := c1.RecordOutcome("vendor-1", v, false); err != nil {
			t.Fatal(err)
		}
	}
	lowered := c1.Calibrate("vendor-1", v)

	// A fresh calibrator over the same store sees the same history.
	c2 := NewCalibrator(store)
	if got := c2.Calibrate("vendor-1", v); math.Abs(got-lowered) > 1e-9 {
		t.Errorf("reloaded score = %v, want %v", got, lowered)
	}
}

func TestAdjustPriorDampensSparseBuckets(t *testing.T) {
	raw := 0.8
	oneCorrection := adjust(raw, Bucket{Corrections: 1})
	manyCorrections := adjust(raw, Bucket{Corrections: 20})
	if oneCorrection <= manyCorrections {
		t.Error("sparse buckets must move less than dense ones")
	}
	if oneCorrection >= raw {
		t.Error("a correction must lower the score")
	}
	if manyCorrections > 0.2 {
		t.Errorf("dense corrections leave score at %v", manyCorrections)
	}
}

func TestConcurrentRecordAndCalibrate(t *testing.T) {
	c := NewCalibrator(nil)
	v := SignalVector{Lexicon: 1}
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(correct bool) {
			defer wg.Done()
			_ = c.RecordOutcome("vendor-1", v, correct)
			c.Calibrate("vendor-1", v)
		}(i%2 == 0)
	}
	wg.Wait()
}
