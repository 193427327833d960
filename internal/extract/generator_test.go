package extract

import (
	"image"
	"testing"

	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

func tok(text string, x0, y0, x1, y1 int) ocr.Token {
	return ocr.Token{Text: text, Confidence: 0.9, Box: image.Rect(x0, y0, x1, y1)}
}

func singlePass(tokens ...ocr.Token) ocr.Result {
	consensus := make([]int, len(tokens))
	for i := range consensus {
		consensus[i] = 1
	}
	return ocr.Result{Text: ocr.TextOf(tokens), Tokens: tokens, Passes: 1, Consensus: consensus}
}

func headerZone() zone.Zone {
	return zone.Zone{ID: "z-header", Page: 1, Rect: image.Rect(0, 0, 800, 200), Label: zone.LabelHeader}
}

func totalsZone() zone.Zone {
	return zone.Zone{ID: "z-totals", Page: 1, Rect: image.Rect(0, 700, 800, 800), Label: zone.LabelTotals}
}

func TestHeaderCandidatesLabeledValueWins(t *testing.T) {
	g := NewGenerator(DefaultConfig(), nil, nil)
	res := singlePass(
		tok("Invoice", 50, 10, 110, 25),
		tok("No:", 115, 10, 140, 25),
		tok("INV-1001", 150, 10, 230, 25),
		tok("Ref", 400, 10, 430, 25),
		tok("77442", 440, 10, 490, 25),
	)
	header := g.HeaderCandidates("vendor-1", []ZoneText{{Zone: headerZone(), Result: res}}, 1)

	fr := header[FieldInvoiceNumber]
	if fr == nil || fr.Selected() == nil {
		t.Fatal("no invoice number selected")
	}
	if got := fr.Selected().Raw; got != "INV-1001" {
		t.Fatalf("selected %q, want INV-1001", got)
	}
	if fr.Ambiguous {
		t.Error("labeled value should not be ambiguous")
	}
	sel := fr.Selected()
	if sel.Signals.Lexicon == 0 {
		t.Error("labeled candidate must carry the lexicon signal")
	}
	if len(sel.Evidence) == 0 {
		t.Error("candidate must carry evidence")
	}
	if sel.Confidence <= 0 || sel.Confidence > 1 {
		t.Errorf("confidence %f out of range", sel.Confidence)
	}
}

func TestHeaderCandidatesSkipsBareTokensOutsideExpectedZone(t *testing.T) {
	g := NewGenerator(DefaultConfig(), nil, nil)
	// A bare plausible invoice number inside the totals zone is noise.
	res := singlePass(tok("90210", 600, 710, 650, 725))
	header := g.HeaderCandidates("vendor-1", []ZoneText{{Zone: totalsZone(), Result: res}}, 1)

	if fr := header[FieldInvoiceNumber]; len(fr.Candidates) != 0 {
		t.Fatalf("expected no invoice number candidates from totals zone, got %d", len(fr.Candidates))
	}
	// The same bare token is a legitimate (weak) amount in its home zone.
	res2 := singlePass(tok("90.21", 600, 710, 650, 725))
	header = g.HeaderCandidates("vendor-1", []ZoneText{{Zone: totalsZone(), Result: res2}}, 1)
	if fr := header[FieldTotal]; len(fr.Candidates) == 0 {
		t.Fatal("bare amount inside totals zone should still be a total candidate")
	}
}

func TestHeaderCandidatesTieIsFlaggedAmbiguous(t *testing.T) {
	g := NewGenerator(DefaultConfig(), nil, nil)
	// Two indistinguishable bare amounts in the totals zone.
	res := singlePass(
		tok("42.77", 600, 710, 650, 725),
		tok("43.77", 600, 740, 650, 755),
	)
	header := g.HeaderCandidates("vendor-1", []ZoneText{{Zone: totalsZone(), Result: res}}, 1)

	fr := header[FieldTotal]
	if len(fr.Candidates) != 2 {
		t.Fatalf("want 2 candidates, got %d", len(fr.Candidates))
	}
	if !fr.Ambiguous {
		t.Error("equal-signal candidates with different values must be flagged ambiguous")
	}
	if fr.SelectedID == "" {
		t.Error("a best guess is still selected under ambiguity")
	}
}

func TestTieBreakPrefersFewerAmbiguousChars(t *testing.T) {
	g := NewGenerator(DefaultConfig(), nil, nil)
	// Same signals; "42.77" reads cleaner than "4Z.77" style confusables.
	res := singlePass(
		tok("48.77", 600, 710, 650, 725), // contains 8
		tok("42.77", 600, 740, 650, 755),
	)
	header := g.HeaderCandidates("vendor-1", []ZoneText{{Zone: totalsZone(), Result: res}}, 1)

	fr := header[FieldTotal]
	sel := fr.Selected()
	if sel == nil {
		t.Fatal("no selection")
	}
	if sel.Raw != "42.77" {
		t.Errorf("selected %q, want the reading with fewer confusable characters", sel.Raw)
	}
	if fr.Ambiguous {
		t.Error("a decisive tie-break clears the ambiguity flag")
	}
}

func TestVendorNameFromEarlyHeaderLines(t *testing.T) {
	g := NewGenerator(DefaultConfig(), nil, nil)
	res := singlePass(
		tok("Acme", 50, 10, 100, 25),
		tok("Supply", 105, 10, 160, 25),
		tok("Invoice", 50, 40, 110, 55),
		tok("No:", 115, 40, 140, 55),
		tok("INV-9", 150, 40, 200, 55),
	)
	header := g.HeaderCandidates("vendor-1", []ZoneText{{Zone: headerZone(), Result: res}}, 1)

	fr := header[FieldVendorName]
	sel := fr.Selected()
	if sel == nil {
		t.Fatal("no vendor name selected")
	}
	if sel.Value.Text != "Acme Supply" {
		t.Errorf("vendor name = %q, want %q", sel.Value.Text, "Acme Supply")
	}
	for _, c := range fr.Candidates {
		if c.Raw == "Invoice" {
			t.Error("invoice label line must not be a vendor name candidate")
		}
	}
}

func TestConsensusSignalScaling(t *testing.T) {
	res := ocr.Result{Passes: 3, Consensus: []int{3, 2, 1}}
	tests := []struct {
		idx  int
		want float64
	}{
		{0, 1.0},
		{1, 0.5},
		{2, 0.0},
	}
	for _, tt := range tests {
		if got := consensusSignal(res, tt.idx); got != tt.want {
			t.Errorf("consensusSignal(idx=%d) = %f, want %f", tt.idx, got, tt.want)
		}
	}
	single := ocr.Result{Passes: 1, Consensus: []int{1}}
	if got := consensusSignal(single, 0); got != 0.5 {
		t.Errorf("single pass consensus = %f, want neutral 0.5", got)
	}
}

func TestGroupLinesClustersByVerticalCenter(t *testing.T) {
	tokens := []ocr.Token{
		tok("b", 200, 10, 230, 25),
		tok("a", 50, 12, 80, 27),
		tok("c", 50, 60, 80, 75),
	}
	lines := groupLines(tokens)
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d", len(lines))
	}
	if lineText(tokens, lines[0]) != "a b" {
		t.Errorf("first line = %q, want %q (left to right)", lineText(tokens, lines[0]), "a b")
	}
	if lineText(tokens, lines[1]) != "c" {
		t.Errorf("second line = %q, want %q", lineText(tokens, lines[1]), "c")
	}
}
