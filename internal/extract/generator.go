package extract

import (
	"sort"
	"strings"

	"github.com/MeKo-Tech/billscan/internal/calibrate"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// Config tunes candidate generation.
type Config struct {
	// TieEpsilon is the confidence distance within which two candidates are
	// considered tied.
	TieEpsilon float64
	// ProximityRadius is the pixel distance within which a value is
	// considered adjacent to its label.
	ProximityRadius float64
	// LowConfidence flags fields for guided review.
	LowConfidence float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TieEpsilon:      0.01,
		ProximityRadius: 250,
		LowConfidence:   0.7,
	}
}

// ZoneText pairs a zone with its reconciled OCR result.
type ZoneText struct {
	Zone   zone.Zone
	Result ocr.Result
}

// Generator extracts field candidates from zone text using four independent
// signals (lexicon, proximity, format parse, cross-pass consensus) plus the
// zone prior, combined through the calibrator.
type Generator struct {
	cfg Config
	lex *Lexicon
	cal *calibrate.Calibrator
}

// NewGenerator creates a Generator. A nil lexicon uses the defaults.
func NewGenerator(cfg Config, lex *Lexicon, cal *calibrate.Calibrator) *Generator {
	if cfg.TieEpsilon <= 0 {
		cfg = DefaultConfig()
	}
	if lex == nil {
		lex = DefaultLexicon()
	}
	if cal == nil {
		cal = calibrate.NewCalibrator(nil)
	}
	return &Generator{cfg: cfg, lex: lex, cal: cal}
}

// expectedZones maps header fields to the zones they are expected in.
func expectedZones(f Field) []zone.Label {
	switch f {
	case FieldSubtotal, FieldTax, FieldTotal:
		return []zone.Label{zone.LabelTotals, zone.LabelFooter}
	default:
		return []zone.Label{zone.LabelHeader}
	}
}

func inExpectedZone(f Field, l zone.Label) bool {
	for _, el := range expectedZones(f) {
		if el == l {
			return true
		}
	}
	return false
}

// HeaderCandidates extracts all header fields from the page's zones,
// returning a ranked FieldResult per field with the top candidate selected.
func (g *Generator) HeaderCandidates(vendorID string, zones []ZoneText, gen int) map[Field]*FieldResult {
	out := make(map[Field]*FieldResult, len(HeaderFields))
	for _, f := range HeaderFields {
		fr := &FieldResult{Field: f}
		for _, zt := range zones {
			if zt.Zone.Label == zone.LabelNoise {
				continue
			}
			fr.Candidates = append(fr.Candidates, g.fieldCandidates(vendorID, f, zt, gen)...)
		}
		rank(fr.Candidates)
		selectTop(fr, g.cfg.TieEpsilon)
		out[f] = fr
	}
	return out
}

// fieldCandidates emits candidates for one field from one zone.
func (g *Generator) fieldCandidates(vendorID string, f Field, zt ZoneText, gen int) []Candidate {
	if f == FieldVendorName {
		return g.vendorNameCandidates(vendorID, zt, gen)
	}

	kind := kindOf(f)
	lines := groupLines(zt.Result.Tokens)
	var out []Candidate
	for _, line := range lines {
		for i, ti := range line {
			tok := zt.Result.Tokens[ti]
			val, formatOK := parseValue(kind, tok.Text)
			if !formatOK {
				continue
			}
			if f == FieldCurrency && !looksLikeCurrencyCode(tok.Text) {
				continue
			}

			labelStrength, proximity := g.labelSignals(f, zt.Result.Tokens, line, i)
			if labelStrength == 0 && !inExpectedZone(f, zt.Zone.Label) {
				// A bare parseable token outside its expected zone is noise.
				continue
			}

			sig := calibrate.SignalVector{
				Lexicon:   labelStrength,
				Proximity: proximity,
				ZonePrior: zonePrior(f, zt.Zone.Label),
				Format:    1.0,
				Consensus: consensusSignal(zt.Result, ti),
			}
			out = append(out, g.build(vendorID, f, tok, val, sig, zt.Zone.Label, gen))
		}
	}
	return out
}

// vendorNameCandidates treats the most prominent early header line as the
// vendor name; an explicit "vendor"/"from" label strengthens it.
func (g *Generator) vendorNameCandidates(vendorID string, zt ZoneText, gen int) []Candidate {
	if zt.Zone.Label != zone.LabelHeader {
		return nil
	}
	lines := groupLines(zt.Result.Tokens)
	var out []Candidate
	for li, line := range lines {
		if li > 3 {
			break
		}
		text := lineText(zt.Result.Tokens, line)
		if text == "" || looksLikeAmount(text) {
			continue
		}
		if _, isLabel := g.lex.MatchLabel(FieldInvoiceNumber, text); isLabel {
			continue
		}

		lexStrength := 0.0
		if _, ok := g.lex.MatchLabel(FieldVendorName, text); ok {
			lexStrength = 0.9
		}
		sig := calibrate.SignalVector{
			Lexicon:   lexStrength,
			Proximity: positionBoost(li),
			ZonePrior: 1.0,
			Format:    1.0,
			Consensus: consensusSignal(zt.Result, line[0]),
		}
		val, _ := parseValue(KindString, strings.TrimSpace(stripLabel(text)))
		tok := zt.Result.Tokens[line[0]]
		out = append(out, g.build(vendorID, FieldVendorName, tok, val, sig, zt.Zone.Label, gen))
	}
	return out
}

// labelSignals finds a field label near the value token and scores the
// lexicon and proximity signals.
func (g *Generator) labelSignals(f Field, tokens []ocr.Token, line []int, valueIdx int) (lexicon, proximity float64) {
	valueTok := tokens[line[valueIdx]]

	// Preceding tokens on the same line, closest first.
	prefix := make([]string, 0, valueIdx)
	for i := range valueIdx {
		prefix = append(prefix, tokens[line[i]].Text)
	}
	for start := len(prefix) - 1; start >= 0; start-- {
		window := strings.Join(prefix[start:], " ")
		if strength := g.lex.LabelStrength(f, window); strength > 0 {
			labelTok := tokens[line[start]]
			dist := float64(valueTok.Box.Min.X - labelTok.Box.Max.X)
			return strength, proximityScore(dist, g.cfg.ProximityRadius)
		}
	}
	return 0, 0
}

func (g *Generator) build(vendorID string, f Field, tok ocr.Token, val Value, sig calibrate.SignalVector, zl zone.Label, gen int) Candidate {
	c := newCandidate(f, tok.Text, val, zl, gen)
	src := tok
	c.Source = &src
	c.Signals = sig
	c.Confidence = g.cal.Calibrate(vendorID, sig)
	c.Evidence = evidenceFor(sig, zl)
	return c
}

// evidenceFor records one evidence entry per contributing signal; every
// candidate carries at least the zone-prior entry.
func evidenceFor(sig calibrate.SignalVector, zl zone.Label) []Evidence {
	ev := make([]Evidence, 0, 5)
	if sig.Lexicon > 0 {
		ev = append(ev, Evidence{Kind: EvidenceLexicon, Weight: sig.Lexicon, Zone: zl})
	}
	if sig.Proximity > 0 {
		ev = append(ev, Evidence{Kind: EvidenceProximity, Weight: sig.Proximity, Zone: zl})
	}
	ev = append(ev, Evidence{Kind: EvidenceZonePrior, Weight: sig.ZonePrior, Zone: zl})
	if sig.Format > 0 {
		ev = append(ev, Evidence{Kind: EvidenceFormat, Weight: sig.Format, Zone: zl})
	}
	if sig.Consensus > 0 {
		ev = append(ev, Evidence{Kind: EvidenceConsensus, Weight: sig.Consensus, Zone: zl})
	}
	return ev
}

func zonePrior(f Field, l zone.Label) float64 {
	if inExpectedZone(f, l) {
		return 1.0
	}
	return 0.4
}

func proximityScore(dist, radius float64) float64 {
	if dist < 0 {
		dist = 0
	}
	if dist >= radius {
		return 0
	}
	return 1 - dist/radius
}

// positionBoost favors earlier header lines for the vendor name.
func positionBoost(lineIdx int) float64 {
	switch lineIdx {
	case 0:
		return 1.0
	case 1:
		return 0.7
	default:
		return 0.4
	}
}

// consensusSignal scales cross-pass agreement for a token into [0,1].
func consensusSignal(res ocr.Result, tokenIdx int) float64 {
	if res.Passes <= 1 {
		return 0.5 // single pass: neutral
	}
	if tokenIdx >= len(res.Consensus) {
		return 0
	}
	votes := res.Consensus[tokenIdx]
	return float64(votes-1) / float64(res.Passes-1)
}

// stripLabel removes a leading "Vendor:"/"From:" style label.
func stripLabel(text string) string {
	if i := strings.Index(text, ":"); i >= 0 && i < 12 {
		return text[i+1:]
	}
	return text
}

// groupLines clusters tokens into print lines by vertical center, returning
// per-line token indices ordered left to right.
func groupLines(tokens []ocr.Token) [][]int {
	idx := make([]int, len(tokens))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, tb := tokens[idx[a]].Box, tokens[idx[b]].Box
		return ta.Min.Y+ta.Dy()/2 < tb.Min.Y+tb.Dy()/2
	})

	var lines [][]int
	for _, i := range idx {
		tok := tokens[i]
		placed := false
		if len(lines) > 0 {
			last := lines[len(lines)-1]
			ref := tokens[last[0]].Box
			// Same print line when vertical centers fall inside each other.
			refC := ref.Min.Y + ref.Dy()/2
			tokC := tok.Box.Min.Y + tok.Box.Dy()/2
			tol := max(ref.Dy(), tok.Box.Dy())/2 + 1
			if tokC-refC < tol && refC-tokC < tol {
				lines[len(lines)-1] = append(last, i)
				placed = true
			}
		}
		if !placed {
			lines = append(lines, []int{i})
		}
	}
	for _, line := range lines {
		sort.SliceStable(line, func(a, b int) bool {
			return tokens[line[a]].Box.Min.X < tokens[line[b]].Box.Min.X
		})
	}
	return lines
}

func lineText(tokens []ocr.Token, line []int) string {
	parts := make([]string, 0, len(line))
	for _, i := range line {
		parts = append(parts, tokens[i].Text)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// rank orders candidates best first.
func rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Confidence > cands[j].Confidence
	})
}

// selectTop auto-selects the best candidate. Confidence ties within epsilon
// are broken by (1) expected zone, (2) fewer OCR-ambiguous characters;
// unresolvable ties keep both candidates and mark the field ambiguous for
// mandatory review.
func selectTop(fr *FieldResult, epsilon float64) {
	fr.Ambiguous = false
	if len(fr.Candidates) == 0 {
		fr.SelectedID = ""
		return
	}
	if len(fr.Candidates) == 1 {
		fr.SelectedID = fr.Candidates[0].ID
		return
	}
	a, b := fr.Candidates[0], fr.Candidates[1]
	if a.Confidence-b.Confidence > epsilon {
		fr.SelectedID = a.ID
		return
	}

	aExpected := inExpectedZone(fr.Field, a.Zone)
	bExpected := inExpectedZone(fr.Field, b.Zone)
	if aExpected != bExpected {
		if bExpected {
			fr.Candidates[0], fr.Candidates[1] = b, a
		}
		fr.SelectedID = fr.Candidates[0].ID
		return
	}

	aAmb, bAmb := ambiguousChars(a.Raw), ambiguousChars(b.Raw)
	if aAmb != bAmb {
		if bAmb < aAmb {
			fr.Candidates[0], fr.Candidates[1] = b, a
		}
		fr.SelectedID = fr.Candidates[0].ID
		return
	}

	// Identical values read twice are not a real tie.
	if a.Value.Text == b.Value.Text {
		fr.SelectedID = a.ID
		return
	}
	fr.SelectedID = a.ID
	fr.Ambiguous = true
}
