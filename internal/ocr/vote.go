package ocr

import (
	"image"
	"sort"
)

// reconcile merges recognition passes by token-level voting. Tokens are
// aligned by box overlap (sequence position when geometry is missing). A
// token present with confidence above the vote threshold in at least two
// passes is accepted with reinforced confidence; disagreements are resolved
// by the pass with the higher profile weight, with the losing readings kept
// as alternatives.
func reconcile(passes []PassResult, voteThreshold float64) Result {
	if len(passes) == 0 {
		return Result{}
	}
	if len(passes) == 1 {
		tokens := passes[0].Tokens
		return Result{
			Text:      TextOf(tokens),
			Tokens:    tokens,
			Passes:    1,
			Consensus: ones(len(tokens)),
		}
	}

	slots := alignTokens(passes)

	// Winner and agreement count travel together so the positional sort
	// cannot detach a token from its consensus entry.
	type voted struct {
		token     Token
		agreement int
	}
	var picks []voted
	var alternatives []Token
	for _, slot := range slots {
		winner, agreeing, losers := resolveSlot(slot, voteThreshold)
		picks = append(picks, voted{token: winner, agreement: agreeing})
		alternatives = append(alternatives, losers...)
	}

	sort.SliceStable(picks, func(i, j int) bool {
		return positionLess(picks[i].token, picks[j].token)
	})
	tokens := make([]Token, len(picks))
	consensus := make([]int, len(picks))
	for i, p := range picks {
		tokens[i] = p.token
		consensus[i] = p.agreement
	}
	return Result{
		Text:         TextOf(tokens),
		Tokens:       tokens,
		Alternatives: alternatives,
		Passes:       len(passes),
		Consensus:    consensus,
	}
}

// slotEntry ties a token to the pass it came from.
type slotEntry struct {
	token  Token
	weight float64
}

// alignTokens groups tokens representing the same page position across
// passes. The first pass seeds the slots; later passes attach to the slot
// whose box overlaps, or open a new slot for text the earlier pass missed.
func alignTokens(passes []PassResult) [][]slotEntry {
	var slots [][]slotEntry
	for pi, pass := range passes {
		w := pass.Profile.Weight()
		for ti, tok := range pass.Tokens {
			idx := -1
			if pi > 0 {
				idx = findSlot(slots, tok, ti)
			}
			if idx < 0 {
				slots = append(slots, []slotEntry{{token: tok, weight: w}})
			} else {
				slots[idx] = append(slots[idx], slotEntry{token: tok, weight: w})
			}
		}
	}
	return slots
}

func findSlot(slots [][]slotEntry, tok Token, seq int) int {
	if tok.Box.Empty() {
		// No geometry: align by sequence position.
		if seq < len(slots) {
			return seq
		}
		return -1
	}
	best, bestOverlap := -1, 0.3
	for i, slot := range slots {
		ov := overlapRatio(slot[0].token.Box, tok.Box)
		if ov > bestOverlap {
			best, bestOverlap = i, ov
		}
	}
	return best
}

func overlapRatio(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := inter.Dx() * inter.Dy()
	smaller := min(a.Dx()*a.Dy(), b.Dx()*b.Dy())
	if smaller == 0 {
		return 0
	}
	return float64(ia) / float64(smaller)
}

// resolveSlot picks the winning reading for one aligned position.
func resolveSlot(slot []slotEntry, voteThreshold float64) (winner Token, agreeing int, losers []Token) {
	// Count agreement per distinct text among confident readings.
	votes := make(map[string]int)
	for _, e := range slot {
		if e.token.Confidence >= voteThreshold {
			votes[e.token.Text]++
		}
	}

	// Consensus: some reading confirmed by >=2 passes.
	bestText, bestVotes := "", 0
	for text, n := range votes {
		if n > bestVotes {
			bestText, bestVotes = text, n
		}
	}
	if bestVotes >= 2 {
		w := pickReading(slot, bestText)
		// Agreement across passes reinforces confidence.
		w.Confidence = min(1.0, w.Confidence+0.1*float64(bestVotes-1))
		return w, bestVotes, othersOf(slot, bestText)
	}

	// Disagreement: the heaviest pass wins, everything else is retained.
	best := slot[0]
	for _, e := range slot[1:] {
		if e.weight > best.weight ||
			(e.weight == best.weight && e.token.Confidence > best.token.Confidence) {
			best = e
		}
	}
	return best.token, 1, othersOf(slot, best.token.Text)
}

func pickReading(slot []slotEntry, text string) Token {
	best := Token{}
	for _, e := range slot {
		if e.token.Text == text && e.token.Confidence >= best.Confidence {
			best = e.token
		}
	}
	return best
}

func othersOf(slot []slotEntry, winning string) []Token {
	var out []Token
	seen := map[string]bool{winning: true}
	for _, e := range slot {
		if !seen[e.token.Text] {
			seen[e.token.Text] = true
			out = append(out, e.token)
		}
	}
	return out
}

func positionLess(ta, tb Token) bool {
	a, b := ta.Box, tb.Box
	if a.Empty() || b.Empty() {
		return false // preserve sequence order without geometry
	}
	// Same print line when vertical centers are close.
	if abs(center(a).Y-center(b).Y) < max(a.Dy(), b.Dy())/2 {
		return a.Min.X < b.Min.X
	}
	return a.Min.Y < b.Min.Y
}

func center(r image.Rectangle) image.Point {
	return image.Pt(r.Min.X+r.Dx()/2, r.Min.Y+r.Dy()/2)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func ones(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
