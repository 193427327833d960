package review

import (
	"fmt"
	"sort"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/extract"
)

// Mode selects how the review surface walks a bill.
type Mode string

const (
	// ModeGuided steps the reviewer through the items needing attention,
	// most urgent first.
	ModeGuided Mode = "guided"
	// ModePower presents the whole bill at once; the worklist is advisory.
	ModePower Mode = "power"
)

// Valid reports whether the mode is one the queue understands.
func (m Mode) Valid() bool {
	return m == ModeGuided || m == ModePower
}

// AttentionReason classifies why an item was queued.
type AttentionReason string

const (
	ReasonHardFinding   AttentionReason = "hard_finding"
	ReasonAmbiguous     AttentionReason = "ambiguous"
	ReasonLowConfidence AttentionReason = "low_confidence"
	ReasonUnmatchedLine AttentionReason = "unmatched_line"
	ReasonMissingValue  AttentionReason = "missing_value"
)

// AttentionItem is one stop on the guided walk.
type AttentionItem struct {
	Path       string          `json:"path"` // field path or line ID
	Field      extract.Field   `json:"field,omitempty"`
	Reason     AttentionReason `json:"reason"`
	Confidence float64         `json:"confidence,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// attention weights order the guided walk: blocking problems first, then
// ambiguity, then weak confidence.
var reasonOrder = map[AttentionReason]int{
	ReasonHardFinding:   0,
	ReasonMissingValue:  1,
	ReasonAmbiguous:     2,
	ReasonUnmatchedLine: 3,
	ReasonLowConfidence: 4,
}

// Worklist builds the guided attention queue for a bill. The list is
// recomputed on demand, so accepted and edited fields drop out as the
// reviewer works.
func (m *Manager) Worklist(billID string, lowConfidence float64) ([]AttentionItem, error) {
	return m.Queue(billID, ModeGuided, lowConfidence)
}

// Queue builds the review queue for a bill. Guided mode keeps only the items
// needing attention; power mode keeps every flagged and weak field with its
// raw confidence so the reviewer can sweep the whole bill.
func (m *Manager) Queue(billID string, mode Mode, lowConfidence float64) ([]AttentionItem, error) {
	c, err := m.caseFor(billID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var items []AttentionItem
	b := c.bill

	if b.Validation != nil {
		for _, f := range b.Validation.Hard() {
			path := string(f.Code)
			if len(f.Fields) > 0 {
				path = f.Fields[0]
			}
			items = append(items, AttentionItem{
				Path:   path,
				Reason: ReasonHardFinding,
				Detail: f.Message,
			})
		}
	}

	for _, field := range extract.HeaderFields {
		fr := b.Header[field]
		items = append(items, fieldAttention(string(field), fr)...)
	}

	for i := range b.Lines {
		line := &b.Lines[i]
		if line.Status == bill.LineUnmatched {
			items = append(items, AttentionItem{
				Path:   line.ID,
				Reason: ReasonUnmatchedLine,
				Detail: fmt.Sprintf("no product match for %q", line.RawSKU),
			})
		}
		for field, fr := range line.Fields {
			items = append(items, fieldAttention(line.ID+"/"+string(field), fr)...)
		}
	}

	if mode != ModePower {
		items = filterLowConfidence(items, lowConfidence)
	}

	sort.SliceStable(items, func(i, j int) bool {
		oi, oj := reasonOrder[items[i].Reason], reasonOrder[items[j].Reason]
		if oi != oj {
			return oi < oj
		}
		return items[i].Path < items[j].Path
	})
	return items, nil
}

// fieldAttention flags one candidate history: no value, ambiguous top, or a
// weak winner.
func fieldAttention(path string, fr *extract.FieldResult) []AttentionItem {
	if fr == nil {
		return nil
	}
	sel := fr.Selected()
	if sel == nil {
		return []AttentionItem{{Path: path, Field: fr.Field, Reason: ReasonMissingValue}}
	}
	if sel.Manual {
		return nil
	}
	var items []AttentionItem
	if fr.Ambiguous {
		items = append(items, AttentionItem{
			Path:       path,
			Field:      fr.Field,
			Reason:     ReasonAmbiguous,
			Confidence: sel.Confidence,
			Detail:     fmt.Sprintf("%d candidates within the tie window", len(fr.Candidates)),
		})
	}
	items = append(items, AttentionItem{
		Path:       path,
		Field:      fr.Field,
		Reason:     ReasonLowConfidence,
		Confidence: sel.Confidence,
	})
	return items
}

// filterLowConfidence drops low-confidence entries whose winner clears the
// threshold; every other reason always stays queued.
func filterLowConfidence(items []AttentionItem, threshold float64) []AttentionItem {
	kept := items[:0]
	for _, it := range items {
		if it.Reason == ReasonLowConfidence && it.Confidence >= threshold {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}
