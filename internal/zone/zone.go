// Package zone segments a normalized page image into semantic regions
// (header, line-item table, totals box, footer) using layout heuristics
// rather than a fixed template.
package zone

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// Label is the semantic meaning of a zone.
type Label string

const (
	LabelHeader        Label = "Header"
	LabelLineItemTable Label = "LineItemTable"
	LabelTotals        Label = "Totals"
	LabelFooter        Label = "Footer"
	LabelNoise         Label = "Noise"
)

// Valid reports whether l is a known zone label.
func (l Label) Valid() bool {
	switch l {
	case LabelHeader, LabelLineItemTable, LabelTotals, LabelFooter, LabelNoise:
		return true
	}
	return false
}

// Zone is a rectangular region on one page. Zones are immutable; a manual
// boundary edit produces a new zone version and archives the old one.
type Zone struct {
	ID      string          `json:"id"`
	Page    int             `json:"page"`
	Rect    image.Rectangle `json:"rect"`
	Label   Label           `json:"label"`
	Version int             `json:"version"`
	// Manual marks zones created by a reviewer edit rather than detection.
	Manual    bool      `json:"manual,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newZone(page int, rect image.Rectangle, label Label, version int) Zone {
	return Zone{
		ID:        uuid.NewString(),
		Page:      page,
		Rect:      rect,
		Label:     label,
		Version:   version,
		CreatedAt: time.Now().UTC(),
	}
}

// Edit is one reviewer adjustment to the zone layout of a page.
type Edit struct {
	// ReplaceID names the zone whose boundary is being adjusted; empty for
	// a newly drawn zone.
	ReplaceID string
	Rect      image.Rectangle
	Label     Label
}

// Revise applies reviewer edits to a zone set, producing the next version.
// Unedited zones are carried forward as new versions so that a revision is a
// complete, self-consistent snapshot; prior versions are archived by the
// store, never deleted.
func Revise(prev []Zone, edits []Edit) []Zone {
	next := 0
	for _, z := range prev {
		if z.Version > next {
			next = z.Version
		}
	}
	next++

	replaced := make(map[string]bool, len(edits))
	out := make([]Zone, 0, len(prev)+len(edits))
	for _, e := range edits {
		if e.ReplaceID != "" {
			replaced[e.ReplaceID] = true
		}
		z := newZone(pageOf(prev, e.ReplaceID), e.Rect, e.Label, next)
		z.Manual = true
		out = append(out, z)
	}
	for _, z := range prev {
		if replaced[z.ID] {
			continue
		}
		carried := newZone(z.Page, z.Rect, z.Label, next)
		carried.Manual = z.Manual
		out = append(out, carried)
	}
	return out
}

func pageOf(zones []Zone, id string) int {
	for _, z := range zones {
		if z.ID == id {
			return z.Page
		}
	}
	if len(zones) > 0 {
		return zones[0].Page
	}
	return 1
}
