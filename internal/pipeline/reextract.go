package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/MeKo-Tech/billscan/internal/document"
	"github.com/MeKo-Tech/billscan/internal/extract"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// ReextractField re-OCRs a page region with the requested profile and
// generates a fresh candidate generation for the field. The new candidates
// compete with the existing ones; nothing is replaced.
func (p *Pipeline) ReextractField(ctx context.Context, documentID string, pageNum int, region image.Rectangle, field extract.Field, profile ocr.Profile) ([]extract.Candidate, error) {
	page, err := p.store.GetPage(documentID, pageNum)
	if err != nil {
		return nil, err
	}
	masks, err := p.store.DocumentMasks(documentID)
	if err != nil {
		return nil, err
	}
	res, err := p.orchestrator.RunTargeted(ctx, page.Image, region, pageMasks(masks, pageNum), profile)
	if err != nil {
		return nil, err
	}

	vendorID, gen, err := p.billContext(documentID, field)
	if err != nil {
		return nil, err
	}
	z := p.zoneAt(documentID, pageNum, region)
	return p.candidatesFor(vendorID, field, extract.ZoneText{Zone: z, Result: res}, gen), nil
}

// ReextractAfterMask re-runs recognition for the zones a new mask touches
// and regenerates candidates for the header fields expected there.
func (p *Pipeline) ReextractAfterMask(ctx context.Context, documentID string, mask document.Mask) (map[extract.Field][]extract.Candidate, error) {
	page, err := p.store.GetPage(documentID, mask.Page)
	if err != nil {
		return nil, err
	}
	masks, err := p.store.DocumentMasks(documentID)
	if err != nil {
		return nil, err
	}
	zones, _, err := p.store.LatestZones(documentID, mask.Page)
	if err != nil {
		return nil, err
	}

	var texts []extract.ZoneText
	for _, z := range zones {
		if z.Label == zone.LabelNoise || z.Label == zone.LabelLineItemTable {
			continue
		}
		if !z.Rect.Overlaps(mask.Rect) {
			continue
		}
		res, err := p.recognizeZone(ctx, *page, z.Rect, pageMasks(masks, mask.Page))
		if err != nil {
			return nil, err
		}
		texts = append(texts, extract.ZoneText{Zone: z, Result: res})
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vendorID, gen, err := p.billContext(documentID, "")
	if err != nil {
		return nil, err
	}
	regenerated := p.generator.HeaderCandidates(vendorID, texts, gen)
	out := make(map[extract.Field][]extract.Candidate, len(regenerated))
	for field, fr := range regenerated {
		if fr == nil || len(fr.Candidates) == 0 {
			continue
		}
		out[field] = fr.Candidates
	}
	return out, nil
}

// ReviseZones stores the reviewer's edits as the next zone-set version and
// re-runs recognition over the newly drawn regions, regenerating header
// candidates from whatever they now cover. Prior zone versions stay
// archived in the store.
func (p *Pipeline) ReviseZones(ctx context.Context, documentID string, pageNum int, edits []zone.Edit) (map[extract.Field][]extract.Candidate, error) {
	prev, version, err := p.store.LatestZones(documentID, pageNum)
	if err != nil {
		return nil, err
	}
	next := zone.Revise(prev, edits)
	version++
	if len(next) > 0 {
		version = next[0].Version
	}
	if err := p.store.PutZones(documentID, pageNum, version, next); err != nil {
		return nil, err
	}

	page, err := p.store.GetPage(documentID, pageNum)
	if err != nil {
		return nil, err
	}
	masks, err := p.store.DocumentMasks(documentID)
	if err != nil {
		return nil, err
	}

	var texts []extract.ZoneText
	for _, e := range edits {
		if e.Label == zone.LabelNoise || e.Label == zone.LabelLineItemTable {
			continue
		}
		z := revisedZoneAt(next, pageNum, e)
		res, err := p.recognizeZone(ctx, *page, z.Rect, pageMasks(masks, pageNum))
		if err != nil {
			return nil, err
		}
		texts = append(texts, extract.ZoneText{Zone: z, Result: res})
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vendorID, gen, err := p.billContext(documentID, "")
	if err != nil {
		return nil, err
	}
	regenerated := p.generator.HeaderCandidates(vendorID, texts, gen)
	out := make(map[extract.Field][]extract.Candidate, len(regenerated))
	for field, fr := range regenerated {
		if fr == nil || len(fr.Candidates) == 0 {
			continue
		}
		out[field] = fr.Candidates
	}
	return out, nil
}

// revisedZoneAt finds the zone minted for one edit in the revised set.
func revisedZoneAt(zones []zone.Zone, pageNum int, e zone.Edit) zone.Zone {
	for _, z := range zones {
		if z.Manual && z.Rect.Eq(e.Rect) && z.Label == e.Label {
			return z
		}
	}
	return zone.Zone{Page: pageNum, Rect: e.Rect, Label: e.Label}
}

// billContext resolves the owning bill's vendor and the next candidate
// generation for a field (the highest generation seen anywhere plus one when
// no field is given).
func (p *Pipeline) billContext(documentID string, field extract.Field) (string, int, error) {
	b, err := p.store.BillForDocument(documentID)
	if err != nil {
		return "", 0, err
	}
	if b == nil {
		return "", 0, fmt.Errorf("no bill derived from document %s", documentID)
	}
	gen := 1
	bump := func(fr *extract.FieldResult) {
		if fr == nil {
			return
		}
		for _, c := range fr.Candidates {
			if c.Generation > gen {
				gen = c.Generation
			}
		}
	}
	if field != "" {
		bump(b.FieldResult(string(field)))
	} else {
		for _, fr := range b.Header {
			bump(fr)
		}
	}
	return b.VendorID, gen + 1, nil
}

// zoneAt finds the detected zone containing a region so regenerated
// candidates keep an honest zone prior; a miss falls back to a synthetic
// header zone covering the region.
func (p *Pipeline) zoneAt(documentID string, pageNum int, region image.Rectangle) zone.Zone {
	zones, _, err := p.store.LatestZones(documentID, pageNum)
	if err == nil {
		for _, z := range zones {
			if region.In(z.Rect) || z.Rect.Overlaps(region) {
				return z
			}
		}
	}
	return zone.Zone{Page: pageNum, Rect: region, Label: zone.LabelHeader}
}

// candidatesFor generates candidates for one field from one zone text.
func (p *Pipeline) candidatesFor(vendorID string, field extract.Field, zt extract.ZoneText, gen int) []extract.Candidate {
	for _, hf := range extract.HeaderFields {
		if hf != field {
			continue
		}
		header := p.generator.HeaderCandidates(vendorID, []extract.ZoneText{zt}, gen)
		if fr := header[field]; fr != nil {
			return fr.Candidates
		}
		return nil
	}

	// Line fields go through row extraction over the targeted region.
	drafts := p.generator.LineCandidates(vendorID, []extract.RowText{{Zone: zt.Zone, Result: zt.Result}}, gen)
	for _, d := range drafts {
		if fr := d.Fields[field]; fr != nil {
			return fr.Candidates
		}
	}
	return nil
}
