package zone

import (
	"image"

	"github.com/disintegration/imaging"
)

// DetectorConfig tunes the layout heuristics.
type DetectorConfig struct {
	// ProfileWidth is the width the page is downsampled to before the ink
	// profile is computed.
	ProfileWidth int
	// GapRows is the minimum run of near-empty rows treated as a section
	// break, as a fraction of page height.
	GapFraction float64
	// RuleInkRatio is the minimum fraction of dark pixels for a row to
	// count as a ruled line.
	RuleInkRatio float64
	// HeaderBand / FooterBand are the page-height fractions searched for
	// the header and footer sections.
	HeaderBand float64
	FooterBand float64
}

// DefaultDetectorConfig returns sensible defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ProfileWidth: 512,
		GapFraction:  0.012,
		RuleInkRatio: 0.55,
		HeaderBand:   0.30,
		FooterBand:   0.12,
	}
}

// Detector segments pages into zones.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.ProfileWidth <= 0 {
		cfg = DefaultDetectorConfig()
	}
	return &Detector{cfg: cfg}
}

// Detect returns the ordered zone set for one page. Every page yields at
// least one zone: when no structure is found the whole page is labeled
// LineItemTable so extraction still runs.
func (d *Detector) Detect(page int, img image.Image) []Zone {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return []Zone{newZone(page, b, LabelLineItemTable, 1)}
	}

	profile := d.inkProfile(img)
	sections := splitSections(profile, int(float64(len(profile))*d.cfg.GapFraction))
	if len(sections) < 2 {
		return []Zone{newZone(page, b, LabelLineItemTable, 1)}
	}

	scale := float64(b.Dy()) / float64(len(profile))
	zones := make([]Zone, 0, len(sections))
	for _, s := range sections {
		top := b.Min.Y + int(float64(s.start)*scale)
		bottom := b.Min.Y + int(float64(s.end+1)*scale)
		rect := image.Rect(b.Min.X, top, b.Max.X, bottom)
		zones = append(zones, newZone(page, rect, d.labelSection(s, len(profile), img, rect), 1))
	}
	return coalesceTables(zones)
}

type section struct {
	start, end int // inclusive profile row indices
	maxInk     float64
	ruled      bool
}

// inkProfile computes per-row dark-pixel ratios on a downsampled page.
func (d *Detector) inkProfile(img image.Image) []float64 {
	small := imaging.Grayscale(imaging.Resize(img, d.cfg.ProfileWidth, 0, imaging.Box))
	b := small.Bounds()
	h, w := b.Dy(), b.Dx()
	if h == 0 || w == 0 {
		return nil
	}

	// Global threshold from the mean, biased dark; invoice paper is white.
	var sum uint64
	for y := range h {
		for x := range w {
			sum += uint64(small.Pix[small.PixOffset(b.Min.X+x, b.Min.Y+y)])
		}
	}
	threshold := uint8(float64(sum/uint64(h*w)) * 0.82)

	profile := make([]float64, h)
	for y := range h {
		dark := 0
		for x := range w {
			if small.Pix[small.PixOffset(b.Min.X+x, b.Min.Y+y)] < threshold {
				dark++
			}
		}
		profile[y] = float64(dark) / float64(w)
	}
	return profile
}

// splitSections groups profile rows into content sections separated by
// whitespace gaps of at least minGap rows.
func splitSections(profile []float64, minGap int) []section {
	if minGap < 1 {
		minGap = 1
	}
	const emptyThreshold = 0.005

	var sections []section
	inContent := false
	var cur section
	gap := 0
	for i, ink := range profile {
		empty := ink < emptyThreshold
		switch {
		case !inContent && !empty:
			inContent = true
			cur = section{start: i, end: i, maxInk: ink}
			gap = 0
		case inContent && empty:
			gap++
			if gap >= minGap {
				sections = append(sections, cur)
				inContent = false
			}
		case inContent:
			gap = 0
			cur.end = i
			if ink > cur.maxInk {
				cur.maxInk = ink
			}
			if ink > 0.5 {
				cur.ruled = true
			}
		}
	}
	if inContent {
		sections = append(sections, cur)
	}
	return sections
}

// labelSection assigns a semantic label from position and content shape.
func (d *Detector) labelSection(s section, profileLen int, img image.Image, rect image.Rectangle) Label {
	pos := float64(s.start) / float64(profileLen)
	endPos := float64(s.end) / float64(profileLen)

	switch {
	case endPos <= d.cfg.HeaderBand:
		return LabelHeader
	case pos >= 1.0-d.cfg.FooterBand:
		// A short bottom section with right-heavy ink is the totals box,
		// otherwise it is the footer.
		if rightHeavy(img, rect) {
			return LabelTotals
		}
		return LabelFooter
	case pos >= 0.55 && rightHeavy(img, rect) && s.end-s.start < profileLen/8:
		return LabelTotals
	default:
		return LabelLineItemTable
	}
}

// rightHeavy reports whether most ink in rect sits in its right half.
func rightHeavy(img image.Image, rect image.Rectangle) bool {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return false
	}
	midX := rect.Min.X + rect.Dx()/2
	var left, right int
	step := max(1, rect.Dx()/256)
	for y := rect.Min.Y; y < rect.Max.Y; y += step {
		for x := rect.Min.X; x < rect.Max.X; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			lum := (299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000
			if lum < 128 {
				if x < midX {
					left++
				} else {
					right++
				}
			}
		}
	}
	return right > left*2
}

// coalesceTables merges adjacent LineItemTable sections into one zone so the
// row splitter sees the whole table despite internal whitespace.
func coalesceTables(zones []Zone) []Zone {
	out := make([]Zone, 0, len(zones))
	for _, z := range zones {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Label == LabelLineItemTable && z.Label == LabelLineItemTable {
				last.Rect = last.Rect.Union(z.Rect)
				continue
			}
		}
		out = append(out, z)
	}
	return out
}
