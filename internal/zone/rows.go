package zone

import (
	"image"

	"github.com/disintegration/imaging"
)

// SplitRows segments a LineItemTable zone into candidate line-item rows by
// whitespace gaps between print lines. Ruled separator lines are dropped.
// Returns rectangles in page coordinates, top to bottom.
func (d *Detector) SplitRows(img image.Image, z Zone) []image.Rectangle {
	rect := z.Rect.Intersect(img.Bounds())
	if rect.Empty() {
		return nil
	}
	crop := imaging.Crop(img, rect)
	profile := d.inkProfile(crop)
	if len(profile) == 0 {
		return []image.Rectangle{rect}
	}

	sections := splitSections(profile, 1)
	scale := float64(rect.Dy()) / float64(len(profile))

	rows := make([]image.Rectangle, 0, len(sections))
	for _, s := range sections {
		if s.ruled && s.end-s.start <= 2 {
			continue // horizontal rule, not a content row
		}
		top := rect.Min.Y + int(float64(s.start)*scale)
		bottom := rect.Min.Y + int(float64(s.end+1)*scale)
		if bottom-top < 3 {
			continue
		}
		rows = append(rows, image.Rect(rect.Min.X, top, rect.Max.X, bottom))
	}
	if len(rows) == 0 {
		return []image.Rectangle{rect}
	}
	return rows
}
