package document

import (
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/google/uuid"
)

// Mask is a region blanked out before OCR (logos, watermarks, stamps).
// Masks are append-only; a vendor-scoped mask is replayed onto future
// documents from the same vendor.
type Mask struct {
	ID       string          `json:"id"`
	Rect     image.Rectangle `json:"rect"`
	Page     int             `json:"page"`
	VendorID string          `json:"vendor_id,omitempty"` // set when remembered for the vendor
	AddedAt  time.Time       `json:"added_at"`
}

// NewMask creates a mask for one page region.
func NewMask(page int, rect image.Rectangle, vendorID string) Mask {
	return Mask{
		ID:       uuid.NewString(),
		Rect:     rect,
		Page:     page,
		VendorID: vendorID,
		AddedAt:  time.Now().UTC(),
	}
}

// ApplyMasks returns a copy of img with every mask rectangle filled with the
// estimated page background. The source image is never mutated.
func ApplyMasks(img image.Image, masks []Mask) image.Image {
	if len(masks) == 0 {
		return img
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	bg := estimateBackground(img)
	for _, m := range masks {
		r := m.Rect.Intersect(b)
		if r.Empty() {
			continue
		}
		draw.Draw(out, r, &image.Uniform{C: bg}, image.Point{}, draw.Src)
	}
	return out
}

// estimateBackground samples the image border and returns the dominant
// luminance as a gray fill. Scanned invoices are overwhelmingly white, plain
// averaging of the border is sufficient.
func estimateBackground(img image.Image) color.Color {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return color.White
	}
	var sum, n uint64
	sample := func(x, y int) {
		r, g, bb, _ := img.At(x, y).RGBA()
		sum += uint64((299*(r>>8) + 587*(g>>8) + 114*(bb>>8)) / 1000)
		n++
	}
	for x := b.Min.X; x < b.Max.X; x += 4 {
		sample(x, b.Min.Y)
		sample(x, b.Max.Y-1)
	}
	for y := b.Min.Y; y < b.Max.Y; y += 4 {
		sample(b.Min.X, y)
		sample(b.Max.X-1, y)
	}
	if n == 0 {
		return color.White
	}
	v := uint8(sum / n)
	return color.Gray{Y: v}
}
