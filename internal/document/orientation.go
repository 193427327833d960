package document

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// OrientationResult is the detected page rotation.
type OrientationResult struct {
	Angle      int     // one of {0, 90, 180, 270}, degrees the page is rotated
	Confidence float64 // 0..1
}

// DetectOrientation estimates page rotation using luminance transition
// projection: text lines produce far more black/white transitions along the
// reading direction than across it, which separates 0/180 from 90/270.
// The 180-ambiguity is broken by ink-mass asymmetry (headers and dense line
// tables put more ink in the upper half of an upright invoice).
func DetectOrientation(img image.Image) OrientationResult {
	if img == nil {
		return OrientationResult{}
	}
	thumb := imaging.Resize(img, 128, 128, imaging.Lanczos)
	b := thumb.Bounds()
	if b.Dx() <= 1 || b.Dy() <= 1 {
		return OrientationResult{}
	}

	mean := meanLuminance(thumb)
	rows := transitionsAlongRows(thumb, mean)
	cols := transitionsAlongColumns(thumb, mean)
	total := rows + cols
	if total == 0 {
		return OrientationResult{}
	}

	landscape := cols >= rows
	conf := math.Abs(cols-rows) / total
	if ar := aspectRatio(img.Bounds()); ar > 1.2 && landscape {
		conf = math.Min(1.0, conf+0.15)
	}

	upper, lower := inkMassHalves(thumb, mean, landscape)
	flipped := lower > upper*1.15

	angle := 0
	switch {
	case !landscape && !flipped:
		angle = 0
	case !landscape && flipped:
		angle = 180
	case landscape && !flipped:
		angle = 90
	default:
		angle = 270
	}
	return OrientationResult{Angle: angle, Confidence: conf}
}

// CorrectOrientation rotates img upright when the detected rotation clears
// the confidence threshold. Returns the output image and the angle undone.
func CorrectOrientation(img image.Image, threshold float64) (image.Image, int) {
	res := DetectOrientation(img)
	if res.Angle == 0 || res.Confidence < threshold {
		return img, 0
	}
	// imaging.Rotate rotates counter-clockwise; undo the detected rotation.
	return imaging.Rotate(img, float64(res.Angle), color.White), res.Angle
}

func meanLuminance(img image.Image) float64 {
	b := img.Bounds()
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += luminance(img.At(x, y))
		}
	}
	return sum / float64(b.Dx()*b.Dy())
}

func transitionsAlongRows(img image.Image, mean float64) float64 {
	b := img.Bounds()
	var transitions float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		prev := -1
		for x := b.Min.X; x < b.Max.X; x++ {
			cur := binarize(luminance(img.At(x, y)), mean)
			if prev >= 0 && cur != prev {
				transitions++
			}
			prev = cur
		}
	}
	return transitions
}

func transitionsAlongColumns(img image.Image, mean float64) float64 {
	b := img.Bounds()
	var transitions float64
	for x := b.Min.X; x < b.Max.X; x++ {
		prev := -1
		for y := b.Min.Y; y < b.Max.Y; y++ {
			cur := binarize(luminance(img.At(x, y)), mean)
			if prev >= 0 && cur != prev {
				transitions++
			}
			prev = cur
		}
	}
	return transitions
}

// inkMassHalves sums dark pixels in the two halves of the page along the
// reading axis (top/bottom for portrait, left/right for landscape).
func inkMassHalves(img image.Image, mean float64, landscape bool) (first, second float64) {
	b := img.Bounds()
	midY := b.Min.Y + b.Dy()/2
	midX := b.Min.X + b.Dx()/2
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if binarize(luminance(img.At(x, y)), mean) == 0 {
				continue
			}
			inFirst := y < midY
			if landscape {
				inFirst = x < midX
			}
			if inFirst {
				first++
			} else {
				second++
			}
		}
	}
	return first, second
}

func luminance(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	return 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
}

func binarize(lum, threshold float64) int {
	if lum < threshold {
		return 1
	}
	return 0
}

func aspectRatio(b image.Rectangle) float64 {
	w, h := float64(b.Dx()), float64(b.Dy())
	if h == 0 {
		return 0
	}
	if w > h {
		return w / h
	}
	return h / w
}
