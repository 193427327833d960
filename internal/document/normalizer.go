package document

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for uploaded raster formats
	_ "image/png"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dslipak/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	_ "golang.org/x/image/bmp" // occasionally produced by scanner frontends
	"golang.org/x/image/tiff"
)

// NormalizerConfig controls document normalization.
type NormalizerConfig struct {
	// MaxPages caps the number of pages loaded from one artifact.
	MaxPages int
	// OrientationThreshold gates orientation correction; detections below
	// it leave the page as uploaded.
	OrientationThreshold float64
	// TargetWidth resizes overly large pages down to a consistent working
	// resolution (0 disables).
	TargetWidth int
	// TextQualityThreshold is the minimum embedded-text quality for a PDF
	// text layer to be attached to the page.
	TextQualityThreshold float64
}

// DefaultNormalizerConfig returns sensible defaults.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		MaxPages:             50,
		OrientationThreshold: 0.25,
		TargetWidth:          2048,
		TextQualityThreshold: 0.6,
	}
}

// Normalizer turns raw upload bytes into orientation-corrected page images,
// plus a parallel text layer for PDFs that carry one. It is the only
// component that drives Document status through
// Uploaded -> Normalizing -> (OcrInProgress | Failed).
type Normalizer struct {
	cfg NormalizerConfig
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultNormalizerConfig().MaxPages
	}
	return &Normalizer{cfg: cfg}
}

// NormalizeDocument loads pages for doc and advances its status. On any
// failure the document moves to Failed and the typed error is returned.
func (n *Normalizer) NormalizeDocument(doc *Document, raw []byte) ([]Page, error) {
	if err := doc.SetStatus(StatusNormalizing); err != nil {
		return nil, err
	}
	pages, err := n.Normalize(raw, doc.MIME)
	if err != nil {
		_ = doc.SetStatus(StatusFailed)
		return nil, err
	}
	doc.PageCount = len(pages)
	if err := doc.SetStatus(StatusOcrInProgress); err != nil {
		return nil, err
	}
	return pages, nil
}

// Normalize decodes raw into normalized pages. The declared MIME type is
// validated against the actual content; mismatches fall through to content
// sniffing so a mislabelled upload still loads.
func (n *Normalizer) Normalize(raw []byte, mime string) ([]Page, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyDocument
	}
	kind := classify(raw, mime)
	switch kind {
	case "pdf":
		return n.normalizePDF(raw)
	case "tiff":
		return n.normalizeTIFF(raw)
	case "image":
		return n.normalizeImage(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mime)
	}
}

// classify determines the handler from content first, declared MIME second.
func classify(raw []byte, mime string) string {
	switch {
	case bytes.HasPrefix(raw, []byte("%PDF-")):
		return "pdf"
	case bytes.HasPrefix(raw, []byte{0x49, 0x49, 0x2A, 0x00}),
		bytes.HasPrefix(raw, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "tiff"
	case bytes.HasPrefix(raw, []byte{0x89, 'P', 'N', 'G'}),
		bytes.HasPrefix(raw, []byte{0xFF, 0xD8}):
		return "image"
	}
	switch strings.ToLower(mime) {
	case "application/pdf":
		return "pdf"
	case "image/tiff":
		return "tiff"
	case "image/png", "image/jpeg", "image/bmp":
		return "image"
	}
	return ""
}

func (n *Normalizer) normalizeImage(raw []byte) ([]Page, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return []Page{n.normalizePage(1, img, nil)}, nil
}

func (n *Normalizer) normalizeTIFF(raw []byte) ([]Page, error) {
	// TIFF may hold multiple directories (one per scanned page).
	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return []Page{n.normalizePage(1, img, nil)}, nil
}

func (n *Normalizer) normalizePDF(raw []byte) ([]Page, error) {
	tmp, err := os.CreateTemp("", "billscan-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("temp pdf: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("temp pdf: %w", err)
	}
	_ = tmp.Close()

	pageCount, err := api.PageCountFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if pageCount == 0 {
		return nil, ErrEmptyDocument
	}
	if pageCount > n.cfg.MaxPages {
		pageCount = n.cfg.MaxPages
	}

	images, err := extractPageImages(tmp.Name(), pageCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	text := n.extractTextLayers(tmp.Name(), pageCount)

	pages := make([]Page, 0, pageCount)
	for p := 1; p <= pageCount; p++ {
		img := images[p]
		layer := text[p]
		if img == nil && layer == nil {
			continue
		}
		if img == nil {
			// Text-only page: synthesize a blank canvas so zone detection
			// still has page geometry to work with.
			img = image.NewRGBA(image.Rect(0, 0, 1654, 2339))
		}
		pages = append(pages, n.normalizePage(p, img, layer))
	}
	if len(pages) == 0 {
		return nil, ErrEmptyDocument
	}
	return pages, nil
}

func (n *Normalizer) normalizePage(num int, img image.Image, layer *TextLayer) Page {
	if n.cfg.TargetWidth > 0 && img.Bounds().Dx() > n.cfg.TargetWidth {
		img = imaging.Resize(img, n.cfg.TargetWidth, 0, imaging.Lanczos)
	}
	corrected, angle := CorrectOrientation(img, n.cfg.OrientationThreshold)
	scaleWordsToPixels(layer, corrected.Bounds())
	return Page{Number: num, Image: corrected, TextLayer: layer, OrientationApplied: angle}
}

// extractPageImages pulls embedded page images out of a PDF via pdfcpu.
func extractPageImages(filename string, pageCount int) (map[int]image.Image, error) {
	dir, err := os.MkdirTemp("", "billscan-pages-*")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	pages := make([]string, 0, pageCount)
	for p := 1; p <= pageCount; p++ {
		pages = append(pages, fmt.Sprintf("%d", p))
	}
	if err := api.ExtractImagesFile(filename, dir, pages, nil); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[int]image.Image)
	for _, name := range names {
		page, ok := pageFromExtractName(name)
		if !ok {
			continue
		}
		data, err := os.ReadFile(dir + string(os.PathSeparator) + name)
		if err != nil {
			continue
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			continue
		}
		// Keep the largest image per page; small ones are logos/artifacts.
		if prev, exists := out[page]; !exists || area(img) > area(prev) {
			out[page] = img
		}
	}
	return out, nil
}

// pageFromExtractName parses pdfcpu extract filenames of the form
// "<base>_<page>_<imgname>.<ext>".
func pageFromExtractName(name string) (int, bool) {
	parts := strings.Split(strings.TrimSuffix(name, extOf(name)), "_")
	for i := len(parts) - 1; i >= 0; i-- {
		var p int
		if _, err := fmt.Sscanf(parts[i], "%d", &p); err == nil && p > 0 {
			return p, true
		}
	}
	return 0, false
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func area(img image.Image) int {
	b := img.Bounds()
	return b.Dx() * b.Dy()
}

// extractTextLayers reads the vector text layer per page. Extraction errors
// are non-fatal; OCR covers pages without usable text.
func (n *Normalizer) extractTextLayers(filename string, pageCount int) map[int]*TextLayer {
	out := make(map[int]*TextLayer)
	reader, err := pdf.Open(filename)
	if err != nil {
		return out
	}
	total := reader.NumPage()
	if total < pageCount {
		pageCount = total
	}
	for p := 1; p <= pageCount; p++ {
		layer := extractPageText(reader, p)
		if layer != nil && layer.Quality >= n.cfg.TextQualityThreshold {
			out[p] = layer
		}
	}
	return out
}

func extractPageText(reader *pdf.Reader, pageNum int) *TextLayer {
	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return nil
	}
	pageW, pageH := mediaBoxSize(page)
	var sb strings.Builder
	var words []Word
	rows, err := page.GetTextByRow()
	if err == nil && len(rows) > 0 {
		for _, row := range rows {
			for _, t := range row.Content {
				if t.S == "" {
					continue
				}
				sb.WriteString(t.S)
				sb.WriteByte(' ')
				words = append(words, Word{Text: t.S, Box: wordBox(t, pageH)})
			}
			sb.WriteByte('\n')
		}
	} else {
		fonts := make(map[string]*pdf.Font)
		plain, _ := page.GetPlainText(fonts)
		sb.WriteString(plain)
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return &TextLayer{
		Text:       text,
		Words:      words,
		Quality:    assessTextQuality(text),
		PageWidth:  pageW,
		PageHeight: pageH,
	}
}

// mediaBoxSize reads the page media box in points, falling back to US
// Letter when the page does not declare one.
func mediaBoxSize(page pdf.Page) (w, h float64) {
	mb := page.V.Key("MediaBox")
	if mb.Kind() == pdf.Array && mb.Len() >= 4 {
		w = mb.Index(2).Float64() - mb.Index(0).Float64()
		h = mb.Index(3).Float64() - mb.Index(1).Float64()
	}
	if w <= 0 || h <= 0 {
		return 612, 792
	}
	return w, h
}

// wordBox converts dslipak text geometry (origin bottom-left, Y at the
// baseline) into a top-left rectangle in page point space. Fonts missing
// size or advance-width information get a rough glyph estimate rather than
// a degenerate box.
func wordBox(t pdf.Text, pageH float64) image.Rectangle {
	h := t.FontSize
	if h <= 0 {
		h = 10
	}
	w := t.W
	if w <= 0 {
		w = h * 0.5 * float64(len(t.S))
	}
	return image.Rect(round(t.X), round(pageH-t.Y-h), round(t.X+w), round(pageH-t.Y))
}

// scaleWordsToPixels maps word boxes from PDF point space onto the
// normalized raster. Layers without recorded page dimensions are already in
// pixel space and are left alone.
func scaleWordsToPixels(layer *TextLayer, bounds image.Rectangle) {
	if layer == nil || layer.PageWidth <= 0 || layer.PageHeight <= 0 {
		return
	}
	sx := float64(bounds.Dx()) / layer.PageWidth
	sy := float64(bounds.Dy()) / layer.PageHeight
	for i := range layer.Words {
		b := layer.Words[i].Box
		layer.Words[i].Box = image.Rect(
			round(float64(b.Min.X)*sx), round(float64(b.Min.Y)*sy),
			round(float64(b.Max.X)*sx), round(float64(b.Max.Y)*sy))
	}
	layer.PageWidth, layer.PageHeight = 0, 0
}

func round(f float64) int { return int(math.Round(f)) }

// assessTextQuality scores embedded text usability: printable ratio and a
// minimum amount of content. Garbage encodings (broken CMaps) score low.
func assessTextQuality(text string) float64 {
	if len(text) < 20 {
		return 0.2
	}
	printable := 0
	for _, r := range text {
		if r >= 0x20 || r == '\n' || r == '\t' {
			printable++
		}
	}
	ratio := float64(printable) / float64(len([]rune(text)))
	fields := len(strings.Fields(text))
	score := ratio
	if fields < 5 {
		score *= 0.5
	}
	return score
}
