package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// TesseractBackend shells out to the tesseract CLI. It is the default
// backend for the standalone binary; hosted deployments bring their own
// Backend implementation.
type TesseractBackend struct {
	// Binary is the tesseract executable, "tesseract" when empty.
	Binary string
	// Language passed via -l, "eng" when empty.
	Language string
}

// NewTesseractBackend creates a backend using the tesseract binary on PATH.
func NewTesseractBackend(language string) *TesseractBackend {
	return &TesseractBackend{Language: language}
}

// psm selects the page segmentation mode per profile: fast passes assume a
// uniform block, accurate passes let tesseract segment freely.
func (t *TesseractBackend) psm(profile Profile) string {
	switch profile {
	case ProfileFast:
		return "6"
	case ProfileHighAccuracy:
		return "3"
	default:
		return "4"
	}
}

// Recognize runs one tesseract pass over the image and parses its TSV
// output into tokens. Exec failures are reported as ErrBackendUnavailable
// so the orchestrator retries them.
func (t *TesseractBackend) Recognize(ctx context.Context, img image.Image, profile Profile) (PassResult, error) {
	binary := t.Binary
	if binary == "" {
		binary = "tesseract"
	}
	language := t.Language
	if language == "" {
		language = "eng"
	}

	dir, err := os.MkdirTemp("", "billscan-ocr-*")
	if err != nil {
		return PassResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	input := filepath.Join(dir, "page.png")
	f, err := os.Create(input)
	if err != nil {
		return PassResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return PassResult{}, fmt.Errorf("encoding page: %w", err)
	}
	if err := f.Close(); err != nil {
		return PassResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, binary, input, "stdout", "-l", language, "--psm", t.psm(profile), "tsv")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return PassResult{}, ctx.Err()
		}
		return PassResult{}, fmt.Errorf("%w: %v: %s", ErrBackendUnavailable, err, strings.TrimSpace(stderr.String()))
	}

	return PassResult{Profile: profile, Tokens: parseTesseractTSV(stdout.String())}, nil
}

// parseTesseractTSV extracts word-level tokens from tesseract's TSV output.
// Columns: level page block par line word left top width height conf text.
func parseTesseractTSV(out string) []Token {
	var tokens []Token
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 12 {
			continue
		}
		level, err := strconv.Atoi(fields[0])
		if err != nil || level != 5 {
			continue
		}
		text := strings.TrimSpace(fields[11])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(fields[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		left, _ := strconv.Atoi(fields[6])
		top, _ := strconv.Atoi(fields[7])
		width, _ := strconv.Atoi(fields[8])
		height, _ := strconv.Atoi(fields[9])
		tokens = append(tokens, Token{
			Text:       text,
			Confidence: conf / 100,
			Box:        image.Rect(left, top, left+width, top+height),
		})
	}
	return tokens
}

// Available reports whether the tesseract binary can be found.
func (t *TesseractBackend) Available() bool {
	binary := t.Binary
	if binary == "" {
		binary = "tesseract"
	}
	_, err := exec.LookPath(binary)
	return !errors.Is(err, exec.ErrNotFound) && err == nil
}
