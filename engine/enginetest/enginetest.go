// Package enginetest builds small PDF fixtures for tests. Each page is made
// from a solid image of a distinct size, so page identity can be checked
// through page sizes after merging or splitting.
package enginetest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/wudi/pdfdesk/engine"
)

// PNG encodes a solid w×h image.
func PNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: uint8(w), G: uint8(h), B: 0x80, A: 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// Document returns a PDF with one page per size.
func Document(tb testing.TB, e *engine.Engine, sizes ...image.Point) []byte {
	tb.Helper()
	imgs := make([][]byte, len(sizes))
	for i, s := range sizes {
		imgs[i] = PNG(tb, s.X, s.Y)
	}
	pdf, err := e.ImportImages(context.Background(), imgs)
	if err != nil {
		tb.Fatalf("build fixture: %v", err)
	}
	return pdf
}

// Pages returns a PDF of n pages whose widths are base, base+10, ...
func Pages(tb testing.TB, e *engine.Engine, base, n int) []byte {
	tb.Helper()
	sizes := make([]image.Point, n)
	for i := range sizes {
		sizes[i] = image.Pt(base+10*i, 60)
	}
	return Document(tb, e, sizes...)
}

// Corrupt looks like a PDF by header but cannot be parsed.
func Corrupt() []byte {
	return []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog /Pages 9 0 R\nthis is not a pdf body\n%%EOF\n")
}

// Sizes returns the page sizes of pdf.
func Sizes(tb testing.TB, e *engine.Engine, pdf []byte) []engine.Size {
	tb.Helper()
	sizes, err := e.PageSizes(context.Background(), pdf)
	if err != nil {
		tb.Fatalf("page sizes: %v", err)
	}
	return sizes
}
