// Package convert turns images into PDF documents, one page per image.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/wudi/pdfdesk/observability"
)

var (
	ErrNoImages    = errors.New("no images to convert")
	ErrUnsupported = errors.New("unsupported image format")
)

// Importer builds a PDF from encoded PNG or JPEG images.
type Importer interface {
	ImportImages(ctx context.Context, images [][]byte) ([]byte, error)
}

type Options struct {
	// MaxEdge downsizes images whose longest edge exceeds it. 0 keeps sizes.
	MaxEdge int
	// JPEGQuality re-encodes pages as JPEG (1-100). 0 re-encodes as PNG.
	JPEGQuality int
}

// Image is an uploaded picture.
type Image struct {
	Name string
	Data []byte
}

type Converter struct {
	imp    Importer
	opts   Options
	logger observability.Logger
}

func New(imp Importer, opts Options, logger observability.Logger) *Converter {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if opts.JPEGQuality > 100 {
		opts.JPEGQuality = 100
	}
	return &Converter{imp: imp, opts: opts, logger: logger}
}

// Convert decodes every image, normalises it and returns a PDF with the
// images as pages in the given order.
func (c *Converter) Convert(ctx context.Context, images []Image) ([]byte, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	pages := make([][]byte, len(images))
	for i, img := range images {
		enc, err := c.normalise(img)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", img.Name, err)
		}
		pages[i] = enc
	}
	out, err := c.imp.ImportImages(ctx, pages)
	if err != nil {
		return nil, err
	}
	c.logger.Info("images converted", observability.Int("pages", len(pages)), observability.Int("bytes", len(out)))
	return out, nil
}

func (c *Converter) normalise(in Image) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	img = fit(img, c.opts.MaxEdge)

	var buf bytes.Buffer
	if c.opts.JPEGQuality > 0 {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.opts.JPEGQuality})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// fit scales img down so its longest edge is at most maxEdge.
func fit(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}
	tw, th := maxEdge, maxEdge
	if w >= h {
		th = h * maxEdge / w
	} else {
		tw = w * maxEdge / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// Supported reports whether name has an image extension Convert can decode.
func Supported(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	switch strings.ToLower(name[i+1:]) {
	case "png", "jpg", "jpeg", "gif", "bmp", "tif", "tiff", "webp":
		return true
	}
	return false
}
