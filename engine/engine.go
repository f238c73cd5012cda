// Package engine wraps pdfcpu with the in-memory operations pdfdesk needs:
// page counting, merging, page range extraction, optimisation and image
// import. Every call works on byte slices and produces a fresh output buffer.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/ferrors"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/wudi/pdfdesk/observability"
	"github.com/wudi/pdfdesk/pagerange"
)

var (
	// ErrCorrupt marks input that pdfcpu could not read as a PDF.
	ErrCorrupt = errors.New("corrupt pdf")
	ErrNoInput = errors.New("no input documents")
	// ErrOverloaded is returned when the engine queue is full. The input
	// was not looked at.
	ErrOverloaded = errors.New("pdf engine overloaded")
)

var disableConfigDir sync.Once

// DocumentError reports which input document failed.
type DocumentError struct {
	Index int
	Err   error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %d: %v", e.Index+1, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

func (e *DocumentError) Is(target error) bool { return target == ErrCorrupt }

// Size is a page's media box size in points.
type Size struct {
	Width  float64
	Height float64
}

type Config struct {
	// MaxConcurrent bounds simultaneous pdfcpu calls across all callers.
	MaxConcurrent int
	// MaxQueue is how many calls may wait for a free slot. Waiting calls
	// give up only when their context ends.
	MaxQueue int
	// Relaxed tolerates common PDF syntax violations when reading inputs.
	Relaxed bool
}

func DefaultConfig() Config {
	return Config{MaxConcurrent: 4, MaxQueue: 256, Relaxed: true}
}

type Option func(*Engine)

func WithLogger(l observability.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithTracer(t observability.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

type Engine struct {
	cfg      Config
	bulkhead bulkhead.Bulkhead[any]
	logger   observability.Logger
	tracer   observability.Tracer
}

func New(cfg Config, opts ...Option) *Engine {
	disableConfigDir.Do(api.DisableConfigDir)
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultConfig().MaxQueue
	}
	e := &Engine{
		cfg: cfg,
		bulkhead: bulkhead.New[any](bulkhead.Config{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxQueue:      cfg.MaxQueue,
		}),
		logger: observability.NopLogger{},
		tracer: observability.NopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// conf returns a fresh configuration; pdfcpu mutates it per command.
func (e *Engine) conf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	if e.cfg.Relaxed {
		conf.ValidationMode = model.ValidationRelaxed
	} else {
		conf.ValidationMode = model.ValidationStrict
	}
	return conf
}

// run executes fn inside the bulkhead and a span named op. Calls beyond
// MaxConcurrent wait in the queue until a slot frees or ctx ends.
func run[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	ctx, span := e.tracer.StartSpan(ctx, op)
	defer span.Finish()
	start := time.Now()
	v, err := e.bulkhead.Execute(ctx, func(ctx context.Context) (any, error) {
		// A queued call may be picked up after its caller gave up.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	if errors.Is(err, ferrors.ErrBulkheadFull) {
		err = fmt.Errorf("%w: %w", ErrOverloaded, err)
	}
	span.SetError(err)
	e.logger.Debug("pdf operation",
		observability.String("op", op),
		observability.Duration("duration_ms", time.Since(start)),
		observability.Error("error", err))
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// LooksLikePDF reports whether data carries a PDF header near its start.
func LooksLikePDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("%PDF-"))
}

// PageCount opens data and returns its number of pages.
func (e *Engine) PageCount(ctx context.Context, data []byte) (int, error) {
	return run(ctx, e, observability.SpanPageCount, func() (int, error) {
		n, err := api.PageCount(bytes.NewReader(data), e.conf())
		if err != nil {
			return 0, &DocumentError{Err: err}
		}
		return n, nil
	})
}

// PageSizes returns the media box size of every page in order.
func (e *Engine) PageSizes(ctx context.Context, data []byte) ([]Size, error) {
	return run(ctx, e, observability.SpanPageCount, func() ([]Size, error) {
		dims, err := api.PageDims(bytes.NewReader(data), e.conf())
		if err != nil {
			return nil, &DocumentError{Err: err}
		}
		sizes := make([]Size, len(dims))
		for i, d := range dims {
			sizes[i] = Size{Width: d.Width, Height: d.Height}
		}
		return sizes, nil
	})
}

// Validate fully parses and validates data against the configured
// validation mode.
func (e *Engine) Validate(ctx context.Context, data []byte) error {
	_, err := run(ctx, e, observability.SpanValidate, func() (struct{}, error) {
		if err := api.Validate(bytes.NewReader(data), e.conf()); err != nil {
			return struct{}{}, &DocumentError{Err: err}
		}
		return struct{}{}, nil
	})
	return err
}

// Merge concatenates the pages of docs in order into a new document. On
// failure no output is returned and the error names the first unreadable
// input when it can be identified.
func (e *Engine) Merge(ctx context.Context, docs [][]byte) ([]byte, error) {
	if len(docs) == 0 {
		return nil, ErrNoInput
	}
	return run(ctx, e, observability.SpanMerge, func() ([]byte, error) {
		rs := make([]io.ReadSeeker, len(docs))
		for i, d := range docs {
			rs[i] = bytes.NewReader(d)
		}
		buf := &bytes.Buffer{}
		if err := api.MergeRaw(rs, buf, false, e.conf()); err != nil {
			return nil, e.blame(docs, err)
		}
		return buf.Bytes(), nil
	})
}

// blame finds the first document pdfcpu cannot open after a failed merge.
func (e *Engine) blame(docs [][]byte, cause error) error {
	for i, d := range docs {
		if _, err := api.PageCount(bytes.NewReader(d), e.conf()); err != nil {
			return &DocumentError{Index: i, Err: err}
		}
	}
	return fmt.Errorf("merge: %w", cause)
}

// Extract copies pages r.Start..r.End of data into a new document.
func (e *Engine) Extract(ctx context.Context, data []byte, r pagerange.Range) ([]byte, error) {
	return run(ctx, e, observability.SpanExtract, func() ([]byte, error) {
		n, err := api.PageCount(bytes.NewReader(data), e.conf())
		if err != nil {
			return nil, &DocumentError{Err: err}
		}
		if err := r.Check(n); err != nil {
			return nil, err
		}
		buf := &bytes.Buffer{}
		if err := api.Trim(bytes.NewReader(data), buf, []string{r.Selector()}, e.conf()); err != nil {
			return nil, &DocumentError{Err: err}
		}
		return buf.Bytes(), nil
	})
}

// Optimize rewrites data with object and xref streams and shared resources
// deduplicated.
func (e *Engine) Optimize(ctx context.Context, data []byte) ([]byte, error) {
	return run(ctx, e, observability.SpanOptimize, func() ([]byte, error) {
		conf := e.conf()
		conf.WriteObjectStream = true
		conf.WriteXRefStream = true
		buf := &bytes.Buffer{}
		if err := api.Optimize(bytes.NewReader(data), buf, conf); err != nil {
			return nil, &DocumentError{Err: err}
		}
		return buf.Bytes(), nil
	})
}

// ImportImages creates a document with one page per encoded image, each page
// sized to its image.
func (e *Engine) ImportImages(ctx context.Context, images [][]byte) ([]byte, error) {
	if len(images) == 0 {
		return nil, ErrNoInput
	}
	return run(ctx, e, observability.SpanConvert, func() ([]byte, error) {
		rs := make([]io.Reader, len(images))
		for i, img := range images {
			rs[i] = bytes.NewReader(img)
		}
		buf := &bytes.Buffer{}
		if err := api.ImportImages(nil, buf, rs, pdfcpu.DefaultImportConfig(), e.conf()); err != nil {
			return nil, fmt.Errorf("import images: %w", err)
		}
		return buf.Bytes(), nil
	})
}
