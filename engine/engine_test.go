package engine_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/wudi/pdfdesk/engine"
	"github.com/wudi/pdfdesk/engine/enginetest"
	"github.com/wudi/pdfdesk/pagerange"
)

func newEngine() *engine.Engine {
	return engine.New(engine.DefaultConfig())
}

func concat(parts ...[]engine.Size) []engine.Size {
	var out []engine.Size
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestPageCount(t *testing.T) {
	e := newEngine()
	doc := enginetest.Pages(t, e, 100, 3)
	n, err := e.PageCount(context.Background(), doc)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pages, got %d", n)
	}
	sizes := enginetest.Sizes(t, e, doc)
	if sizes[0] == sizes[1] || sizes[1] == sizes[2] {
		t.Fatalf("fixture pages should have distinct sizes: %v", sizes)
	}
}

func TestMergeConcatenatesInOrder(t *testing.T) {
	e := newEngine()
	a := enginetest.Pages(t, e, 100, 3)
	b := enginetest.Pages(t, e, 300, 2)

	out, err := e.Merge(context.Background(), [][]byte{a, b})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := enginetest.Sizes(t, e, out)
	want := concat(enginetest.Sizes(t, e, a), enginetest.Sizes(t, e, b))
	if len(got) != 5 {
		t.Fatalf("expected 5 pages, got %d", len(got))
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("page order = %v, want %v", got, want)
	}

	swapped, err := e.Merge(context.Background(), [][]byte{b, a})
	if err != nil {
		t.Fatalf("Merge swapped: %v", err)
	}
	first := enginetest.Sizes(t, e, swapped)[0]
	if first != enginetest.Sizes(t, e, b)[0] {
		t.Fatalf("merge(b, a) should start with b's first page, got %v", first)
	}
}

func TestMergeCorruptInput(t *testing.T) {
	e := newEngine()
	a := enginetest.Pages(t, e, 100, 2)

	out, err := e.Merge(context.Background(), [][]byte{a, enginetest.Corrupt()})
	if !errors.Is(err, engine.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if out != nil {
		t.Fatalf("failed merge must not return output")
	}
	var docErr *engine.DocumentError
	if !errors.As(err, &docErr) || docErr.Index != 1 {
		t.Fatalf("expected document 2 to be blamed, got %v", err)
	}
}

func TestMergeNoInput(t *testing.T) {
	if _, err := newEngine().Merge(context.Background(), nil); !errors.Is(err, engine.ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestExtractRange(t *testing.T) {
	e := newEngine()
	doc := enginetest.Pages(t, e, 100, 10)
	src := enginetest.Sizes(t, e, doc)

	out, err := e.Extract(context.Background(), doc, pagerange.Range{Start: 3, End: 5})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got := enginetest.Sizes(t, e, out)
	if !reflect.DeepEqual(got, src[2:5]) {
		t.Fatalf("extracted pages = %v, want %v", got, src[2:5])
	}
}

func TestExtractEveryRange(t *testing.T) {
	e := newEngine()
	const total = 4
	doc := enginetest.Pages(t, e, 100, total)
	src := enginetest.Sizes(t, e, doc)
	for start := 1; start <= total; start++ {
		for end := start; end <= total; end++ {
			out, err := e.Extract(context.Background(), doc, pagerange.Range{Start: start, End: end})
			if err != nil {
				t.Fatalf("Extract %d-%d: %v", start, end, err)
			}
			got := enginetest.Sizes(t, e, out)
			if len(got) != end-start+1 || !reflect.DeepEqual(got, src[start-1:end]) {
				t.Fatalf("Extract %d-%d = %v, want %v", start, end, got, src[start-1:end])
			}
		}
	}
}

func TestExtractOutOfRange(t *testing.T) {
	e := newEngine()
	doc := enginetest.Pages(t, e, 100, 3)
	_, err := e.Extract(context.Background(), doc, pagerange.Range{Start: 2, End: 4})
	if !errors.Is(err, pagerange.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestExtractCorrupt(t *testing.T) {
	_, err := newEngine().Extract(context.Background(), enginetest.Corrupt(), pagerange.Range{Start: 1, End: 1})
	if !errors.Is(err, engine.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestOptimizeKeepsPages(t *testing.T) {
	e := newEngine()
	doc := enginetest.Pages(t, e, 100, 3)
	out, err := e.Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if !reflect.DeepEqual(enginetest.Sizes(t, e, out), enginetest.Sizes(t, e, doc)) {
		t.Fatalf("optimize changed pages")
	}
}

func TestValidate(t *testing.T) {
	e := newEngine()
	if err := e.Validate(context.Background(), enginetest.Pages(t, e, 100, 1)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := e.Validate(context.Background(), enginetest.Corrupt()); !errors.Is(err, engine.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newEngine().PageCount(ctx, enginetest.Corrupt()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentCallsWaitForSlot(t *testing.T) {
	e := engine.New(engine.Config{MaxConcurrent: 1, Relaxed: true})
	a := enginetest.Pages(t, e, 100, 2)
	b := enginetest.Pages(t, e, 300, 1)

	const callers = 8
	errs := make(chan error, 2*callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			out, err := e.Merge(context.Background(), [][]byte{a, b})
			if err == nil {
				var n int
				if n, err = e.PageCount(context.Background(), out); err == nil && n != 3 {
					err = errors.New("merged page count")
				}
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := e.PageCount(context.Background(), a)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("call at capacity should wait, got %v", err)
		}
	}
}

func TestLooksLikePDF(t *testing.T) {
	cases := map[string]bool{
		"%PDF-1.4\n...":     true,
		"\n\n%PDF-1.7":      true,
		"PK\x03\x04zipfile": false,
		"":                  false,
	}
	for in, want := range cases {
		if got := engine.LooksLikePDF([]byte(in)); got != want {
			t.Fatalf("LooksLikePDF(%q) = %v, want %v", in, got, want)
		}
	}
}
