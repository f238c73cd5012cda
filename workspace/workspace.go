// Package workspace implements one user's merge/split session: staged files,
// the split page range and the published results of each mode.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/pdfdesk/observability"
	"github.com/wudi/pdfdesk/pagerange"
	"github.com/wudi/pdfdesk/publish"
	"github.com/wudi/pdfdesk/staging"
)

// MergedFilename is the download name of every merge result.
const MergedFilename = "merged.pdf"

// Processor is the PDF engine used by a workspace.
type Processor interface {
	PageCount(ctx context.Context, data []byte) (int, error)
	Merge(ctx context.Context, docs [][]byte) ([]byte, error)
	Extract(ctx context.Context, data []byte, r pagerange.Range) ([]byte, error)
}

type Option func(*Workspace)

func WithNotifier(n Notifier) Option {
	return func(w *Workspace) {
		if n != nil {
			w.notifier = n
		}
	}
}

func WithLogger(l observability.Logger) Option {
	return func(w *Workspace) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithTracer(t observability.Tracer) Option {
	return func(w *Workspace) {
		if t != nil {
			w.tracer = t
		}
	}
}

func WithMode(m staging.Mode) Option {
	return func(w *Workspace) {
		if m.Valid() {
			w.mode = m
		}
	}
}

type Workspace struct {
	id       string
	proc     Processor
	notifier Notifier
	logger   observability.Logger
	tracer   observability.Tracer

	mu       sync.Mutex
	mode     staging.Mode
	files    *staging.List
	total    int
	rng      pagerange.Range
	inflight staging.Mode
	results  *publish.Registry
	touched  time.Time
	closed   bool
}

func New(proc Processor, opts ...Option) *Workspace {
	w := &Workspace{
		id:      uuid.NewString(),
		proc:    proc,
		logger:  observability.NopLogger{},
		tracer:  observability.NopTracer(),
		mode:    staging.ModeMerge,
		touched: time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{Logger: w.logger}
	}
	w.logger = w.logger.With(observability.String("workspace", w.id))
	w.files = staging.New(w.mode)
	w.results = publish.NewRegistry(publish.WithRevokeHook(func(h publish.Handle) {
		w.logger.Debug("result revoked", observability.String("handle", h.ID), observability.String("filename", h.Filename))
	}))
	return w
}

func (w *Workspace) ID() string { return w.id }

// FileInfo describes a staged file without its content.
type FileInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Size        int    `json:"size"`
	Fingerprint string `json:"fingerprint"`
}

// State is a point-in-time view of the workspace.
type State struct {
	ID         string                          `json:"id"`
	Mode       staging.Mode                    `json:"mode"`
	Files      []FileInfo                      `json:"files"`
	TotalPages int                             `json:"total_pages"`
	Range      pagerange.Range                 `json:"range"`
	Busy       bool                            `json:"busy"`
	Results    map[staging.Mode]publish.Handle `json:"results"`
}

// State returns a snapshot and counts as activity.
func (w *Workspace) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touched = time.Now()
	st := State{
		ID:         w.id,
		Mode:       w.mode,
		Files:      []FileInfo{},
		TotalPages: w.total,
		Range:      w.rng,
		Busy:       w.inflight != "",
		Results:    make(map[staging.Mode]publish.Handle),
	}
	for i, f := range w.files.Files() {
		st.Files = append(st.Files, FileInfo{Index: i, Name: f.Name, Size: f.Size(), Fingerprint: f.Fingerprint})
	}
	for _, m := range []staging.Mode{staging.ModeMerge, staging.ModeSplit} {
		if h, ok := w.results.Current(string(m)); ok {
			st.Results[m] = h
		}
	}
	return st
}

// LastActivity is the time of the last call that touched the workspace.
func (w *Workspace) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.touched
}

// lock acquires the mutex for a mutating call and fails while an operation
// is running or after Close.
func (w *Workspace) lock() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.inflight != "" {
		w.mu.Unlock()
		return ErrBusy
	}
	w.touched = time.Now()
	return nil
}

// SetMode switches between merge and split. Switching clears staged files,
// the page range and all results.
func (w *Workspace) SetMode(ctx context.Context, m staging.Mode) error {
	if !m.Valid() {
		return inputErr("mode", fmt.Errorf("%w %q", ErrUnknownMode, m))
	}
	if err := w.lock(); err != nil {
		return err
	}
	defer w.mu.Unlock()
	if m == w.mode {
		return nil
	}
	w.logger.Info("mode switched", observability.String("from", string(w.mode)), observability.String("to", string(m)))
	w.mode = m
	w.clearLocked()
	return nil
}

func (w *Workspace) Mode() staging.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// AddFiles stages the PDF uploads. Any published result of the current mode
// is revoked. In split mode the page count of the new file is read
// immediately and the range reset to cover every page. If the engine cannot
// take the page count call, the upload is undone and may be retried.
func (w *Workspace) AddFiles(ctx context.Context, uploads []staging.Upload) (staging.AddResult, error) {
	if err := w.lock(); err != nil {
		return staging.AddResult{}, err
	}
	defer w.mu.Unlock()

	res, err := w.files.Add(uploads)
	if err != nil {
		return res, inputErr("add", err)
	}
	if w.mode == staging.ModeSplit && len(res.Added) > 0 {
		if err := w.refreshPagesLocked(ctx); errors.Is(err, ErrUnavailable) {
			for range res.Added {
				w.files.Remove(w.files.Len() - 1)
			}
			res.Added = nil
			return res, err
		} else if err != nil {
			w.results.Revoke(string(w.mode))
			return res, err
		}
	}
	w.results.Revoke(string(w.mode))
	for _, f := range res.Added {
		w.logger.Info("file staged",
			observability.String("name", f.Name),
			observability.Int("size", f.Size()),
			observability.String("fingerprint", f.Fingerprint))
	}
	if dup := w.files.Duplicates(); len(dup) > 0 {
		w.logger.Debug("duplicate content staged", observability.Int("count", len(dup)))
	}
	return res, nil
}

func (w *Workspace) refreshPagesLocked(ctx context.Context) error {
	w.total, w.rng = 0, pagerange.Range{}
	if w.files.Len() != 1 {
		return nil
	}
	n, err := w.proc.PageCount(ctx, w.files.Files()[0].Bytes())
	if err != nil {
		err = EngineError("pages", err)
		if errors.Is(err, ErrUnavailable) {
			w.notifier.Notify(ctx, busyNotice)
		} else {
			w.notifier.Notify(ctx, Notice{Level: LevelError, Title: "Error", Message: "Error reading PDF file"})
		}
		return err
	}
	w.total, w.rng = n, pagerange.Full(n)
	return nil
}

// RemoveFile drops the staged file at index and revokes the current mode's
// result.
func (w *Workspace) RemoveFile(ctx context.Context, index int) error {
	if err := w.lock(); err != nil {
		return err
	}
	defer w.mu.Unlock()
	f, err := w.files.Remove(index)
	if err != nil {
		return inputErr("remove", err)
	}
	w.results.Revoke(string(w.mode))
	w.logger.Info("file removed", observability.String("name", f.Name))
	if w.mode == staging.ModeSplit {
		w.total, w.rng = 0, pagerange.Range{}
	}
	return nil
}

// MoveFile reorders the merge list. The merge result no longer reflects the
// staged order and is revoked.
func (w *Workspace) MoveFile(ctx context.Context, from, to int) error {
	if err := w.lock(); err != nil {
		return err
	}
	defer w.mu.Unlock()
	if err := w.files.Move(from, to); err != nil {
		return inputErr("move", err)
	}
	if from != to {
		w.results.Revoke(string(staging.ModeMerge))
	}
	return nil
}

// File returns the staged file at index.
func (w *Workspace) File(index int) (*staging.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	files := w.files.Files()
	if index < 0 || index >= len(files) {
		return nil, inputErr("file", staging.ErrIndex)
	}
	return files[index], nil
}

// TotalPages is the page count of the file staged in split mode, 0 if unknown.
func (w *Workspace) TotalPages() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

func (w *Workspace) Range() pagerange.Range {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng
}

// SetStart edits the first page of the split range.
func (w *Workspace) SetStart(start int) (pagerange.Range, error) {
	return w.editRange(func(prev pagerange.Range, total int) (pagerange.Range, error) {
		return pagerange.WithStart(prev, start, total)
	})
}

// SetEnd edits the last page of the split range.
func (w *Workspace) SetEnd(end int) (pagerange.Range, error) {
	return w.editRange(func(prev pagerange.Range, total int) (pagerange.Range, error) {
		return pagerange.WithEnd(prev, end, total)
	})
}

// SetRange edits both ends at once.
func (w *Workspace) SetRange(r pagerange.Range) (pagerange.Range, error) {
	return w.editRange(func(prev pagerange.Range, total int) (pagerange.Range, error) {
		return pagerange.Validate(r, prev, total)
	})
}

func (w *Workspace) editRange(edit func(prev pagerange.Range, total int) (pagerange.Range, error)) (pagerange.Range, error) {
	if err := w.lock(); err != nil {
		return pagerange.Range{}, err
	}
	defer w.mu.Unlock()
	if w.mode != staging.ModeSplit {
		return w.rng, inputErr("range", ErrWrongMode)
	}
	next, err := edit(w.rng, w.total)
	if err != nil {
		return w.rng, inputErr("range", err)
	}
	w.rng = next
	return next, nil
}

// begin checks that no operation runs, marks mode as running and returns the
// inputs to process.
func (w *Workspace) begin(mode staging.Mode, check func() error) ([][]byte, pagerange.Range, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, pagerange.Range{}, ErrClosed
	}
	if w.inflight != "" {
		return nil, pagerange.Range{}, ErrBusy
	}
	if w.mode != mode {
		return nil, pagerange.Range{}, inputErr(string(mode), ErrWrongMode)
	}
	if err := check(); err != nil {
		return nil, pagerange.Range{}, inputErr(string(mode), err)
	}
	w.inflight = mode
	w.touched = time.Now()
	return w.files.Contents(), w.rng, nil
}

// finish clears the running flag and, on success, publishes out. The old
// handle of the mode is revoked inside the same critical section. A result
// finished after Close is dropped with ErrClosed.
func (w *Workspace) finish(ctx context.Context, mode staging.Mode, filename string, out []byte) (publish.Handle, error) {
	_, span := w.tracer.StartSpan(ctx, observability.SpanPublish)
	defer span.Finish()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight = ""
	if w.closed {
		span.SetError(ErrClosed)
		return publish.Handle{}, ErrClosed
	}
	if out == nil {
		return publish.Handle{}, nil
	}
	h := w.results.Publish(string(mode), filename, out)
	span.SetTag("handle", h.ID)
	span.SetTag("bytes", h.Size)
	return h, nil
}

// fail reports a failed engine call of op and returns it with its kind.
func (w *Workspace) fail(ctx context.Context, op string, err error, message string) error {
	err = EngineError(op, err)
	if errors.Is(err, ErrUnavailable) {
		w.notifier.Notify(ctx, busyNotice)
		return err
	}
	w.notifier.Notify(ctx, Notice{Level: LevelError, Title: "Error", Message: message})
	return err
}

// Merge concatenates the staged files in order and publishes the result.
func (w *Workspace) Merge(ctx context.Context) (publish.Handle, error) {
	docs, _, err := w.begin(staging.ModeMerge, func() error {
		if w.files.Len() < 2 {
			return ErrTooFewFiles
		}
		return nil
	})
	if err != nil {
		return publish.Handle{}, err
	}

	start := time.Now()
	out, err := w.proc.Merge(ctx, docs)
	if err != nil {
		w.finish(ctx, staging.ModeMerge, "", nil)
		w.logger.Error("merge failed", observability.Int("files", len(docs)), observability.Error("error", err))
		return publish.Handle{}, w.fail(ctx, "merge", err, "Failed to merge PDFs. Please try again.")
	}
	h, err := w.finish(ctx, staging.ModeMerge, MergedFilename, out)
	if err != nil {
		w.logger.Warn("merge result dropped", observability.Error("error", err))
		return publish.Handle{}, err
	}
	w.logger.Info("merged",
		observability.Int("files", len(docs)),
		observability.Int("bytes", h.Size),
		observability.Duration("duration_ms", time.Since(start)))
	w.notifier.Notify(ctx, Notice{Level: LevelSuccess, Title: "Success", Message: "PDFs merged successfully!"})
	return h, nil
}

// Split copies the committed page range of the staged file into a new
// document and publishes it.
func (w *Workspace) Split(ctx context.Context) (publish.Handle, error) {
	docs, rng, err := w.begin(staging.ModeSplit, func() error {
		if w.files.Len() != 1 {
			return ErrNeedOneFile
		}
		if w.total < 1 {
			return ErrPagesUnknown
		}
		return w.rng.Check(w.total)
	})
	if err != nil {
		return publish.Handle{}, err
	}

	start := time.Now()
	out, err := w.proc.Extract(ctx, docs[0], rng)
	if err != nil {
		w.finish(ctx, staging.ModeSplit, "", nil)
		w.logger.Error("split failed", observability.String("range", rng.String()), observability.Error("error", err))
		return publish.Handle{}, w.fail(ctx, "split", err, "Failed to split PDF. Please try again.")
	}
	h, err := w.finish(ctx, staging.ModeSplit, rng.Filename(), out)
	if err != nil {
		w.logger.Warn("split result dropped", observability.Error("error", err))
		return publish.Handle{}, err
	}
	w.logger.Info("split",
		observability.String("range", rng.String()),
		observability.Int("pages", rng.Len()),
		observability.Int("bytes", h.Size),
		observability.Duration("duration_ms", time.Since(start)))
	w.notifier.Notify(ctx, Notice{
		Level:   LevelSuccess,
		Title:   "Success",
		Message: fmt.Sprintf("PDF pages %d to %d extracted successfully!", rng.Start, rng.End),
	})
	return h, nil
}

// Result returns the live handle of mode.
func (w *Workspace) Result(mode staging.Mode) (publish.Handle, bool) {
	return w.results.Current(string(mode))
}

// Download opens a published result. Downloads never revoke the handle and
// count as activity.
func (w *Workspace) Download(id string) (publish.Handle, io.ReadSeeker, error) {
	w.mu.Lock()
	w.touched = time.Now()
	w.mu.Unlock()
	return w.results.Open(id)
}

// Stats reports handle counts of the workspace.
func (w *Workspace) Stats() publish.Stats { return w.results.Stats() }

// Reset revokes every result and clears staged files and range state.
func (w *Workspace) Reset(ctx context.Context) error {
	if err := w.lock(); err != nil {
		return err
	}
	defer w.mu.Unlock()
	w.clearLocked()
	w.logger.Info("reset")
	return nil
}

// Close releases all handles. An operation still running when Close is
// called completes without publishing and returns ErrClosed.
func (w *Workspace) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.clearLocked()
}

func (w *Workspace) clearLocked() {
	w.results.RevokeAll()
	w.files = staging.New(w.mode)
	w.total, w.rng = 0, pagerange.Range{}
}
