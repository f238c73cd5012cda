// Package staging keeps the ordered list of uploaded PDFs awaiting a merge or
// split. A List is not safe for concurrent use; the owning workspace guards it.
package staging

import (
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"golang.org/x/crypto/blake2b"

	"github.com/wudi/pdfdesk/engine"
)

const ContentTypePDF = "application/pdf"

type Mode string

const (
	ModeMerge Mode = "merge"
	ModeSplit Mode = "split"
)

func (m Mode) Valid() bool { return m == ModeMerge || m == ModeSplit }

var (
	ErrNotPDF    = errors.New("please upload PDF files only")
	ErrMalformed = errors.New("file is not a PDF document")
	ErrCapacity  = errors.New("split mode accepts a single PDF file")
	ErrIndex     = errors.New("file index out of range")
	ErrReorder   = errors.New("files can only be reordered in merge mode")
)

// Upload is a user-selected file as received from the client.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// File is a staged PDF. Its content is a private copy taken at upload.
type File struct {
	Name        string
	ContentType string
	Fingerprint string
	content     []byte
}

// Bytes returns the staged content. Callers must not modify it.
func (f *File) Bytes() []byte { return f.content }

func (f *File) Size() int { return len(f.content) }

// Fingerprint is the hex BLAKE2b-256 digest of data.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsPDFType reports whether the declared content type is PDF. An empty
// declaration is sniffed from data.
func IsPDFType(declared string, data []byte) bool {
	if declared == "" {
		declared = http.DetectContentType(data)
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return false
	}
	return mt == ContentTypePDF
}

// AddResult lists what Add accepted and which uploads it filtered out.
type AddResult struct {
	Added   []*File
	Skipped []string
}

type List struct {
	mode  Mode
	files []*File
}

func New(mode Mode) *List {
	if !mode.Valid() {
		mode = ModeMerge
	}
	return &List{mode: mode}
}

func (l *List) Mode() Mode { return l.mode }
func (l *List) Len() int   { return len(l.files) }

// Files returns the staged files in order.
func (l *List) Files() []*File {
	out := make([]*File, len(l.files))
	copy(out, l.files)
	return out
}

// Contents returns each file's bytes in staging order.
func (l *List) Contents() [][]byte {
	out := make([][]byte, len(l.files))
	for i, f := range l.files {
		out[i] = f.content
	}
	return out
}

// Add appends the PDF uploads in selection order. Uploads whose type is not
// PDF are skipped. The list is left untouched when nothing survives, when a
// survivor lacks a PDF header or when split capacity would be exceeded.
func (l *List) Add(uploads []Upload) (AddResult, error) {
	var res AddResult
	var accepted []*File
	for _, u := range uploads {
		if !IsPDFType(u.ContentType, u.Data) {
			res.Skipped = append(res.Skipped, u.Name)
			continue
		}
		if !engine.LooksLikePDF(u.Data) {
			return AddResult{}, fmt.Errorf("%w: %s", ErrMalformed, u.Name)
		}
		content := make([]byte, len(u.Data))
		copy(content, u.Data)
		accepted = append(accepted, &File{
			Name:        u.Name,
			ContentType: ContentTypePDF,
			Fingerprint: Fingerprint(content),
			content:     content,
		})
	}
	if len(accepted) == 0 {
		return AddResult{Skipped: res.Skipped}, ErrNotPDF
	}
	if l.mode == ModeSplit && len(l.files)+len(accepted) > 1 {
		return AddResult{}, ErrCapacity
	}
	l.files = append(l.files, accepted...)
	res.Added = accepted
	return res, nil
}

// Remove deletes the entry at index.
func (l *List) Remove(index int) (*File, error) {
	if index < 0 || index >= len(l.files) {
		return nil, fmt.Errorf("%w: %d", ErrIndex, index)
	}
	f := l.files[index]
	l.files = append(l.files[:index], l.files[index+1:]...)
	return f, nil
}

// Move relocates the entry at from to position to, shifting the others.
func (l *List) Move(from, to int) error {
	if l.mode != ModeMerge {
		return ErrReorder
	}
	if from < 0 || from >= len(l.files) {
		return fmt.Errorf("%w: %d", ErrIndex, from)
	}
	if to < 0 || to >= len(l.files) {
		return fmt.Errorf("%w: %d", ErrIndex, to)
	}
	if from == to {
		return nil
	}
	f := l.files[from]
	l.files = append(l.files[:from], l.files[from+1:]...)
	l.files = append(l.files[:to], append([]*File{f}, l.files[to:]...)...)
	return nil
}

// Duplicates returns the indices of staged files sharing a fingerprint with
// an earlier entry.
func (l *List) Duplicates() []int {
	seen := make(map[string]bool, len(l.files))
	var dup []int
	for i, f := range l.files {
		if seen[f.Fingerprint] {
			dup = append(dup, i)
		}
		seen[f.Fingerprint] = true
	}
	return dup
}
