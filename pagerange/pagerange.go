// Package pagerange holds the 1-based inclusive page range used by split and
// the rules for editing it against a document's page count.
package pagerange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNoPages     = errors.New("document has no known pages")
	ErrOutOfBounds = errors.New("page number out of range")
	ErrSyntax      = errors.New("invalid page range")
)

// Range is a 1-based, inclusive page interval. The zero value means unset.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Full returns 1..total.
func Full(total int) Range {
	if total < 1 {
		return Range{}
	}
	return Range{Start: 1, End: total}
}

func (r Range) IsZero() bool { return r.Start == 0 && r.End == 0 }

// Len is the number of pages covered, 0 for an unset range.
func (r Range) Len() int {
	if r.IsZero() || r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Check reports whether 1 <= Start <= End <= total.
func (r Range) Check(total int) error {
	if total < 1 {
		return ErrNoPages
	}
	if r.Start < 1 || r.End > total || r.Start > r.End {
		return fmt.Errorf("%w: want pages between 1 and %d, got %d-%d", ErrOutOfBounds, total, r.Start, r.End)
	}
	return nil
}

// Selector renders r in the "start-end" form understood by pdfcpu page selections.
func (r Range) Selector() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// Filename is the download name of a split result.
func (r Range) Filename() string {
	return fmt.Sprintf("split-pages-%d-to-%d.pdf", r.Start, r.End)
}

// Validate commits an edit of previous into candidate for a document of total
// pages. Values outside [1, total] are rejected and previous is returned with
// the error. An ordered range is always returned on success: when start moved
// past end, end follows it; when end moved below start, start follows it.
func Validate(candidate, previous Range, total int) (Range, error) {
	if total < 1 {
		return previous, ErrNoPages
	}
	if candidate.Start < 1 || candidate.Start > total {
		return previous, fmt.Errorf("%w: start page %d not in 1-%d", ErrOutOfBounds, candidate.Start, total)
	}
	if candidate.End < 1 || candidate.End > total {
		return previous, fmt.Errorf("%w: end page %d not in 1-%d", ErrOutOfBounds, candidate.End, total)
	}
	if candidate.Start <= candidate.End {
		return candidate, nil
	}
	if candidate.End != previous.End && candidate.Start == previous.Start {
		candidate.Start = candidate.End
	} else {
		candidate.End = candidate.Start
	}
	return candidate, nil
}

// WithStart is Validate for an edit of the start field only.
func WithStart(previous Range, start, total int) (Range, error) {
	return Validate(Range{Start: start, End: previous.End}, previous, total)
}

// WithEnd is Validate for an edit of the end field only.
func WithEnd(previous Range, end, total int) (Range, error) {
	return Validate(Range{Start: previous.Start, End: end}, previous, total)
}

// Parse reads "N" or "N-M". An open end ("N-") extends to total.
func Parse(s string, total int) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("%w: empty", ErrSyntax)
	}
	startStr, endStr, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	end := start
	if isRange {
		endStr = strings.TrimSpace(endStr)
		if endStr == "" {
			end = total
		} else if end, err = strconv.Atoi(endStr); err != nil {
			return Range{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
	}
	r := Range{Start: start, End: end}
	if err := r.Check(total); err != nil {
		return Range{}, err
	}
	return r, nil
}
