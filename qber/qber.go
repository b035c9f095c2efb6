// Package qber provides sources of quantum bit error rate measurements for
// the stabilization loop.
package qber

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// ErrMalformedCounts is returned by LineSource when a line does not hold two
// non-negative counts.
var ErrMalformedCounts = errors.New("qber: malformed counts line")

// A Source measures the current QBER. Measure blocks for the integration
// time of the underlying detector.
type Source interface {
	Measure(ctx context.Context) (float64, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (float64, error)

func (f SourceFunc) Measure(ctx context.Context) (float64, error) { return f(ctx) }

// Counts are the detector counts of one integration window: H on the
// detector that clicks for errors, V on the other one.
type Counts struct {
	H, V float64
}

// QBER returns FromCounts(c.H, c.V).
func (c Counts) QBER() float64 { return FromCounts(c.H, c.V) }

// A CountSource also exposes the raw counts behind each measurement.
type CountSource interface {
	Source
	MeasureCounts(ctx context.Context) (Counts, error)
}

// FromCounts returns the fraction of counts on the error detector, h/(h+v).
// A window without counts reads as 0.
func FromCounts(h, v float64) float64 {
	if h+v <= 0 {
		return 0
	}
	return h / (h + v)
}

// LineSource reads one "<h> <v>" counts line per measurement, as written by a
// counter bridge on stdin or a socket. Blank lines are skipped.
type LineSource struct {
	mu sync.Mutex
	sc *bufio.Scanner
}

func NewLineSource(r io.Reader) *LineSource {
	return &LineSource{sc: bufio.NewScanner(r)}
}

// Measure implements Source.
func (l *LineSource) Measure(ctx context.Context) (float64, error) {
	c, err := l.MeasureCounts(ctx)
	if err != nil {
		return 0, err
	}
	return c.QBER(), nil
}

// MeasureCounts implements CountSource. The read itself is not
// interruptible; the context is checked before it starts.
func (l *LineSource) MeasureCounts(ctx context.Context) (Counts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return Counts{}, err
		}
		if !l.sc.Scan() {
			if err := l.sc.Err(); err != nil {
				return Counts{}, fmt.Errorf("reading counts: %w", err)
			}
			return Counts{}, io.EOF
		}
		line := strings.TrimSpace(l.sc.Text())
		if line == "" {
			continue
		}
		h, v, err := parseCounts(line)
		if err != nil {
			return Counts{}, err
		}
		return Counts{H: h, V: v}, nil
	}
}

func parseCounts(line string) (h, v float64, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCounts, line)
	}
	if h, err = strconv.ParseFloat(fields[0], 64); err != nil || h < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCounts, line)
	}
	if v, err = strconv.ParseFloat(fields[1], 64); err != nil || v < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCounts, line)
	}
	return h, v, nil
}
