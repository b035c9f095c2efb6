// Package trace records the QBER history of a stabilization run and the
// points of a QBER map.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// A Record is one cycle of the measurement loop.
type Record struct {
	Iteration int
	Time      time.Time
	QBER      float64
	Positions []float64 // degrees, in stage order, after the cycle
	Fault     string    // empty when the cycle completed cleanly
}

// A Recorder persists records. Implementations are safe for use by one
// writer at a time.
type Recorder interface {
	Record(r Record) error
	Close() error
}

// Discard is a Recorder that drops every record.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Record) error { return nil }
func (discard) Close() error        { return nil }

// TextRecorder writes one tab separated line per record:
// iteration, RFC 3339 time, qber, then one column per stage position.
type TextRecorder struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewTextRecorder writes to w. If w is an io.Closer it is closed by Close.
func NewTextRecorder(w io.Writer) *TextRecorder {
	t := &TextRecorder{w: bufio.NewWriter(w)}
	t.c, _ = w.(io.Closer)
	return t
}

func (t *TextRecorder) Record(r Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(r.Iteration))
	sb.WriteByte('\t')
	sb.WriteString(r.Time.UTC().Format(time.RFC3339Nano))
	sb.WriteByte('\t')
	sb.WriteString(strconv.FormatFloat(r.QBER, 'g', -1, 64))
	for _, p := range r.Positions {
		sb.WriteByte('\t')
		sb.WriteString(strconv.FormatFloat(p, 'f', 4, 64))
	}
	sb.WriteByte('\n')
	if _, err := t.w.WriteString(sb.String()); err != nil {
		return fmt.Errorf("writing record %d: %w", r.Iteration, err)
	}
	return t.w.Flush()
}

func (t *TextRecorder) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.w.Flush()
	if t.c != nil {
		if cerr := t.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Multi fans records out to every recorder. The first error is returned
// after all recorders have been called.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

type multi []Recorder

func (m multi) Record(r Record) error {
	var first error
	for _, rec := range m {
		if err := rec.Record(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) Close() error {
	var first error
	for _, rec := range m {
		if err := rec.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
