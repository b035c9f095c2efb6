package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// MapWriter writes QBER map points as tab separated rows under a header,
// with the raw counts when the source provides them.
type MapWriter struct {
	w      *bufio.Writer
	c      io.Closer
	header bool
}

func NewMapWriter(w io.Writer) *MapWriter {
	m := &MapWriter{w: bufio.NewWriter(w)}
	m.c, _ = w.(io.Closer)
	return m
}

// A MapPoint is one measured grid point. H and V are the detector counts,
// written only when HasCounts is set.
type MapPoint struct {
	AngleA, AngleB float64
	H, V           float64
	HasCounts      bool
	QBER           float64
}

// Point writes one row. The header is written before the first row.
func (m *MapWriter) Point(p MapPoint) error {
	if !m.header {
		if _, err := m.w.WriteString("angle_a\tangle_b\tcts_h\tcts_v\tqber\n"); err != nil {
			return err
		}
		m.header = true
	}
	h, v := "-", "-"
	if p.HasCounts {
		h = strconv.FormatFloat(p.H, 'g', -1, 64)
		v = strconv.FormatFloat(p.V, 'g', -1, 64)
	}
	if _, err := fmt.Fprintf(m.w, "%g\t%g\t%s\t%s\t%g\n", p.AngleA, p.AngleB, h, v, p.QBER); err != nil {
		return err
	}
	return m.w.Flush()
}
func (m *MapWriter) Close() error {
	err := m.w.Flush()
	if m.c != nil {
		if cerr := m.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
