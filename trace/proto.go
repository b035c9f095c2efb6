package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the record message.
const (
	fieldIteration protowire.Number = 1
	fieldTime      protowire.Number = 2 // unix nanoseconds
	fieldQBER      protowire.Number = 3
	fieldPositions protowire.Number = 4 // packed doubles
	fieldFault     protowire.Number = 5
)

// maxFrame bounds the length prefix accepted by ReadProto.
const maxFrame = 1 << 20

// ProtoRecorder writes records as protobuf messages, each framed by a
// little-endian int32 length.
type ProtoRecorder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewProtoRecorder(w io.Writer) *ProtoRecorder {
	return &ProtoRecorder{w: w}
}

func (p *ProtoRecorder) Record(r Record) error {
	msg := MarshalRecord(r)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := binary.Write(p.w, binary.LittleEndian, int32(len(msg))); err != nil {
		return err
	}
	_, err := p.w.Write(msg)
	return err
}

func (p *ProtoRecorder) Close() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MarshalRecord encodes r in protobuf wire format.
func MarshalRecord(r Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIteration, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Iteration))
	if !r.Time.IsZero() {
		b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Time.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldQBER, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(r.QBER))
	if len(r.Positions) > 0 {
		var packed []byte
		for _, p := range r.Positions {
			packed = protowire.AppendFixed64(packed, math.Float64bits(p))
		}
		b = protowire.AppendTag(b, fieldPositions, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if r.Fault != "" {
		b = protowire.AppendTag(b, fieldFault, protowire.BytesType)
		b = protowire.AppendString(b, r.Fault)
	}
	return b
}

// UnmarshalRecord decodes a message written by MarshalRecord. Unknown fields
// are skipped.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldIteration && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Iteration = int(v)
			b = b[n:]
		case num == fieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Time = time.Unix(0, protowire.DecodeZigZag(v))
			b = b[n:]
		case num == fieldQBER && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.QBER = math.Float64frombits(v)
			b = b[n:]
		case num == fieldPositions && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			if len(packed)%8 != 0 {
				return r, fmt.Errorf("trace: positions field of %d bytes", len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				r.Positions = append(r.Positions, math.Float64frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldFault && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Fault = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

// ReadProto reads every framed record from r until EOF.
func ReadProto(r io.Reader) ([]Record, error) {
	var out []Record
	for {
		var size int32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		if size < 0 || size > maxFrame {
			return out, fmt.Errorf("trace: invalid frame length %d", size)
		}
		msg := make([]byte, size)
		if _, err := io.ReadFull(r, msg); err != nil {
			return out, fmt.Errorf("trace: truncated frame: %w", err)
		}
		rec, err := UnmarshalRecord(msg)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
