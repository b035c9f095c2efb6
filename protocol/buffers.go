package protocol

import "bytes"

// FifoBuffer is a circular byte buffer that collects serial input until a
// complete line is available.
type FifoBuffer struct {
	buf   []byte
	read  int
	write int
	size  int
}

// NewFifoBuffer creates a new FifoBuffer with the specified capacity
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{
		buf:  make([]byte, capacity),
		size: capacity,
	}
}

// Write appends data and returns how many bytes fit.
func (f *FifoBuffer) Write(data []byte) int {
	written := 0
	for _, b := range data {
		next := (f.write + 1) % f.size
		if next == f.read {
			break
		}
		f.buf[f.write] = b
		f.write = next
		written++
	}
	return written
}

// Available returns the number of buffered bytes.
func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return f.size - f.read + f.write
}

// Free returns the number of bytes that can still be written.
func (f *FifoBuffer) Free() int {
	return f.size - f.Available() - 1
}

// Data returns the buffered bytes as one contiguous slice, copying when the
// content wraps around the end of the ring.
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}
	out := make([]byte, f.Available())
	n := copy(out, f.buf[f.read:])
	copy(out[n:], f.buf[:f.write])
	return out
}

// Pop removes n bytes from the front.
func (f *FifoBuffer) Pop(n int) {
	if n >= f.Available() {
		f.Reset()
		return
	}
	f.read = (f.read + n) % f.size
}

// Line removes and returns the next '\n' terminated line with surrounding
// whitespace (including the CR) trimmed. ok is false if no full line is buffered.
func (f *FifoBuffer) Line() (line string, ok bool) {
	data := f.Data()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", false
	}
	line = string(bytes.TrimSpace(data[:i]))
	f.Pop(i + 1)
	return line, true
}

// IsEmpty returns true if the buffer is empty
func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}

// Reset clears the buffer
func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
}
