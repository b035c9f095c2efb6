package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// DefaultTimeout is the reply window documented for the stages.
const DefaultTimeout = 2 * time.Second

var (
	// ErrLinkTimeout means no reply line arrived within the timeout.
	ErrLinkTimeout = errors.New("link timeout")
	// ErrLinkClosed is returned once the link or its port has gone away.
	ErrLinkClosed = errors.New("link closed")
)

// Flusher is implemented by ports that can drop pending driver buffers.
type Flusher interface {
	Flush() error
}

// LinkOptions configures a Link.
type LinkOptions struct {
	// Timeout for one reply line. Defaults to DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Link is one serial bus shared by every stage addressed on it. Replies carry
// no command identifier, so the Link allows a single command in flight.
type Link struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	logger  *slog.Logger

	input *FifoBuffer
	lines chan string

	cmdMutex  sync.Mutex
	readMutex sync.Mutex

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewLink starts reading from port. The Link owns the port from here on.
func NewLink(port io.ReadWriteCloser, opts LinkOptions) *Link {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		port:     port,
		timeout:  timeout,
		logger:   logger,
		input:    NewFifoBuffer(4 * LineMax),
		lines:    make(chan string, 16),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Timeout returns the reply window.
func (l *Link) Timeout() time.Duration {
	return l.timeout
}

// Exchange writes frame and waits for exactly one reply line.
func (l *Link) Exchange(frame []byte) (string, error) {
	l.cmdMutex.Lock()
	defer l.cmdMutex.Unlock()

	select {
	case <-l.stopChan:
		return "", ErrLinkClosed
	default:
	}

	// Anything already queued belongs to an earlier command that timed out.
	l.drainLines()

	if err := l.write(frame); err != nil {
		return "", err
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case line := <-l.lines:
		l.logger.Debug("link reply", "sent", string(bytes.TrimSpace(frame)), "reply", line)
		return line, nil
	case <-timer.C:
		return "", fmt.Errorf("%w after %v waiting for reply to %q", ErrLinkTimeout, l.timeout, bytes.TrimSpace(frame))
	case <-l.doneChan:
		return "", ErrLinkClosed
	}
}

// Purge drops every buffered reply and byte, and resets the port buffers
// when the port supports it.
func (l *Link) Purge() error {
	l.cmdMutex.Lock()
	defer l.cmdMutex.Unlock()

	l.drainLines()
	l.readMutex.Lock()
	l.input.Reset()
	l.readMutex.Unlock()

	if f, ok := l.port.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush port: %w", err)
		}
	}
	return nil
}

// Close stops the read loop and closes the port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		err = l.port.Close()
		<-l.doneChan
	})
	return err
}

func (l *Link) write(frame []byte) error {
	n, err := l.port.Write(frame)
	if err != nil {
		return fmt.Errorf("write %q: %w", bytes.TrimSpace(frame), err)
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
	}
	return nil
}

func (l *Link) drainLines() {
	for {
		select {
		case line := <-l.lines:
			l.logger.Debug("discarding stale reply", "reply", line)
		default:
			return
		}
	}
}

// readLoop continuously reads from the port and queues complete lines.
func (l *Link) readLoop() {
	defer close(l.doneChan)

	buffer := make([]byte, LineMax)
	for {
		select {
		case <-l.stopChan:
			return
		default:
		}

		n, err := l.port.Read(buffer)
		if n > 0 {
			for _, line := range l.ingest(buffer[:n]) {
				l.deliver(line)
			}
		}
		if err != nil {
			if isClosed(err) {
				return
			}
			select {
			case <-l.stopChan:
				return
			default:
			}
			l.logger.Warn("serial read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// ingest buffers data and returns the complete, non-empty lines it finished.
func (l *Link) ingest(data []byte) []string {
	l.readMutex.Lock()
	defer l.readMutex.Unlock()

	var lines []string
	for len(data) > 0 {
		written := l.input.Write(data)
		data = data[written:]
		for {
			line, ok := l.input.Line()
			if !ok {
				break
			}
			if line != "" {
				lines = append(lines, line)
			}
		}
		if len(data) > 0 && l.input.Free() == 0 {
			// A full buffer with no terminator is noise; resync on what follows.
			l.logger.Warn("discarding unterminated input", "bytes", l.input.Available())
			l.input.Reset()
		}
	}
	return lines
}

func (l *Link) deliver(line string) {
	select {
	case l.lines <- line:
	default:
		// Queue full, drop the oldest
		select {
		case old := <-l.lines:
			l.logger.Debug("dropping queued reply", "reply", old)
		default:
		}
		l.lines <- line
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}
