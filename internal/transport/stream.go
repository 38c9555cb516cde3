package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single newline-delimited message.
const MaxLineSize = 16 << 20

// StreamConn frames messages as newline-delimited JSON.
type StreamConn struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer

	startOnce sync.Once
	lines     chan []byte
	readErr   error
	done      chan struct{}
	closeOnce sync.Once

	wmu sync.Mutex
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn creates a connection reading from r and writing to w.
// If closer is non-nil it is closed by Close.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) *StreamConn {
	return &StreamConn{
		r:      r,
		w:      w,
		closer: closer,
		lines:  make(chan []byte),
		done:   make(chan struct{}),
	}
}

// Read returns the next non-empty line.
func (c *StreamConn) Read(ctx context.Context) ([]byte, error) {
	c.startOnce.Do(func() { go c.scan() })

	select {
	case line, ok := <-c.lines:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, io.EOF
		}
		return line, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// scan feeds lines to Read. Blocking reads on the underlying stream
// cannot be interrupted, so they run on their own goroutine.
func (c *StreamConn) scan() {
	defer close(c.lines)

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := append([]byte(nil), line...)
		select {
		case c.lines <- msg:
		case <-c.done:
			return
		}
	}
	// Visible to Read after the channel close.
	c.readErr = scanner.Err()
}

// Write encodes v on a single line.
func (c *StreamConn) Write(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	b = append(b, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(b)
	return err
}

// Close stops reading and closes the underlying stream, if any.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}
