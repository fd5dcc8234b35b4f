package runner

import (
	"bytes"
	"sync"
)

// maxPendingLine bounds how much of an unterminated line is held before it is
// emitted anyway.
const maxPendingLine = 64 << 10

// capture is an io.Writer that retains up to limit bytes and optionally
// splits the stream into lines. Writes never fail, so the copying goroutine
// in os/exec keeps draining the pipe even after the limit is reached.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool

	pending []byte
	emit    func(line string)
}

func newCapture(limit int64, emit func(string)) *capture {
	return &capture{limit: limit, emit: emit}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emit != nil {
		c.split(p)
	}

	switch {
	case c.limit <= 0:
		c.buf.Write(p)
	case int64(c.buf.Len()) >= c.limit:
		c.truncated = true
	case int64(c.buf.Len())+int64(len(p)) > c.limit:
		c.buf.Write(p[:c.limit-int64(c.buf.Len())])
		c.truncated = true
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

// split emits every complete line in p, carrying the remainder over.
func (c *capture) split(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			c.pending = append(c.pending, p...)
			if len(c.pending) >= maxPendingLine {
				c.emitLine(c.pending)
				c.pending = c.pending[:0]
			}
			return
		}
		if len(c.pending) > 0 {
			c.pending = append(c.pending, p[:i]...)
			c.emitLine(c.pending)
			c.pending = c.pending[:0]
		} else {
			c.emitLine(p[:i])
		}
		p = p[i+1:]
	}
}

func (c *capture) emitLine(line []byte) {
	c.emit(string(bytes.TrimSuffix(line, []byte{'\r'})))
}

// flush emits a trailing line that had no newline.
func (c *capture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emit != nil && len(c.pending) > 0 {
		c.emitLine(c.pending)
		c.pending = nil
	}
}

// bytes returns a copy of the retained output and whether it was truncated.
func (c *capture) bytes() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		return nil, c.truncated
	}
	return bytes.Clone(c.buf.Bytes()), c.truncated
}
