package tunnel

import (
	"bytes"
	"sync"
)

// maxOutput bounds how much subprocess output is retained.
const maxOutput = 256 << 10

// Output collects a subprocess's stdout and stderr. Offsets are absolute
// byte positions in the stream, so they stay valid after old output is
// discarded.
type Output struct {
	buf  []byte
	base int
	mu   sync.Mutex
}

// Write implements io.Writer. It is safe to use as both Stdout and Stderr.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = append(o.buf, p...)
	if over := len(o.buf) - maxOutput; over > 0 {
		o.buf = append(o.buf[:0], o.buf[over:]...)
		o.base += over
	}
	return len(p), nil
}

// String returns all retained output.
func (o *Output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.buf)
}

// Len returns the absolute offset of the end of the stream.
func (o *Output) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.base + len(o.buf)
}

// Since returns the complete lines written after offset, and the offset
// to pass next time. A trailing partial line is left for a later call.
func (o *Output) Since(offset int) (string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	offset = max(offset, o.base)
	rest := o.buf[min(offset-o.base, len(o.buf)):]
	end := bytes.LastIndexByte(rest, '\n')
	if end < 0 {
		return "", offset
	}
	return string(rest[:end+1]), offset + end + 1
}

// Tail returns up to n bytes of the most recent output.
func (o *Output) Tail(n int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) <= n {
		return string(o.buf)
	}
	return string(o.buf[len(o.buf)-n:])
}
