package serial

import (
	"bytes"
	"io"
)

// RecordReader yields the next chunk of device output. A record may be empty
// when the port's read timeout elapsed with nothing received.
type RecordReader interface {
	Next() ([]byte, error)
}

const (
	DefaultMaxLine   = 4096
	DefaultBurstSize = 100
)

// LineReader splits device output on '\n', keeping the terminator. A read
// timeout flushes whatever is pending, so partial lines are returned as-is.
type LineReader struct {
	r       io.Reader
	buf     []byte
	pending []byte
	max     int
}

func NewLineReader(r io.Reader, maxLine int) *LineReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &LineReader{r: r, buf: make([]byte, 256), max: maxLine}
}

// Next returns bytes received before an error together with that error.
func (lr *LineReader) Next() ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 && i < lr.max {
			return lr.take(i + 1), nil
		}
		if len(lr.pending) >= lr.max {
			return lr.take(lr.max), nil
		}

		n, err := lr.r.Read(lr.buf)
		lr.pending = append(lr.pending, lr.buf[:n]...)
		if err != nil {
			return lr.take(len(lr.pending)), err
		}
		if n == 0 {
			return lr.take(len(lr.pending)), nil
		}
	}
}

func (lr *LineReader) take(n int) []byte {
	out := make([]byte, n)
	copy(out, lr.pending[:n])
	lr.pending = lr.pending[n:]
	if len(lr.pending) == 0 {
		lr.pending = nil
	}
	return out
}

// BurstReader returns whatever a single read produced, at most size bytes.
type BurstReader struct {
	r   io.Reader
	buf []byte
}

func NewBurstReader(r io.Reader, size int) *BurstReader {
	if size <= 0 {
		size = DefaultBurstSize
	}
	return &BurstReader{r: r, buf: make([]byte, size)}
}

func (br *BurstReader) Next() ([]byte, error) {
	n, err := br.r.Read(br.buf)
	out := make([]byte, n)
	copy(out, br.buf[:n])
	return out, err
}

// Handshake sends the start byte and collects the device's greeting until
// greetingSize bytes arrived or a read times out.
func Handshake(rw io.ReadWriter, start byte, greetingSize int) ([]byte, error) {
	if _, err := rw.Write([]byte{start}); err != nil {
		return nil, err
	}

	greeting := make([]byte, 0, greetingSize)
	buf := make([]byte, greetingSize)
	for len(greeting) < greetingSize {
		n, err := rw.Read(buf[:greetingSize-len(greeting)])
		greeting = append(greeting, buf[:n]...)
		if err != nil {
			return greeting, err
		}
		if n == 0 {
			break
		}
	}
	return greeting, nil
}
