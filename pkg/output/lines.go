package output

import (
	"bufio"
	"bytes"
	"io"
)

// MaxLineLength bounds how much of a single line is buffered before it is
// emitted as its own line.
const MaxLineLength = 64 * 1024

// LineSplitter turns one child stream into complete lines. A trailing
// partial line is emitted when the stream ends.
type LineSplitter struct {
	reader *bufio.Reader
	maxLen int
	buf    []byte
	err    error
}

func NewLineSplitter(r io.Reader, maxLen int) *LineSplitter {
	if maxLen <= 0 {
		maxLen = MaxLineLength
	}
	size := maxLen
	if size > 4096 {
		size = 4096
	}
	return &LineSplitter{
		reader: bufio.NewReaderSize(r, size),
		maxLen: maxLen,
	}
}

// Next returns the next line without its terminator. A read error other
// than io.EOF is returned after whatever was buffered has been flushed.
func (s *LineSplitter) Next() (string, error) {
	for {
		if i := bytes.IndexByte(s.buf, '\n'); i >= 0 && i <= s.maxLen {
			return s.take(i + 1), nil
		}
		if len(s.buf) > s.maxLen {
			return s.take(s.maxLen), nil
		}
		if s.err != nil {
			if len(s.buf) > 0 {
				return s.take(len(s.buf)), nil
			}
			return "", s.err
		}

		chunk, err := s.reader.ReadSlice('\n')
		s.buf = append(s.buf, chunk...)
		if err != nil && err != bufio.ErrBufferFull {
			s.err = err
		}
	}
}

func (s *LineSplitter) take(n int) string {
	line := bytes.TrimSuffix(s.buf[:n], []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	text := string(line)

	s.buf = append(s.buf[:0], s.buf[n:]...)
	return text
}

// Each calls fn for every line until the stream ends. It returns nil on EOF.
func (s *LineSplitter) Each(fn func(string)) error {
	for {
		line, err := s.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		fn(line)
	}
}
