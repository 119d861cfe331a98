package netx

import (
	"bytes"
	"io"
	"log"
	"strconv"
)

// WriteFrame emits one frame as ASCII-decimal length, a single zero byte
// separator, then exactly len(body) bytes.
func WriteFrame(w io.Writer, body []byte) error {
	prefix := strconv.Itoa(len(body))
	buf := make([]byte, 0, len(prefix)+1+len(body))
	buf = append(buf, prefix...)
	buf = append(buf, 0)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Scanner reassembles frames out of an arbitrarily chunked byte stream. It
// scans forward for the first zero byte, parses the prefix as a decimal
// length, and, if the remaining buffer holds at least that many bytes,
// extracts the frame and recurses on the remainder; otherwise it keeps the
// partial frame for the next Feed call. Empty payloads are tolerated and
// dropped. A frame whose length prefix fails to parse is logged and
// skipped without killing the stream.
type Scanner struct {
	carry []byte
}

// NewScanner returns an empty Scanner.
func NewScanner() *Scanner { return &Scanner{} }

// Feed appends chunk to the carry buffer and returns every complete frame
// body it can extract. Incomplete trailing data is retained for the next
// call.
func (s *Scanner) Feed(chunk []byte) [][]byte {
	s.carry = append(s.carry, chunk...)

	var frames [][]byte
	for {
		sep := bytes.IndexByte(s.carry, 0)
		if sep < 0 {
			break
		}
		n, err := strconv.Atoi(string(s.carry[:sep]))
		if err != nil || n < 0 {
			log.Printf("[netx] dropping malformed frame prefix %q: %v", s.carry[:sep], err)
			s.carry = s.carry[sep+1:]
			continue
		}
		rest := s.carry[sep+1:]
		if len(rest) < n {
			break
		}
		if n > 0 {
			frames = append(frames, append([]byte(nil), rest[:n]...))
		}
		s.carry = rest[n:]
	}
	return frames
}
