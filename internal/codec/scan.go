package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
)

// MaxLineBytes bounds a single line of process output. Longer lines are
// truncated and the rest of the line is dropped.
const MaxLineBytes = 1 << 20

// Line is one line of output. Truncated counts the bytes dropped from the
// end of an overlong line.
type Line struct {
	Text      string
	Truncated int
}

// Scan splits r into lines. Carriage returns are trimmed, a final line
// without a newline is still delivered, and overlong lines are truncated.
func Scan(r io.Reader) iter.Seq[string] {
	return func(yield func(string) bool) {
		for line := range ScanLines(r) {
			if !yield(line.Text) {
				return
			}
		}
	}
}

// ScanLines is Scan with truncation reported. Reading stops at EOF or at the
// first read error; everything read until then is delivered.
func ScanLines(r io.Reader) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		buf := make([]byte, 0, 64*1024)
		dropped := 0
		for {
			chunk, err := br.ReadSlice('\n')
			if room := MaxLineBytes - len(buf); room > 0 {
				n := min(room, len(chunk))
				buf = append(buf, chunk[:n]...)
				dropped += len(chunk) - n
			} else {
				dropped += len(chunk)
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if err != nil && len(buf) == 0 && dropped == 0 {
				return
			}

			if err == nil {
				// the newline is either the last kept byte or was dropped
				if dropped > 0 {
					dropped--
				} else {
					buf = buf[:len(buf)-1]
				}
			}
			text := string(bytes.TrimRight(buf, "\r"))
			if !yield(Line{Text: text, Truncated: dropped}) {
				return
			}
			if err != nil {
				return
			}
			buf, dropped = buf[:0], 0
		}
	}
}
