package client

import (
	"io"
	"strings"
	"unicode/utf8"
)

const readBufferSize = 4096

// Update is emitted once per fragment read from the stream.
type Update struct {
	// Fragment is the text appended by this read
	Fragment string

	// Text is everything received so far
	Text string

	// Index counts fragments from zero
	Index int
}

// Consume reads r until EOF, appending each available fragment to a buffer
// and calling onUpdate after every fragment, in arrival order. Bytes of a
// UTF-8 sequence split across reads are held back until the sequence is
// complete. It returns the full text, or the text so far with the read
// error. onUpdate may be nil.
func Consume(r io.Reader, onUpdate func(Update)) (string, error) {
	var (
		text    strings.Builder
		pending []byte
		index   int
		buf     = make([]byte, readBufferSize)
	)

	emit := func(b []byte) {
		if len(b) == 0 {
			return
		}
		frag := string(b)
		text.WriteString(frag)
		if onUpdate != nil {
			onUpdate(Update{Fragment: frag, Text: text.String(), Index: index})
		}
		index++
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completePrefix(pending)
			emit(pending[:cut])
			pending = append(pending[:0], pending[cut:]...)
		}
		if err == io.EOF {
			// A truncated sequence at the very end is passed through as is.
			emit(pending)
			return text.String(), nil
		}
		if err != nil {
			return text.String(), err
		}
	}
}

// completePrefix returns the length of the longest prefix of b that does
// not end inside an incomplete UTF-8 sequence.
func completePrefix(b []byte) int {
	// A sequence is at most utf8.UTFMax bytes, so only the tail matters.
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
