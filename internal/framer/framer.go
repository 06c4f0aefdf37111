// Package framer turns a raw byte stream from a child process's stdout into
// complete newline-delimited frames, enforcing a bounded accumulator.
package framer

import "bytes"

// DefaultMaxBuffer is the default per-session byte ceiling (10 MiB, per spec).
const DefaultMaxBuffer = 10 * 1024 * 1024

// LineFramer accumulates bytes and yields complete lines. It owns a single
// byte accumulator and is not safe for concurrent use — callers (the
// child->client demux activity) are the sole writer, matching the
// single-writer-per-field discipline described for per-session state.
type LineFramer struct {
	buf      []byte
	maxBytes int
}

// New creates a LineFramer with the given buffer ceiling. A maxBytes <= 0
// uses DefaultMaxBuffer.
func New(maxBytes int) *LineFramer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBuffer
	}
	return &LineFramer{maxBytes: maxBytes}
}

// Ingest appends chunk to the accumulator and splits it at newline
// boundaries, returning complete frames in input order. Empty frames
// (successive "\n\n") are dropped — whitespace trimming of individual
// frames happens at classification time, not here. Any trailing bytes
// without a terminating newline are retained for the next call.
//
// If the retained remainder would exceed the configured ceiling, overflow
// is true and the accumulator is guaranteed not to have grown past the
// cap; per the framer's contract, the caller must tear down the session —
// no further Ingest call is defined after an overflow.
func (f *LineFramer) Ingest(chunk []byte) (frames [][]byte, overflow bool) {
	f.buf = append(f.buf, chunk...)

	start := 0
	for {
		idx := bytes.IndexByte(f.buf[start:], '\n')
		if idx < 0 {
			break
		}
		end := start + idx
		line := f.buf[start:end]
		if len(line) > 0 {
			frame := make([]byte, len(line))
			copy(frame, line)
			frames = append(frames, frame)
		}
		start = end + 1
	}

	remainder := f.buf[start:]
	if len(remainder) > f.maxBytes {
		f.buf = nil
		return frames, true
	}

	// Compact: drop the consumed prefix, keep only the unterminated tail.
	newBuf := make([]byte, len(remainder))
	copy(newBuf, remainder)
	f.buf = newBuf
	return frames, false
}

// Drain returns and clears any retained remainder — used on child exit to
// flush a final, newline-less fragment if the caller chooses to.
func (f *LineFramer) Drain() []byte {
	out := f.buf
	f.buf = nil
	return out
}

// Len reports the current size of the retained remainder.
func (f *LineFramer) Len() int {
	return len(f.buf)
}
