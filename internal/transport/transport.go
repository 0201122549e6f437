// Package transport implements the wire framing used by every channel
// socket: length-prefixed JSON by default, with a newline-delimited
// fallback for callers that prefer line-oriented tooling.
package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize is the implementation-defined cap on a single frame.
// A length prefix claiming more is treated as corrupt framing: Push
// returns an error instead of dropping the frame.
const MaxFrameSize = 16 << 20 // 16 MiB

// ErrTransportClosed is returned by a Decoder when the underlying
// connection closed mid-frame; any partially buffered data is discarded.
var ErrTransportClosed = errors.New("transport: closed mid-frame")

// Mode selects the wire framing a Decoder expects.
type Mode int

const (
	// ModeLengthPrefixed frames messages as a 32-bit big-endian byte
	// count followed by that many bytes of UTF-8 JSON.
	ModeLengthPrefixed Mode = iota
	// ModeNewlineDelimited frames messages as one JSON document per
	// line, for environments without length-prefixed framing.
	ModeNewlineDelimited
)

// Encode serializes v and frames it according to mode.
func Encode(mode Mode, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal: %w", err)
	}
	switch mode {
	case ModeNewlineDelimited:
		out := make([]byte, 0, len(body)+1)
		out = append(out, body...)
		out = append(out, '\n')
		return out, nil
	default:
		if len(body) > MaxFrameSize {
			return nil, fmt.Errorf("transport: frame of %d bytes exceeds cap %d", len(body), MaxFrameSize)
		}
		out := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
		copy(out[4:], body)
		return out, nil
	}
}

// Decoder accumulates bytes pushed from an arbitrary chunk boundary and
// yields complete frames as they become available. A single Decoder is
// not safe for concurrent use.
type Decoder struct {
	mode Mode
	buf  bytes.Buffer
}

// NewDecoder creates a Decoder for the given framing mode.
func NewDecoder(mode Mode) *Decoder {
	return &Decoder{mode: mode}
}

// Push appends chunk to the internal buffer and returns every frame
// that could be fully decoded from it. A frame whose body is not valid
// JSON is dropped and decoding continues at the next frame boundary. A
// length prefix that would exceed MaxFrameSize means the framing itself
// is corrupt: Push returns the frames decoded so far together with an
// error, and the caller tears the connection down.
func (d *Decoder) Push(chunk []byte) ([]json.RawMessage, error) {
	d.buf.Write(chunk)

	var out []json.RawMessage
	for {
		msg, ok, err := d.next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
}

// next attempts to pull one frame off the front of the buffer. It
// returns ok=false when there isn't yet a complete frame buffered.
func (d *Decoder) next() (json.RawMessage, bool, error) {
	switch d.mode {
	case ModeNewlineDelimited:
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return nil, false, nil
		}
		line := append([]byte(nil), data[:idx]...)
		d.buf.Next(idx + 1)
		if len(bytes.TrimSpace(line)) == 0 {
			return nil, true, nil
		}
		if !json.Valid(line) {
			return nil, true, nil // malformed frame dropped, keep going
		}
		return json.RawMessage(line), true, nil

	default:
		data := d.buf.Bytes()
		if len(data) < 4 {
			return nil, false, nil
		}
		n := binary.BigEndian.Uint32(data[:4])
		if n > MaxFrameSize {
			// The length prefix itself is corrupt enough that we can no
			// longer trust frame boundaries in this stream.
			return nil, false, fmt.Errorf("transport: frame length %d exceeds cap %d", n, MaxFrameSize)
		}
		if len(data) < 4+int(n) {
			return nil, false, nil
		}
		body := append([]byte(nil), data[4:4+int(n)]...)
		d.buf.Next(4 + int(n))
		if !json.Valid(body) {
			return nil, true, nil // malformed frame dropped
		}
		return json.RawMessage(body), true, nil
	}
}

// Close discards any partially buffered frame; call this when the
// underlying connection reports closure mid-frame.
func (d *Decoder) Close() error {
	if d.buf.Len() > 0 {
		d.buf.Reset()
		return ErrTransportClosed
	}
	return nil
}
