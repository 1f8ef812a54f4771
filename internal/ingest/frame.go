// Package ingest normalizes arriving waveform data, from the live
// stream or synchronous uploads, into canonical segments and feeds the
// scheduler.
package ingest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameBytes bounds a single wire frame; anything larger is treated
// as a corrupt stream.
const maxFrameBytes = 4 << 20

// Frame is one waveform packet on the live-stream wire: a msgpack body
// behind a 4-byte big-endian length prefix.
type Frame struct {
	Network    string    `msgpack:"network"`
	Station    string    `msgpack:"station"`
	Channel    string    `msgpack:"channel"`
	StartTime  time.Time `msgpack:"start_time"`
	SampleRate float64   `msgpack:"sample_rate"`
	Samples    []float64 `msgpack:"samples"`
}

// EndTime derives the frame's end timestamp from its sample count.
func (f *Frame) EndTime() time.Time {
	if f.SampleRate <= 0 {
		return f.StartTime
	}
	secs := float64(len(f.Samples)) / f.SampleRate
	return f.StartTime.Add(time.Duration(secs * float64(time.Second)))
}

// EncodeFrame serializes a frame with its length prefix.
func EncodeFrame(f *Frame) ([]byte, error) {
	body, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameBytes {
		return nil, fmt.Errorf("invalid frame length %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &f, nil
}

// DecodeFrameBody decodes a frame body without a length prefix, as
// found in stored waveform files.
func DecodeFrameBody(body []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decoding frame body: %w", err)
	}
	return &f, nil
}
