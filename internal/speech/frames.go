package speech

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ResultKind distinguishes interim from final recognizer output.
type ResultKind int

const (
	Partial ResultKind = iota
	Final
)

func (k ResultKind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// Result is one decoded recognizer frame.
type Result struct {
	Kind ResultKind
	Text string
}

// ErrUnrecognizedFrame is returned for JSON frames that carry neither a
// partial nor a final transcript.
var ErrUnrecognizedFrame = errors.New("unrecognized recognizer frame")

type configFrame struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

var eofFrame = []byte(`{"eof":1}`)

func encodeConfig(sampleRate int) ([]byte, error) {
	var f configFrame
	f.Config.SampleRate = sampleRate
	return json.Marshal(f)
}

// parseFrame decodes a text frame. Partial wins if a frame somehow carries
// both shapes. The recognizer sends finals as {"text": ...}; {"final": ...}
// is accepted as well.
func parseFrame(data []byte) (Result, error) {
	var f struct {
		Partial *string `json:"partial"`
		Text    *string `json:"text"`
		Final   *string `json:"final"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return Result{}, fmt.Errorf("parse recognizer response: %w", err)
	}
	switch {
	case f.Partial != nil:
		return Result{Kind: Partial, Text: *f.Partial}, nil
	case f.Text != nil:
		return Result{Kind: Final, Text: *f.Text}, nil
	case f.Final != nil:
		return Result{Kind: Final, Text: *f.Final}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnrecognizedFrame, truncate(data, 128))
}

// encodePCM lays samples out as little-endian 16-bit PCM.
func encodePCM(samples []int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

// DecodePCM is the inverse of the wire encoding. A trailing odd byte is
// dropped.
func DecodePCM(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
