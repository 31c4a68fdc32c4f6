package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Format describes the negotiated PCM layout for one device stream.
// Samples are 16-bit little-endian throughout.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// FrameBytes returns the payload size of one full frame in this format.
func (f Format) FrameBytes() int {
	samples := int(f.FrameDuration.Milliseconds()) * f.SampleRate / 1000
	return samples * f.Channels * 2
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	if f.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive, got %s", f.FrameDuration)
	}
	return nil
}

// Frame is one fixed-duration chunk of PCM belonging to a stream. Sequence
// numbers start at 0 and increase by one per frame within a stream.
type Frame struct {
	StreamID string
	Seq      uint64
	PCM      []byte
}

// marshal layout: seq(8) | streamID len(2) | streamID | pcm len(4) | pcm
func (f Frame) marshal() []byte {
	buf := make([]byte, 8+2+len(f.StreamID)+4+len(f.PCM))
	offset := 0
	binary.LittleEndian.PutUint64(buf[offset:], f.Seq)
	offset += 8
	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(f.StreamID)))
	offset += 2
	copy(buf[offset:], f.StreamID)
	offset += len(f.StreamID)
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(f.PCM)))
	offset += 4
	copy(buf[offset:], f.PCM)
	return buf
}

func unmarshalFrame(data []byte) (Frame, error) {
	if len(data) < 14 {
		return Frame{}, fmt.Errorf("frame record too short: %d bytes", len(data))
	}
	var f Frame
	offset := 0
	f.Seq = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	idLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) < offset+idLen+4 {
		return Frame{}, fmt.Errorf("frame record truncated stream id")
	}
	f.StreamID = string(data[offset : offset+idLen])
	offset += idLen
	pcmLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if len(data) < offset+pcmLen {
		return Frame{}, fmt.Errorf("frame record truncated pcm")
	}
	f.PCM = make([]byte, pcmLen)
	copy(f.PCM, data[offset:offset+pcmLen])
	return f, nil
}
