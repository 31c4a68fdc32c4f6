package audio

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// ErrFrameTooLarge is returned when a single frame cannot fit the ring even
// after evicting everything else.
var ErrFrameTooLarge = errors.New("audio frame larger than ring capacity")

// Ring is a bounded frame buffer between the transport and the transcriber.
// When full it evicts the oldest unconsumed frames; live audio that is late
// is worthless, so the newest frame always wins. Records are size-prefixed
// so variable-length frames can share one byte ring.
type Ring struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

// NewRing creates a ring holding at most capacityBytes of encoded frames.
func NewRing(capacityBytes int) *Ring {
	return &Ring{
		rb: ringbuffer.New(capacityBytes).SetBlocking(false),
	}
}

// Push appends a frame, evicting oldest frames if needed. It returns the
// number of frames dropped to make room.
func (r *Ring) Push(f Frame) (int, error) {
	record := f.marshal()
	required := len(record) + 4

	r.mu.Lock()
	defer r.mu.Unlock()

	if required > r.rb.Capacity() {
		return 0, ErrFrameTooLarge
	}

	dropped := 0
	for r.rb.Free() < required {
		if !r.discardOldest() {
			r.rb.Reset()
			break
		}
		dropped++
	}

	var size [4]byte
	size[0] = byte(len(record))
	size[1] = byte(len(record) >> 8)
	size[2] = byte(len(record) >> 16)
	size[3] = byte(len(record) >> 24)
	if _, err := r.rb.Write(size[:]); err != nil {
		return dropped, err
	}
	if _, err := r.rb.Write(record); err != nil {
		return dropped, err
	}
	return dropped, nil
}

// Pop removes and returns the oldest frame.
func (r *Ring) Pop() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pop()
}

func (r *Ring) pop() (Frame, bool) {
	if r.rb.IsEmpty() {
		return Frame{}, false
	}
	size := make([]byte, 4)
	n, err := r.rb.Read(size)
	if err != nil || n != 4 {
		return Frame{}, false
	}
	recordLen := int(size[0]) | int(size[1])<<8 | int(size[2])<<16 | int(size[3])<<24
	record := make([]byte, recordLen)
	n, err = r.rb.Read(record)
	if err != nil || n != recordLen {
		return Frame{}, false
	}
	frame, err := unmarshalFrame(record)
	if err != nil {
		return Frame{}, false
	}
	return frame, true
}

func (r *Ring) discardOldest() bool {
	if r.rb.IsEmpty() {
		return false
	}
	size := make([]byte, 4)
	n, err := r.rb.Read(size)
	if err != nil || n != 4 {
		return false
	}
	recordLen := int(size[0]) | int(size[1])<<8 | int(size[2])<<16 | int(size[3])<<24
	if recordLen > 0 {
		skip := make([]byte, recordLen)
		n, err := r.rb.Read(skip)
		if err != nil || n != recordLen {
			return false
		}
	}
	return true
}

// Drain removes and returns every buffered frame in order.
func (r *Ring) Drain() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var frames []Frame
	for {
		frame, ok := r.pop()
		if !ok {
			return frames
		}
		frames = append(frames, frame)
	}
}

// BufferedBytes reports the encoded bytes currently held.
func (r *Ring) BufferedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rb.Length()
}
