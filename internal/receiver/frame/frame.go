// Package frame provides the pooled audio frame carrier that the repair
// layer moves between socket, reorder buffer and pipeline supply. A frame
// has exactly one owner at any time; ownership transfers on every handoff
// and ends with Destroy, which returns the carrier to its pool.
package frame

import (
	"fmt"
	"sync"

	"github.com/sebas/songcast/internal/receiver/serial"
)

// Frame is a single numbered audio packet. The payload slice is owned by
// the carrier and is only valid until Destroy is called.
type Frame struct {
	pool    *Pool
	number  serial.Number
	resend  bool
	payload []byte
}

// Number returns the 16-bit stream sequence number.
func (f *Frame) Number() serial.Number {
	return f.number
}

// Resend reports whether the sender marked this frame as a retransmission.
func (f *Frame) Resend() bool {
	return f.resend
}

// Payload returns the audio bytes carried by the frame.
func (f *Frame) Payload() []byte {
	return f.payload
}

// Destroy returns the carrier to its pool. The frame must not be touched
// afterwards.
func (f *Frame) Destroy() {
	f.pool.release(f)
}

// Pool is a fixed-size allocator for frame carriers. It never blocks:
// the repair buffer bounds demand at its capacity plus two carriers, so
// running dry is a programming error, not a runtime condition.
type Pool struct {
	mu         sync.Mutex
	free       []*Frame
	capacity   int
	payloadMax int
}

// NewPool creates a pool of capacity carriers, each able to hold up to
// payloadMax bytes of audio.
func NewPool(capacity, payloadMax int) *Pool {
	p := &Pool{
		free:       make([]*Frame, 0, capacity),
		capacity:   capacity,
		payloadMax: payloadMax,
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Frame{
			pool:    p,
			payload: make([]byte, 0, payloadMax),
		})
	}
	return p
}

// Allocate takes a carrier from the pool and fills it. Payload bytes are
// copied; the caller keeps ownership of its own buffer.
func (p *Pool) Allocate(number serial.Number, resend bool, payload []byte) *Frame {
	if len(payload) > p.payloadMax {
		panic(fmt.Sprintf("frame: payload %d exceeds max %d", len(payload), p.payloadMax))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		panic("frame: pool exhausted")
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	f.number = number
	f.resend = resend
	f.payload = append(f.payload[:0], payload...)
	return f
}

// Free returns the number of carriers currently available. Used by tests
// to assert that every accepted frame was destroyed exactly once.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the pool's fixed size.
func (p *Pool) Capacity() int {
	return p.capacity
}

func (p *Pool) release(f *Frame) {
	f.number = 0
	f.resend = false
	f.payload = f.payload[:0]
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.capacity {
		panic("frame: double destroy")
	}
	p.free = append(p.free, f)
}
