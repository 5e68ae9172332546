// Package repair implements the ordered, bounded reorder buffer that
// turns a UDP stream of numbered audio frames into a gap-free byte
// stream, requesting retransmission of anything that went missing.
package repair

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sebas/songcast/internal/receiver/frame"
	"github.com/sebas/songcast/internal/receiver/serial"
)

// Errors surfaced to the reader thread. Both leave the Repairer reset:
// the next non-resend frame starts a fresh run.
var (
	// ErrBufferFull means more frames arrived out of order than the
	// buffer can hold. All held frames have been destroyed.
	ErrBufferFull = errors.New("repair: buffer full")

	// ErrStreamRestarted means a non-resend frame carried a number
	// already emitted; the sender has restarted its sequence.
	ErrStreamRestarted = errors.New("repair: stream restarted")
)

// retryInterval is the base period between retransmission sweeps.
// Actual schedules are jittered to avoid synchronised request storms
// when several receivers lose the same frames.
const retryInterval = 100 * time.Millisecond

// Repairer accepts numbered frames in arrival order and publishes their
// payloads downstream in serial order. A gap installs the out-of-order
// frame as the head of a repair buffer and arms the sweep timer; sweeps
// request the missing ranges until resends fill them.
//
// All frame mutation happens on the reader thread; the sweep callback
// only reads buffered numbers and sends requests, serialised by the
// same mutex.
type Repairer struct {
	requester Requester
	sink      AudioSink
	timer     Timer
	maxFrames int
	logger    *slog.Logger

	mu          sync.Mutex
	started     bool
	lastEmitted serial.Number
	head        *frame.Frame   // first frame after the gap, nil when in order
	body        []*frame.Frame // strictly ascending, at most maxFrames
}

// New creates a Repairer holding at most maxFrames out-of-order frames
// beyond the head slot. The caller's pool must provide maxFrames+2
// carriers so a resend arrival can never starve allocation.
func New(maxFrames int, requester Requester, sink AudioSink, timers TimerFactory) *Repairer {
	r := &Repairer{
		requester: requester,
		sink:      sink,
		maxFrames: maxFrames,
		logger:    slog.Default(),
	}
	r.timer = timers.CreateTimer(r.sweep, "Repairer")
	return r
}

// OutputAudio is the sole ingress. The Repairer takes ownership of f and
// destroys it exactly once, on emission, purge or rejection.
func (r *Repairer) OutputAudio(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		r.started = true
		r.emit(f)
		return nil
	}

	if r.head == nil {
		next := r.lastEmitted.Next()
		switch {
		case f.Number() == next:
			r.emit(f)
			return nil
		case serial.After(f.Number(), next):
			// First dropout: stash the frame that crossed the gap
			// and schedule a retransmission sweep.
			r.head = f
			r.timer.FireIn(r.nextInterval())
			return nil
		default:
			if f.Resend() {
				// Stale resend for a frame already emitted.
				f.Destroy()
				return nil
			}
			r.started = false
			f.Destroy()
			return ErrStreamRestarted
		}
	}

	return r.repair(f)
}

// DropAudio discards any in-flight repair: the timer is cancelled and
// every buffered frame destroyed. The emission position is kept, so a
// contiguous stream resumes without a restart.
func (r *Repairer) DropAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer.Cancel()
	r.destroyBuffered()
}

// repair handles a frame while a gap is outstanding.
func (r *Repairer) repair(f *frame.Frame) error {
	if serial.BeforeEq(f.Number(), r.lastEmitted) {
		if f.Resend() {
			f.Destroy()
			return nil
		}
		r.logger.Warn("[Repairer] Stream restarted during repair", "frame", f.Number(), "last_emitted", r.lastEmitted)
		r.purge(f)
		return ErrStreamRestarted
	}

	if f.Number() == r.lastEmitted.Next() {
		// Fills the earliest missing slot; publish it and whatever
		// buffered prefix is now contiguous.
		r.emit(f)
		r.drain()
		return nil
	}

	if f.Number() == r.head.Number() {
		f.Destroy()
		return nil
	}

	if serial.Before(f.Number(), r.head.Number()) {
		// Earlier than the current head: f becomes the new head and
		// the old head joins the body.
		if len(r.body)+1 > r.maxFrames {
			r.logger.Warn("[Repairer] Buffer full", "frame", f.Number())
			r.purge(f)
			return ErrBufferFull
		}
		r.body = append([]*frame.Frame{r.head}, r.body...)
		r.head = f
		return nil
	}

	// Insert into the body at its ascending position.
	idx := len(r.body)
	for i, b := range r.body {
		if f.Number() == b.Number() {
			f.Destroy()
			return nil
		}
		if serial.Before(f.Number(), b.Number()) {
			idx = i
			break
		}
	}
	if len(r.body)+1 > r.maxFrames {
		r.logger.Warn("[Repairer] Buffer full", "frame", f.Number())
		r.purge(f)
		return ErrBufferFull
	}
	r.body = append(r.body, nil)
	copy(r.body[idx+1:], r.body[idx:])
	r.body[idx] = f
	return nil
}

// emit publishes a frame's payload and destroys the carrier.
func (r *Repairer) emit(f *frame.Frame) {
	r.lastEmitted = f.Number()
	r.sink.OutputAudio(f.Payload())
	f.Destroy()
}

// drain publishes the buffered prefix that is contiguous with
// lastEmitted. The timer is deliberately left armed when the buffer
// empties: a sweep with nothing missing is a no-op and does not rearm.
func (r *Repairer) drain() {
	for r.head != nil && r.head.Number() == r.lastEmitted.Next() {
		h := r.head
		if len(r.body) > 0 {
			r.head = r.body[0]
			copy(r.body, r.body[1:])
			r.body = r.body[:len(r.body)-1]
		} else {
			r.head = nil
		}
		r.emit(h)
	}
}

// purge cancels the timer and destroys every held frame plus the
// incoming one. The Repairer returns to its initial state; the next
// frame accepted starts a new run.
func (r *Repairer) purge(incoming *frame.Frame) {
	r.timer.Cancel()
	r.destroyBuffered()
	incoming.Destroy()
	r.started = false
}

func (r *Repairer) destroyBuffered() {
	if r.head != nil {
		r.head.Destroy()
		r.head = nil
	}
	for _, b := range r.body {
		b.Destroy()
	}
	r.body = r.body[:0]
}

// sweep is the timer callback: compute the missing ranges, request them,
// and rearm. An empty result means the repair completed since the timer
// was armed; nothing is requested and the timer stays quiet.
func (r *Repairer) sweep() {
	r.mu.Lock()
	ranges := r.missingRanges()
	r.mu.Unlock()
	if len(ranges) == 0 {
		return
	}
	r.requester.RequestResendRanges(ranges)
	r.timer.FireIn(r.nextInterval())
}

// missingRanges walks the buffered frames and coalesces the holes
// between lastEmitted and the newest buffered number into ascending
// ranges. At most maxFrames/2 ranges are requested per sweep, earliest
// first; later holes wait for the next sweep. The cap counts ranges, so
// a single range may cover any number of missing frames.
func (r *Repairer) missingRanges() []Range {
	if r.head == nil {
		return nil
	}
	maxRanges := r.maxFrames / 2
	if maxRanges < 1 {
		maxRanges = 1
	}

	var ranges []Range
	expected := r.lastEmitted.Next()
	appendGap := func(upto serial.Number) bool {
		if expected == upto {
			return true
		}
		ranges = append(ranges, Range{Start: expected, End: upto - 1})
		return len(ranges) < maxRanges
	}
	if !appendGap(r.head.Number()) {
		return ranges
	}
	expected = r.head.Number().Next()
	for _, b := range r.body {
		if !appendGap(b.Number()) {
			return ranges
		}
		expected = b.Number().Next()
	}
	return ranges
}

// nextInterval jitters the sweep schedule within [T/4, 3T/8].
func (r *Repairer) nextInterval() time.Duration {
	return retryInterval/4 + time.Duration(rand.Int63n(int64(retryInterval/8)))
}
