package repair

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebas/songcast/internal/receiver/frame"
	"github.com/sebas/songcast/internal/receiver/serial"
)

// testPipe records observable calls in order so tests can assert the
// exact sequence of emissions, requests and timer operations.
type testPipe struct {
	t    *testing.T
	msgs []string
}

func (p *testPipe) write(msg string) {
	p.msgs = append(p.msgs, msg)
}

func (p *testPipe) expect(want string) {
	p.t.Helper()
	if len(p.msgs) == 0 {
		p.t.Fatalf("pipe empty, want %q", want)
	}
	got := p.msgs[0]
	p.msgs = p.msgs[1:]
	if got != want {
		p.t.Errorf("pipe = %q, want %q", got, want)
	}
}

func (p *testPipe) expectEmpty() {
	p.t.Helper()
	if len(p.msgs) != 0 {
		p.t.Errorf("pipe not empty: %v", p.msgs)
	}
}

type pipeRequester struct{ pipe *testPipe }

func (r *pipeRequester) RequestResendRanges(ranges []Range) {
	parts := make([]string, len(ranges))
	for i, rg := range ranges {
		parts[i] = rg.String()
	}
	r.pipe.write("request " + strings.Join(parts, " "))
}

type pipeSink struct{ pipe *testPipe }

func (s *pipeSink) OutputAudio(payload []byte) {
	s.pipe.write(fmt.Sprintf("audio %d %s", len(payload), payload))
}

type mockTimer struct {
	pipe     *testPipe
	callback func()
}

func (t *mockTimer) FireIn(time.Duration) { t.pipe.write("timer arm") }
func (t *mockTimer) Cancel()              { t.pipe.write("timer cancel") }
func (t *mockTimer) Fire()                { t.callback() }

type mockTimerFactory struct {
	pipe  *testPipe
	timer *mockTimer
}

func (f *mockTimerFactory) CreateTimer(callback func(), id string) Timer {
	f.timer = &mockTimer{pipe: f.pipe, callback: callback}
	return f.timer
}

const testMaxFrames = 5

type harness struct {
	pipe  *testPipe
	pool  *frame.Pool
	timer *mockTimer
	rep   *Repairer
}

func newHarness(t *testing.T) *harness {
	pipe := &testPipe{t: t}
	factory := &mockTimerFactory{pipe: pipe}
	// Head slot plus a full body plus the overflowing arrival.
	pool := frame.NewPool(testMaxFrames+2, 8)
	rep := New(testMaxFrames, &pipeRequester{pipe: pipe}, &pipeSink{pipe: pipe}, factory)
	return &harness{pipe: pipe, pool: pool, timer: factory.timer, rep: rep}
}

// audio feeds one frame whose payload is the decimal rendering of its
// number, mirroring how the scenarios are written.
func (h *harness) audio(n serial.Number, resend bool) error {
	return h.rep.OutputAudio(h.pool.Allocate(n, resend, []byte(fmt.Sprintf("%d", n))))
}

func (h *harness) expectAudio(n serial.Number) {
	s := fmt.Sprintf("%d", n)
	h.pipe.expect(fmt.Sprintf("audio %d %s", len(s), s))
}

func (h *harness) mustAudio(n serial.Number, resend bool) {
	h.pipe.t.Helper()
	if err := h.audio(n, resend); err != nil {
		h.pipe.t.Fatalf("OutputAudio(%d) error: %v", n, err)
	}
}

func (h *harness) expectPoolFull() {
	h.pipe.t.Helper()
	if free := h.pool.Free(); free != h.pool.Capacity() {
		h.pipe.t.Errorf("pool free = %d, want %d (frame leaked or double-destroyed)", free, h.pool.Capacity())
	}
}

func TestNoDropouts(t *testing.T) {
	h := newHarness(t)
	for n := serial.Number(0); n < 3; n++ {
		h.mustAudio(n, false)
		h.expectAudio(n)
	}
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestResendOnePacket(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	// Miss a packet; retry logic arms the timer.
	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	// Resend fills the gap; the buffered frame drains behind it.
	h.mustAudio(1, true)
	h.expectAudio(1)
	h.expectAudio(2)

	h.mustAudio(3, false)
	h.expectAudio(3)

	// Timer fires with nothing missing: no request, no rearm.
	h.timer.Fire()
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestResendMultiplePackets(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(3, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->2")
	h.pipe.expect("timer arm")

	h.mustAudio(1, true)
	h.expectAudio(1)
	h.mustAudio(2, true)
	h.expectAudio(2)
	h.expectAudio(3)

	h.mustAudio(4, false)
	h.expectAudio(4)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestResendMultipleRanges(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	// Contiguous pair after a gap, then another gap.
	h.mustAudio(3, false)
	h.pipe.expect("timer arm")
	h.mustAudio(4, false)
	h.mustAudio(6, false)

	h.timer.Fire()
	h.pipe.expect("request 1->2 5->5")
	h.pipe.expect("timer arm")

	h.mustAudio(1, true)
	h.expectAudio(1)
	h.mustAudio(2, true)
	h.expectAudio(2)
	h.expectAudio(3)
	h.expectAudio(4)

	h.mustAudio(5, false)
	h.expectAudio(5)
	h.expectAudio(6)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestResendBeyondRangeLimit(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")
	h.mustAudio(4, false)
	// A third hole exceeds the per-sweep cap of maxFrames/2 ranges, so
	// frame 5 is left for a later sweep.
	h.mustAudio(6, false)

	h.timer.Fire()
	h.pipe.expect("request 1->1 3->3")
	h.pipe.expect("timer arm")

	h.mustAudio(1, true)
	h.expectAudio(1)
	h.expectAudio(2)
	h.mustAudio(3, true)
	h.expectAudio(3)
	h.expectAudio(4)

	h.timer.Fire()
	h.pipe.expect("request 5->5")
	h.pipe.expect("timer arm")

	h.mustAudio(5, true)
	h.expectAudio(5)
	h.expectAudio(6)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestMultipleResendRecover(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(3, false)
	h.pipe.expect("timer arm")
	h.mustAudio(5, false)

	h.timer.Fire()
	h.pipe.expect("request 1->2 4->4")
	h.pipe.expect("timer arm")

	// Only the first missing frame arrives.
	h.mustAudio(1, true)
	h.expectAudio(1)

	h.mustAudio(6, false)

	// Ranges are recomputed on every sweep.
	h.timer.Fire()
	h.pipe.expect("request 2->2 4->4")
	h.pipe.expect("timer arm")

	h.mustAudio(2, true)
	h.expectAudio(2)
	h.expectAudio(3)

	h.mustAudio(7, false)

	h.mustAudio(4, true)
	h.expectAudio(4)
	h.expectAudio(5)
	h.expectAudio(6)
	h.expectAudio(7)

	// Nothing missing any more.
	h.timer.Fire()
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestResendRequestRepeated(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	h.mustAudio(3, false)

	// Unanswered request goes out again on the next sweep.
	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	h.mustAudio(1, true)
	h.expectAudio(1)
	h.expectAudio(2)
	h.expectAudio(3)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestBufferOverflowHead(t *testing.T) {
	// A resend earlier than the current head would push the head into
	// an already-full body.
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(3, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->2")
	h.pipe.expect("timer arm")

	for n := serial.Number(4); n <= 8; n++ {
		h.mustAudio(n, false)
	}

	if err := h.audio(2, true); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("OutputAudio(2) error = %v, want ErrBufferFull", err)
	}
	h.pipe.expect("timer cancel")
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestBufferOverflowMiddle(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	h.mustAudio(4, false)

	h.timer.Fire()
	h.pipe.expect("request 1->1 3->3")
	h.pipe.expect("timer arm")

	for n := serial.Number(5); n <= 8; n++ {
		h.mustAudio(n, false)
	}

	if err := h.audio(3, true); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("OutputAudio(3) error = %v, want ErrBufferFull", err)
	}
	h.pipe.expect("timer cancel")
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestBufferOverflowTailAndRecover(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	for n := serial.Number(3); n <= 7; n++ {
		h.mustAudio(n, false)
	}

	if err := h.audio(8, false); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("OutputAudio(8) error = %v, want ErrBufferFull", err)
	}
	h.pipe.expect("timer cancel")
	h.pipe.expectEmpty()
	h.expectPoolFull()

	// The purge resets the stream position: the next frame starts a
	// fresh run and is emitted immediately.
	h.mustAudio(9, false)
	h.expectAudio(9)
	h.mustAudio(10, false)
	h.expectAudio(10)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestResendPacketsOutOfOrder(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	h.mustAudio(4, false)

	h.timer.Fire()
	h.pipe.expect("request 1->1 3->3")
	h.pipe.expect("timer arm")

	// The later missing frame arrives first: buffered, no output.
	h.mustAudio(3, true)
	h.pipe.expectEmpty()

	h.mustAudio(1, true)
	h.expectAudio(1)
	h.expectAudio(2)
	h.expectAudio(3)
	h.expectAudio(4)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestDropPacketWhileAwaitingResend(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	h.mustAudio(3, false)
	h.mustAudio(4, false)
	// A second dropout opens inside the repair buffer.
	h.mustAudio(6, false)
	h.pipe.expectEmpty()

	h.mustAudio(1, true)
	h.expectAudio(1)
	h.expectAudio(2)
	h.expectAudio(3)
	h.expectAudio(4)

	h.mustAudio(7, false)

	h.timer.Fire()
	h.pipe.expect("request 5->5")
	h.pipe.expect("timer arm")

	h.mustAudio(5, true)
	h.expectAudio(5)
	h.expectAudio(6)
	h.expectAudio(7)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestDuplicateResendDiscarded(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	h.mustAudio(4, false)

	h.timer.Fire()
	h.pipe.expect("request 1->1 3->3")
	h.pipe.expect("timer arm")

	// A second, identical sweep goes unanswered too.
	h.timer.Fire()
	h.pipe.expect("request 1->1 3->3")
	h.pipe.expect("timer arm")

	// The answer to the first request arrives late.
	h.mustAudio(3, true)
	h.pipe.expectEmpty()
	h.mustAudio(1, true)
	h.expectAudio(1)
	h.expectAudio(2)
	h.expectAudio(3)
	h.expectAudio(4)

	// Duplicate answer to the second request: discarded silently.
	h.mustAudio(3, true)
	h.pipe.expectEmpty()

	h.mustAudio(5, false)
	h.expectAudio(5)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestStreamReset(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)
	h.mustAudio(1, false)
	h.expectAudio(1)

	// A number already seen, not flagged as a resend: restart.
	if err := h.audio(0, false); !errors.Is(err, ErrStreamRestarted) {
		t.Fatalf("OutputAudio(0) error = %v, want ErrStreamRestarted", err)
	}
	h.pipe.expectEmpty()
	h.expectPoolFull()

	// State cleared; the new stream runs from wherever it starts.
	h.mustAudio(1, false)
	h.expectAudio(1)
	h.mustAudio(2, false)
	h.expectAudio(2)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestStreamResetResendPending(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	if err := h.audio(0, false); !errors.Is(err, ErrStreamRestarted) {
		t.Fatalf("OutputAudio(0) error = %v, want ErrStreamRestarted", err)
	}
	h.pipe.expect("timer cancel")
	h.pipe.expectEmpty()
	h.expectPoolFull()

	h.mustAudio(1, false)
	h.expectAudio(1)
	h.mustAudio(2, false)
	h.expectAudio(2)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestStaleResendAfterRun(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)
	h.mustAudio(1, false)
	h.expectAudio(1)

	// Resend for an already-emitted number changes nothing.
	h.mustAudio(1, true)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestDropAudio(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(0, false)
	h.expectAudio(0)

	h.mustAudio(2, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 1->1")
	h.pipe.expect("timer arm")

	h.rep.DropAudio()
	h.pipe.expect("timer cancel")
	h.pipe.expectEmpty()
	h.expectPoolFull()

	// Emission position survives a drop: the contiguous successor
	// still flows straight through.
	h.mustAudio(1, false)
	h.expectAudio(1)
	h.pipe.expectEmpty()
}

func TestSequenceNumberWrapping(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(65535, false)
	h.expectAudio(65535)
	h.mustAudio(0, false)
	h.expectAudio(0)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}

func TestSequenceNumberWrappingDuringRepair(t *testing.T) {
	h := newHarness(t)
	h.mustAudio(65533, false)
	h.expectAudio(65533)

	h.mustAudio(65535, false)
	h.pipe.expect("timer arm")

	h.timer.Fire()
	h.pipe.expect("request 65534->65534")
	h.pipe.expect("timer arm")

	// Wraps the sequence while the repair is outstanding; serially
	// after the head, so it joins the body.
	h.mustAudio(0, false)

	h.mustAudio(65534, false)
	h.expectAudio(65534)
	h.expectAudio(65535)
	h.expectAudio(0)
	h.pipe.expectEmpty()
	h.expectPoolFull()
}
