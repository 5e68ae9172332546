package repair

import (
	"fmt"

	"github.com/sebas/songcast/internal/receiver/serial"
)

// Range is an inclusive span of missing frame numbers. Start orders
// before or equals End in serial arithmetic and the span is always
// narrower than half the sequence space.
type Range struct {
	Start serial.Number
	End   serial.Number
}

// Count returns the number of frames covered by the range.
func (r Range) Count() int {
	return int(serial.Distance(r.Start, r.End)) + 1
}

func (r Range) String() string {
	return fmt.Sprintf("%d->%d", r.Start, r.End)
}

// Requester dispatches one logical resend request carrying every range.
// Input arrives pre-coalesced in ascending serial order; implementations
// perform no further merging. Requests are best-effort: transmission
// failures are logged by the implementation and the repair timer will
// re-invoke on the next sweep.
type Requester interface {
	RequestResendRanges(ranges []Range)
}

// AudioSink receives ordered, gap-free audio payloads from the Repairer.
// The payload slice is only valid for the duration of the call.
type AudioSink interface {
	OutputAudio(payload []byte)
}
