package session

import (
	"net/netip"

	"github.com/sebas/songcast/internal/receiver/serial"
)

// Timestamper attaches reception timestamps to audio frames for latency
// control elsewhere in the pipeline. The session starts it when a
// socket opens, records every audio frame it reads (including frames
// drained while joining, so stale values never accumulate), and stops
// it when the socket closes.
type Timestamper interface {
	Start(dst netip.AddrPort)
	Stop()
	Record(frame serial.Number)
}
