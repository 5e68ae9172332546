// Package raop adapts an AirPlay (RAOP) audio session to the repair
// layer. RAOP delivers audio as RTP over UDP; retransmissions travel on
// the control port wrapped in a retransmit header. Session negotiation
// (RTSP, key exchange) happens elsewhere; this package starts at the
// first numbered frame.
package raop

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/pion/rtp"

	"github.com/sebas/songcast/internal/receiver/frame"
	"github.com/sebas/songcast/internal/receiver/repair"
	"github.com/sebas/songcast/internal/receiver/serial"
)

// RTP payload types used by RAOP.
const (
	payloadTypeAudio      = 0x60 // realtime audio on the data port
	payloadTypeRetransmit = 0x56 // retransmitted audio on the control port
	payloadTypeResendReq  = 0x55 // retransmit request, receiver to sender

	// A retransmit response prefixes the original audio packet with a
	// four-byte header carrying its own sequence number.
	retransmitHeaderBytes = 4
)

// Ingest converts RAOP datagrams into repair frames.
type Ingest struct {
	pool     *frame.Pool
	repairer *repair.Repairer
	logger   *slog.Logger
}

// NewIngest creates an ingest front-end over the given pool and
// repairer.
func NewIngest(pool *frame.Pool, repairer *repair.Repairer) *Ingest {
	return &Ingest{pool: pool, repairer: repairer, logger: slog.Default()}
}

// HandleAudio processes one datagram from the audio port.
func (i *Ingest) HandleAudio(b []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return fmt.Errorf("raop: audio packet: %w", err)
	}
	if pkt.PayloadType != payloadTypeAudio {
		i.logger.Debug("[RAOP] Ignoring audio-port packet", "payload_type", pkt.PayloadType)
		return nil
	}
	return i.ingest(&pkt, false)
}

// HandleControl processes one datagram from the control port,
// unwrapping retransmit responses. Other control traffic (sync, etc.)
// is ignored here.
func (i *Ingest) HandleControl(b []byte) error {
	if len(b) < retransmitHeaderBytes {
		return fmt.Errorf("raop: control packet: %d bytes", len(b))
	}
	if b[1]&0x7f != payloadTypeRetransmit {
		return nil
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b[retransmitHeaderBytes:]); err != nil {
		return fmt.Errorf("raop: retransmit packet: %w", err)
	}
	return i.ingest(&pkt, true)
}

func (i *Ingest) ingest(pkt *rtp.Packet, resend bool) error {
	f := i.pool.Allocate(serial.Number(pkt.SequenceNumber), resend, pkt.Payload)
	return i.repairer.OutputAudio(f)
}

// Sender is the transmit half of the transport the requester needs.
type Sender interface {
	Send(b []byte, ep netip.AddrPort) error
}

// ResendRequester asks the RAOP sender to retransmit missing frames
// over the control port. It implements repair.Requester: each range
// becomes one 8-byte request packet, all sent in one call.
type ResendRequester struct {
	sender  Sender
	control netip.AddrPort
	logger  *slog.Logger

	mu  sync.Mutex
	seq uint16
}

// NewResendRequester creates a requester targeting the sender's control
// endpoint.
func NewResendRequester(sender Sender, control netip.AddrPort) *ResendRequester {
	return &ResendRequester{sender: sender, control: control, logger: slog.Default()}
}

// RequestResendRanges implements repair.Requester. Best-effort: a send
// failure is logged and the repair timer retries on its next sweep.
func (r *ResendRequester) RequestResendRanges(ranges []repair.Range) {
	for _, rg := range ranges {
		if err := r.sender.Send(r.packet(rg), r.control); err != nil {
			r.logger.Warn("[RAOP] Failed to send resend request", "range", rg.String(), "error", err)
		}
	}
}

// packet builds one retransmit request: version/marker octet, payload
// type with marker bit, request sequence, then first missed frame and
// count, all big-endian.
func (r *ResendRequester) packet(rg repair.Range) []byte {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	count := uint16(rg.Count())
	return []byte{
		0x80,
		payloadTypeResendReq | 0x80,
		byte(seq >> 8), byte(seq),
		byte(rg.Start >> 8), byte(rg.Start),
		byte(count >> 8), byte(count),
	}
}
