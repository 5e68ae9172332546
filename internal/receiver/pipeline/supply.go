// Package pipeline defines the narrow interface between the reception
// core and the downstream media pipeline, plus the adaptor that turns
// ordered repair output into pipeline events.
package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Invalid identity tokens. Stream and flush ids are allocated
// monotonically from 1; zero always means "no such stream/flush".
const (
	StreamIDInvalid uint32 = 0
	FlushIDInvalid  uint32 = 0
)

// StreamInfo describes the session's single output stream.
type StreamInfo struct {
	URI        string
	TotalBytes uint64
	Offset     uint64
	Seekable   bool
	Live       bool
	StreamID   uint32
}

// Supply receives the ordered sequence of pipeline events produced by a
// reception session. All calls arrive on the session's reader thread.
type Supply interface {
	OutputStream(info StreamInfo)
	OutputData(payload []byte)
	OutputMetadata(text string)
	OutputWait()
	OutputFlush(flushID uint32)
	OutputHalt()
}

// PlayResponse is the pipeline's answer to "may this stream emit yet".
type PlayResponse int

const (
	// PlayYes permits emission.
	PlayYes PlayResponse = iota
	// PlayLater buffers emission until the stream is promoted.
	PlayLater
	// PlayNo discards emission for this stream.
	PlayNo
)

func (r PlayResponse) String() string {
	switch r {
	case PlayYes:
		return "yes"
	case PlayLater:
		return "later"
	case PlayNo:
		return "no"
	}
	return "invalid"
}

// Gate is consulted before emitting audio for live sessions.
type Gate interface {
	OkToPlay(streamID uint32) PlayResponse
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(streamID uint32) PlayResponse

// OkToPlay implements Gate.
func (f GateFunc) OkToPlay(streamID uint32) PlayResponse { return f(streamID) }

// AlwaysPlay is the gate used when no pipeline arbitration exists.
var AlwaysPlay Gate = GateFunc(func(uint32) PlayResponse { return PlayYes })

// Drainer lets the session wait for the downstream pipeline to empty
// before rejoining a sender (back-pressure on loop restarts).
type Drainer interface {
	WaitEmpty()
}

// NoopDrainer never blocks.
type NoopDrainer struct{}

// WaitEmpty implements Drainer.
func (NoopDrainer) WaitEmpty() {}

// IDProvider allocates monotonically increasing stream and flush ids.
// Safe for concurrent use.
type IDProvider struct {
	stream atomic.Uint32
	flush  atomic.Uint32
}

// NextStreamID returns a fresh stream identity.
func (p *IDProvider) NextStreamID() uint32 { return p.stream.Add(1) }

// NextFlushID returns a fresh flush identity.
func (p *IDProvider) NextFlushID() uint32 { return p.flush.Add(1) }

// Adaptor bridges the Repairer's ordered output to a Supply, gating
// emission for live sessions. It implements repair.AudioSink.
type Adaptor struct {
	supply Supply
	gate   Gate

	mu       sync.Mutex
	streamID uint32
	live     bool
	pending  [][]byte
}

// NewAdaptor creates an adaptor over the given supply and gate. A nil
// gate admits everything.
func NewAdaptor(supply Supply, gate Gate) *Adaptor {
	if gate == nil {
		gate = AlwaysPlay
	}
	return &Adaptor{supply: supply, gate: gate}
}

// BeginStream announces the session's stream downstream. Called once
// per session, before any audio.
func (a *Adaptor) BeginStream(info StreamInfo) {
	a.mu.Lock()
	a.streamID = info.StreamID
	a.live = info.Live
	a.pending = nil
	a.mu.Unlock()
	a.supply.OutputStream(info)
}

// OutputAudio forwards one emitted frame's payload, consulting the gate
// for live streams. "Later" buffers the payload until the stream is
// promoted; "No" discards it along with anything buffered.
func (a *Adaptor) OutputAudio(payload []byte) {
	a.mu.Lock()
	if !a.live {
		a.mu.Unlock()
		a.supply.OutputData(payload)
		return
	}
	switch a.gate.OkToPlay(a.streamID) {
	case PlayYes:
		pending := a.pending
		a.pending = nil
		a.mu.Unlock()
		for _, p := range pending {
			a.supply.OutputData(p)
		}
		a.supply.OutputData(payload)
	case PlayLater:
		buf := make([]byte, len(payload))
		copy(buf, payload)
		a.pending = append(a.pending, buf)
		a.mu.Unlock()
	case PlayNo:
		a.pending = nil
		a.mu.Unlock()
	}
}

// OutputMetadata forwards track/metatext metadata.
func (a *Adaptor) OutputMetadata(text string) {
	a.supply.OutputMetadata(text)
}

// OutputWait signals that a join completed against a paused sender.
func (a *Adaptor) OutputWait() {
	a.supply.OutputWait()
}

// OutputFlush reconciles an honoured stop or seek request.
func (a *Adaptor) OutputFlush(flushID uint32) {
	a.supply.OutputFlush(flushID)
}

// OutputHalt marks the end of the session.
func (a *Adaptor) OutputHalt() {
	a.supply.OutputHalt()
}

// StreamID returns the identity of the current stream, or
// StreamIDInvalid before BeginStream.
func (a *Adaptor) StreamID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamID
}

// LogSupply logs every event at debug level and forwards data payloads
// nowhere. Useful in development wiring.
type LogSupply struct {
	Logger *slog.Logger
}

func (s *LogSupply) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *LogSupply) OutputStream(info StreamInfo) {
	s.logger().Debug("[Supply] Stream", "uri", info.URI, "stream_id", info.StreamID, "live", info.Live)
}

func (s *LogSupply) OutputData(payload []byte) {
	s.logger().Debug("[Supply] Data", "bytes", len(payload))
}

func (s *LogSupply) OutputMetadata(text string) {
	s.logger().Debug("[Supply] Metadata", "bytes", len(text))
}

func (s *LogSupply) OutputWait() { s.logger().Debug("[Supply] Wait") }

func (s *LogSupply) OutputFlush(flushID uint32) {
	s.logger().Debug("[Supply] Flush", "flush_id", flushID)
}

func (s *LogSupply) OutputHalt() { s.logger().Debug("[Supply] Halt") }
