// Package session implements the OHU receiver protocol: the
// join/listen/leave state machine that consumes a unicast Songcast
// sender, feeds its audio through the repair layer and relays frames
// to listed slave receivers.
package session

import (
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/songcast/internal/events"
	"github.com/sebas/songcast/internal/receiver/frame"
	"github.com/sebas/songcast/internal/receiver/ohm"
	"github.com/sebas/songcast/internal/receiver/pipeline"
	"github.com/sebas/songcast/internal/receiver/repair"
	"github.com/sebas/songcast/internal/receiver/transport"
)

// ErrDiscontinuity means the sender signalled a halt inside the audio
// stream. The session loop restarts and rejoins.
var ErrDiscontinuity = errors.New("session: sender halted")

// Result is the outcome of a Play call.
type Result int

const (
	// ResultStopped means playback ended because of a stop request.
	ResultStopped Result = iota
	// ResultUnrecoverable means the session could not keep a socket
	// open and gave up.
	ResultUnrecoverable
)

func (r Result) String() string {
	switch r {
	case ResultStopped:
		return "stopped"
	case ResultUnrecoverable:
		return "unrecoverable"
	}
	return "invalid"
}

// Protocol timing. Join is re-sent until the handshake completes; the
// listen timer keeps the sender aware of us between audio frames; the
// leave timer bounds how long a stop waits for the reader to notice.
const (
	joinInterval   = 300 * time.Millisecond
	listenTimeout  = 10 * time.Second
	leaveTimeout   = 50 * time.Millisecond
	restartBackoff = 50 * time.Millisecond
)

// Socket is the transport contract the session drives. Implemented by
// transport.Socket; tests substitute an in-memory fake.
type Socket interface {
	OpenUnicast(ttl int) error
	Send(b []byte, ep netip.AddrPort) error
	Recv(buf []byte) (int, error)
	Interrupt(on bool)
	Close() error
}

// Config carries the two options visible at this layer plus the repair
// buffer sizing.
type Config struct {
	// TTL for outgoing datagrams, 1-255. Typically 1 for LAN-local.
	TTL int
	// PayloadMax bounds a single audio frame's payload bytes.
	PayloadMax int
	// RepairFrames is the reorder buffer capacity N.
	RepairFrames int
	// Mode names this protocol in starvation notifications.
	Mode string
}

// DefaultConfig returns the production values: TTL 1, 6 KiB payloads,
// a 100-frame repair buffer.
func DefaultConfig() Config {
	return Config{
		TTL:          1,
		PayloadMax:   6 * 1024,
		RepairFrames: 100,
		Mode:         "ohu",
	}
}

// Options carries the optional collaborators of an OHU session.
type Options struct {
	Timestamper Timestamper
	Drainer     pipeline.Drainer
	Events      events.Publisher
	Factory     *events.Factory
	Logger      *slog.Logger
}

// OHU runs the unicast receiver session. One reader thread executes
// Play; TryStop, Interrupt and NotifyStarving may be called from any
// thread and communicate with the reader through the leave mutex and
// the socket interrupt.
type OHU struct {
	cfg     Config
	socket  Socket
	supply  *pipeline.Adaptor
	ids     *pipeline.IDProvider
	tstamp  Timestamper
	drainer pipeline.Drainer
	evts    events.Publisher
	factory *events.Factory
	logger  *slog.Logger

	joinTimer   repair.Timer
	listenTimer repair.Timer
	leaveTimer  repair.Timer

	pool     *frame.Pool
	repairer *repair.Repairer

	endpoint netip.AddrPort
	slaves   slaveTable

	// transportMu guards the stream identity against concurrent
	// TryStop/TrySeek; leaveMu guards the stop flags and flush id.
	transportMu sync.Mutex
	streamID    uint32

	leaveMu     sync.Mutex
	leaving     bool
	stopped     bool
	starving    bool
	nextFlushID uint32

	sessionID  string
	resendSeen int
}

// NewOHU wires a session over the given socket and supply adaptor.
// The timer factory is injectable so tests can fire timers by hand.
func NewOHU(cfg Config, socket Socket, supply *pipeline.Adaptor, ids *pipeline.IDProvider, timers repair.TimerFactory, opts Options) *OHU {
	if opts.Drainer == nil {
		opts.Drainer = pipeline.NoopDrainer{}
	}
	if opts.Events == nil {
		opts.Events = events.NewNoopPublisher()
	}
	if opts.Factory == nil {
		opts.Factory = events.NewFactory(cfg.Mode)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &OHU{
		cfg:     cfg,
		socket:  socket,
		supply:  supply,
		ids:     ids,
		tstamp:  opts.Timestamper,
		drainer: opts.Drainer,
		evts:    opts.Events,
		factory: opts.Factory,
		logger:  opts.Logger,
	}
	s.joinTimer = timers.CreateTimer(s.joinExpired, "OhuJoin")
	s.listenTimer = timers.CreateTimer(s.listenExpired, "OhuListen")
	s.leaveTimer = timers.CreateTimer(s.leaveExpired, "OhuLeave")

	// The repair buffer caps demand at RepairFrames+2 carriers: head
	// slot, full body and the overflowing arrival.
	s.pool = frame.NewPool(cfg.RepairFrames+2, cfg.PayloadMax)
	s.repairer = repair.New(cfg.RepairFrames, ohuRequester{s}, supply, timers)
	return s
}

// Play runs the session loop against the sender at endpoint until a
// stop request or an unrecoverable socket failure. It must be called
// from a single reader thread.
func (s *OHU) Play(endpoint netip.AddrPort) Result {
	s.logger.Info("[OHU] Play", "endpoint", endpoint.String(), "ttl", s.cfg.TTL)
	if !endpoint.IsValid() || endpoint.Addr().IsUnspecified() {
		return ResultStopped
	}
	s.endpoint = endpoint
	s.sessionID = uuid.New().String()

	s.leaveMu.Lock()
	s.leaving = false
	s.stopped = false
	s.nextFlushID = pipeline.FlushIDInvalid
	s.leaveMu.Unlock()
	s.slaves.Clear()
	s.resendSeen = 0

	result := ResultUnrecoverable
	firstJoin := true
	restart := false
	buf := make([]byte, s.cfg.PayloadMax+64)

	for {
		if restart {
			// Ensure a Join/Listen doesn't go out after a Leave.
			s.joinTimer.Cancel()
			s.listenTimer.Cancel()
			s.sendLeave()
			time.Sleep(restartBackoff)
		}
		restart = true
		s.drainer.WaitEmpty()

		s.leaveMu.Lock()
		if s.starving && !s.stopped {
			s.starving = false
			s.socket.Interrupt(false)
		}
		s.leaveMu.Unlock()

		s.transportMu.Lock()
		s.socket.Close()
		err := s.socket.OpenUnicast(s.cfg.TTL)
		s.transportMu.Unlock()
		if err != nil {
			s.logger.Error("[OHU] Failed to open unicast socket", "error", err)
			break
		}

		if s.tstamp != nil {
			s.tstamp.Stop()
			s.tstamp.Start(endpoint)
		}

		err = s.run(&firstJoin, buf)
		s.logSessionError(err)

		s.leaveMu.Lock()
		stopped := s.stopped
		s.leaveMu.Unlock()
		if stopped {
			result = ResultStopped
			break
		}
	}

	if s.tstamp != nil {
		s.tstamp.Stop()
	}
	// Cancel any interrupt so the final Leave can go out, and make
	// sure no timer resurrects a Join or Listen behind it.
	s.socket.Interrupt(false)
	s.joinTimer.Cancel()
	s.listenTimer.Cancel()
	s.leaveTimer.Cancel()

	s.leaveMu.Lock()
	if s.leaving {
		s.leaving = false
		s.sendLeave()
	}
	s.leaveMu.Unlock()

	s.socket.Close()
	s.repairer.DropAudio()

	s.transportMu.Lock()
	s.streamID = pipeline.StreamIDInvalid
	s.transportMu.Unlock()

	s.leaveMu.Lock()
	flushID := s.nextFlushID
	s.nextFlushID = pipeline.FlushIDInvalid
	s.leaveMu.Unlock()
	if flushID != pipeline.FlushIDInvalid {
		s.supply.OutputFlush(flushID)
	}
	s.supply.OutputHalt()

	s.evts.PublishAsync(s.factory.New(events.SessionLeft, s.sessionID).WithEndpoint(endpoint.String()))
	s.logger.Info("[OHU] Session ended", "session_id", s.sessionID, "result", result, "resend_seen", s.resendSeen)
	return result
}

// run executes one join/listen cycle and returns the error that ended it.
func (s *OHU) run(firstJoin *bool, buf []byte) error {
	s.sendJoin()

	// Phase 1: re-send Join periodically until both a Track and a
	// Metatext have been observed.
	receivedTrack := false
	receivedMetatext := false
	for !(receivedTrack && receivedMetatext) {
		n, err := s.socket.Recv(buf)
		if err != nil {
			return err
		}
		typ, body, err := ohm.Parse(buf[:n])
		if err != nil {
			s.logger.Warn("[OHU] Bad frame while joining", "error", err)
			continue
		}
		switch typ {
		case ohm.MsgJoin, ohm.MsgListen, ohm.MsgLeave:
		case ohm.MsgAudio:
			// Ignore audio while joining - it might predate the wait
			// for the pipeline to empty. Timestamps are still drained
			// so the timestamper doesn't fill with stale values.
			a, err := ohm.ParseAudio(body)
			if err != nil {
				s.logger.Warn("[OHU] Bad audio frame while joining", "error", err)
				continue
			}
			if s.tstamp != nil {
				s.tstamp.Record(a.Frame)
			}
		case ohm.MsgTrack:
			s.logger.Info("[OHU] Joining, received track")
			s.handleTrack(buf[:n], body)
			receivedTrack = true
		case ohm.MsgMetatext:
			s.logger.Info("[OHU] Joining, received metatext")
			s.handleMetatext(buf[:n], body)
			receivedMetatext = true
		case ohm.MsgSlave:
			s.handleSlave(body)
		case ohm.MsgResend:
			s.resendSeen++
		}
	}

	s.joinTimer.Cancel()
	s.logger.Info("[OHU] Joined", "session_id", s.sessionID)
	s.evts.PublishAsync(s.factory.New(events.SessionJoined, s.sessionID).WithEndpoint(s.endpoint.String()))

	if *firstJoin {
		streamID := s.ids.NextStreamID()
		s.transportMu.Lock()
		s.streamID = streamID
		s.transportMu.Unlock()
		s.supply.BeginStream(pipeline.StreamInfo{
			URI:      "ohu://" + s.endpoint.String(),
			Live:     true,
			StreamID: streamID,
		})
		// Cover the case of a sender that is currently paused.
		// Subsequent cycles are prompted by starvation and should let
		// the pipeline go buffering instead.
		s.supply.OutputWait()
		*firstJoin = false
	}

	// Phase 2: listen until an error, a halt or a stop.
	s.listenTimer.FireIn(listenPrimary())
	s.evts.PublishAsync(s.factory.New(events.SessionListening, s.sessionID).WithStream(s.StreamID()))
	for {
		n, err := s.socket.Recv(buf)
		if err != nil {
			return err
		}
		typ, body, err := ohm.Parse(buf[:n])
		if err != nil {
			s.logger.Warn("[OHU] Bad frame while playing", "error", err)
			continue
		}
		switch typ {
		case ohm.MsgJoin, ohm.MsgLeave:
		case ohm.MsgListen:
			s.listenTimer.FireIn(listenSecondary())
		case ohm.MsgAudio:
			if err := s.handleAudio(buf[:n], body); err != nil {
				return err
			}
		case ohm.MsgTrack:
			s.handleTrack(buf[:n], body)
		case ohm.MsgMetatext:
			s.handleMetatext(buf[:n], body)
		case ohm.MsgSlave:
			s.handleSlave(body)
		case ohm.MsgResend:
			s.resendSeen++
		}
	}
}

// handleAudio relays the frame to slaves, then feeds the repair layer.
// While a leave is pending the frame also triggers the leave sequence,
// so a stop is honoured at the next audio rather than the leave timer.
func (s *OHU) handleAudio(datagram, body []byte) error {
	a, err := ohm.ParseAudio(body)
	if err != nil {
		s.logger.Warn("[OHU] Bad audio frame", "error", err)
		return nil
	}
	s.rebroadcast(datagram)
	if s.tstamp != nil {
		s.tstamp.Record(a.Frame)
	}
	if a.Halt {
		return ErrDiscontinuity
	}

	f := s.pool.Allocate(a.Frame, a.Resend, a.Payload)
	switch err := s.repairer.OutputAudio(f); {
	case errors.Is(err, repair.ErrBufferFull):
		s.logger.Warn("[OHU] Repair buffer overflow", "frame", a.Frame)
		s.evts.PublishAsync(s.factory.New(events.BufferOverflow, s.sessionID).WithStream(s.StreamID()))
	case errors.Is(err, repair.ErrStreamRestarted):
		s.logger.Warn("[OHU] Stream restarted", "frame", a.Frame)
		s.evts.PublishAsync(s.factory.New(events.StreamRestarted, s.sessionID).WithStream(s.StreamID()))
	}

	s.leaveMu.Lock()
	if s.leaving {
		s.leaveTimer.Cancel()
		// Ensure a Join/Listen doesn't go out after a Leave.
		s.joinTimer.Cancel()
		s.listenTimer.Cancel()
		s.sendLeave()
		s.socket.Interrupt(true)
	}
	s.leaveMu.Unlock()
	return nil
}

func (s *OHU) handleTrack(datagram, body []byte) {
	s.rebroadcast(datagram)
	track, err := ohm.ParseTrack(body)
	if err != nil {
		s.logger.Warn("[OHU] Bad track frame", "error", err)
		return
	}
	s.supply.OutputMetadata(string(track.Metadata))
	s.evts.PublishAsync(s.factory.New(events.TrackChanged, s.sessionID).WithDetail(string(track.URI)))
}

func (s *OHU) handleMetatext(datagram, body []byte) {
	s.rebroadcast(datagram)
	text, err := ohm.ParseMetatext(body)
	if err != nil {
		s.logger.Warn("[OHU] Bad metatext frame", "error", err)
		return
	}
	s.supply.OutputMetadata(string(text))
	s.evts.PublishAsync(s.factory.New(events.MetatextChanged, s.sessionID))
}

func (s *OHU) handleSlave(body []byte) {
	eps, err := ohm.ParseSlave(body)
	if err != nil {
		s.logger.Warn("[OHU] Bad slave frame", "error", err)
		return
	}
	s.slaves.Replace(eps, time.Now())
	s.logger.Debug("[OHU] Slave list replaced", "count", len(eps))
}

// rebroadcast sends a copy of the wire bytes to every live slave before
// the frame is processed locally. A failing slave does not block the
// others.
func (s *OHU) rebroadcast(datagram []byte) {
	eps := s.slaves.Active(time.Now())
	for _, ep := range eps {
		if err := s.socket.Send(datagram, ep); err != nil {
			s.logger.Error("[OHU] Rebroadcast failed", "slave", ep.String(), "error", err)
		}
	}
}

// TryStop requests an orderly leave if streamID names the active
// stream. Returns the flush id the session will emit on exit, or
// FlushIDInvalid if the stream is stale.
func (s *OHU) TryStop(streamID uint32) uint32 {
	s.logger.Info("[OHU] TryStop", "stream_id", streamID)
	s.transportMu.Lock()
	defer s.transportMu.Unlock()
	if streamID == pipeline.StreamIDInvalid || streamID != s.streamID {
		return pipeline.FlushIDInvalid
	}

	s.leaveMu.Lock()
	defer s.leaveMu.Unlock()
	if s.nextFlushID == pipeline.FlushIDInvalid {
		s.nextFlushID = s.ids.NextFlushID()
	}
	s.stopped = true
	s.leaving = true
	s.leaveTimer.FireIn(leaveTimeout)
	s.socket.Interrupt(true)
	return s.nextFlushID
}

// TrySeek always fails: a live OHU stream has no byte positions.
func (s *OHU) TrySeek(streamID uint32, offset uint64) uint32 {
	return pipeline.FlushIDInvalid
}

// Interrupt is the asynchronous cancel. Idempotent and safe from any
// thread; interrupting tears the session down as a stop.
func (s *OHU) Interrupt(on bool) {
	s.logger.Info("[OHU] Interrupt", "on", on)
	if on {
		s.leaveMu.Lock()
		s.stopped = true
		s.leaving = true
		s.leaveMu.Unlock()
	}
	s.socket.Interrupt(on)
}

// NotifyStarving ejects the reader when the pipeline reports starvation
// for the active stream, prompting a rejoin.
func (s *OHU) NotifyStarving(mode string, streamID uint32, starving bool) {
	if !starving || mode != s.cfg.Mode {
		return
	}
	s.transportMu.Lock()
	match := streamID != pipeline.StreamIDInvalid && streamID == s.streamID
	s.transportMu.Unlock()
	if !match {
		return
	}
	s.logger.Info("[OHU] Starving", "stream_id", streamID)
	s.leaveMu.Lock()
	s.starving = true
	s.leaveMu.Unlock()
	s.socket.Interrupt(true)
}

// StreamID returns the active stream identity, or StreamIDInvalid.
func (s *OHU) StreamID() uint32 {
	s.transportMu.Lock()
	defer s.transportMu.Unlock()
	return s.streamID
}

// sendJoin transmits a Join and schedules the next one.
func (s *OHU) sendJoin() {
	if err := s.socket.Send(ohm.EncodeJoin(), s.endpoint); err != nil {
		s.logger.Warn("[OHU] Failed to send join", "error", err)
	}
	s.joinTimer.FireIn(joinInterval)
}

func (s *OHU) sendListen() {
	if err := s.socket.Send(ohm.EncodeListen(), s.endpoint); err != nil {
		s.logger.Warn("[OHU] Failed to send listen", "error", err)
	}
}

func (s *OHU) sendLeave() {
	if err := s.socket.Send(ohm.EncodeLeave(), s.endpoint); err != nil {
		s.logger.Warn("[OHU] Failed to send leave", "error", err)
	}
}

func (s *OHU) joinExpired() {
	s.leaveMu.Lock()
	leaving := s.leaving
	s.leaveMu.Unlock()
	if leaving {
		return
	}
	s.sendJoin()
}

func (s *OHU) listenExpired() {
	s.leaveMu.Lock()
	leaving := s.leaving
	s.leaveMu.Unlock()
	if leaving {
		return
	}
	s.sendListen()
	s.listenTimer.FireIn(listenPrimary())
}

// leaveExpired fires when a stop was requested but no audio arrived to
// carry the leave sequence.
func (s *OHU) leaveExpired() {
	// Ensure a Join/Listen doesn't go out after a Leave.
	s.joinTimer.Cancel()
	s.listenTimer.Cancel()
	s.leaveMu.Lock()
	defer s.leaveMu.Unlock()
	if !s.leaving {
		return
	}
	s.leaving = false
	s.sendLeave()
	s.socket.Interrupt(true)
}

func (s *OHU) logSessionError(err error) {
	s.leaveMu.Lock()
	stopped, starving, leaving := s.stopped, s.starving, s.leaving
	s.leaveMu.Unlock()
	var netErr *transport.NetError
	switch {
	case errors.Is(err, transport.ErrInterrupted):
		s.logger.Info("[OHU] Reader interrupted", "stopped", stopped, "starving", starving, "leaving", leaving)
	case errors.Is(err, ErrDiscontinuity):
		s.logger.Warn("[OHU] Sender halted", "stopped", stopped, "starving", starving, "leaving", leaving)
	case errors.As(err, &netErr):
		s.logger.Warn("[OHU] Network error", "error", err, "stopped", stopped, "starving", starving, "leaving", leaving)
	default:
		s.logger.Warn("[OHU] Session error", "error", err)
	}
}

// listenPrimary is the initial listen schedule, (T/4)-rand(T/8).
func listenPrimary() time.Duration {
	return listenTimeout/4 - randDuration(listenTimeout/8)
}

// listenSecondary is the rearm applied on every Listen observed from
// the sender, (T/2)-rand(T/8).
func listenSecondary() time.Duration {
	return listenTimeout/2 - randDuration(listenTimeout/8)
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// ohuRequester turns the Repairer's missing ranges into a Resend frame
// sent back to the sender. Best-effort: failures are logged and the
// next sweep retries.
type ohuRequester struct {
	s *OHU
}

func (r ohuRequester) RequestResendRanges(ranges []repair.Range) {
	wire := make([]ohm.ResendRange, len(ranges))
	for i, rg := range ranges {
		wire[i] = ohm.ResendRange{Start: rg.Start, End: rg.End}
	}
	if err := r.s.socket.Send(ohm.EncodeResend(wire), r.s.endpoint); err != nil {
		r.s.logger.Warn("[OHU] Failed to send resend request", "error", err)
	}
}
