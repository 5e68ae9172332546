// Package ohm implements the OHM wire codec: the framed messages a
// Songcast sender and receiver exchange over UDP. Only the fields the
// reception core depends on are modelled; payloads the pipeline never
// reads pass through opaquely.
package ohm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/sebas/songcast/internal/receiver/serial"
)

// Type identifies an OHM message.
type Type uint8

// Message types. Sender and receiver share a versioned message set;
// anything else is rejected as a header error.
const (
	MsgJoin Type = iota
	MsgListen
	MsgLeave
	MsgAudio
	MsgTrack
	MsgMetatext
	MsgSlave
	MsgResend
)

func (t Type) String() string {
	switch t {
	case MsgJoin:
		return "join"
	case MsgListen:
		return "listen"
	case MsgLeave:
		return "leave"
	case MsgAudio:
		return "audio"
	case MsgTrack:
		return "track"
	case MsgMetatext:
		return "metatext"
	case MsgSlave:
		return "slave"
	case MsgResend:
		return "resend"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ErrHeader classifies any unparseable or unknown frame. Callers log
// and skip the datagram; malformed wire data never panics.
var ErrHeader = errors.New("ohm: invalid header")

const (
	signature   = "Ohm "
	version     = 1
	headerBytes = 8
)

// Audio flag bits.
const (
	flagHalt   = 0x01
	flagResend = 0x02
)

// Parse validates the signature, version and length of a datagram and
// returns its type and body.
func Parse(b []byte) (Type, []byte, error) {
	if len(b) < headerBytes {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrHeader, len(b))
	}
	if string(b[:4]) != signature {
		return 0, nil, fmt.Errorf("%w: bad signature", ErrHeader)
	}
	if b[4] != version {
		return 0, nil, fmt.Errorf("%w: version %d", ErrHeader, b[4])
	}
	t := Type(b[5])
	if t > MsgResend {
		return 0, nil, fmt.Errorf("%w: type %d", ErrHeader, b[5])
	}
	total := int(binary.BigEndian.Uint16(b[6:8]))
	if total != len(b) {
		return 0, nil, fmt.Errorf("%w: length %d in %d-byte frame", ErrHeader, total, len(b))
	}
	return t, b[headerBytes:], nil
}

func encode(t Type, body []byte) []byte {
	b := make([]byte, headerBytes+len(body))
	copy(b, signature)
	b[4] = version
	b[5] = byte(t)
	binary.BigEndian.PutUint16(b[6:8], uint16(headerBytes+len(body)))
	copy(b[headerBytes:], body)
	return b
}

// EncodeJoin builds a Join frame.
func EncodeJoin() []byte { return encode(MsgJoin, nil) }

// EncodeListen builds a Listen frame.
func EncodeListen() []byte { return encode(MsgListen, nil) }

// EncodeLeave builds a Leave frame.
func EncodeLeave() []byte { return encode(MsgLeave, nil) }

// Audio is a numbered audio frame. Halt marks the sender's last frame
// before silence; Resend marks a retransmission.
type Audio struct {
	Halt    bool
	Resend  bool
	Frame   serial.Number
	Payload []byte
}

// ParseAudio decodes an Audio body. The returned payload aliases the
// input buffer.
func ParseAudio(body []byte) (Audio, error) {
	if len(body) < 3 {
		return Audio{}, fmt.Errorf("%w: audio body %d bytes", ErrHeader, len(body))
	}
	return Audio{
		Halt:    body[0]&flagHalt != 0,
		Resend:  body[0]&flagResend != 0,
		Frame:   serial.Number(binary.BigEndian.Uint16(body[1:3])),
		Payload: body[3:],
	}, nil
}

// EncodeAudio builds an Audio frame.
func EncodeAudio(a Audio) []byte {
	body := make([]byte, 3+len(a.Payload))
	if a.Halt {
		body[0] |= flagHalt
	}
	if a.Resend {
		body[0] |= flagResend
	}
	binary.BigEndian.PutUint16(body[1:3], uint16(a.Frame))
	copy(body[3:], a.Payload)
	return encode(MsgAudio, body)
}

// Track carries the sender's current track URI and didl metadata.
type Track struct {
	URI      []byte
	Metadata []byte
}

// ParseTrack decodes a Track body.
func ParseTrack(body []byte) (Track, error) {
	if len(body) < 2 {
		return Track{}, fmt.Errorf("%w: track body %d bytes", ErrHeader, len(body))
	}
	uriLen := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+uriLen+2 {
		return Track{}, fmt.Errorf("%w: track uri length %d", ErrHeader, uriLen)
	}
	uri := body[2 : 2+uriLen]
	rest := body[2+uriLen:]
	metaLen := int(binary.BigEndian.Uint16(rest[:2]))
	if len(rest) != 2+metaLen {
		return Track{}, fmt.Errorf("%w: track metadata length %d", ErrHeader, metaLen)
	}
	return Track{URI: uri, Metadata: rest[2:]}, nil
}

// EncodeTrack builds a Track frame.
func EncodeTrack(t Track) []byte {
	body := make([]byte, 0, 4+len(t.URI)+len(t.Metadata))
	body = binary.BigEndian.AppendUint16(body, uint16(len(t.URI)))
	body = append(body, t.URI...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(t.Metadata)))
	body = append(body, t.Metadata...)
	return encode(MsgTrack, body)
}

// ParseMetatext decodes a Metatext body, returning the UTF-8 text.
func ParseMetatext(body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: metatext body %d bytes", ErrHeader, len(body))
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) != 2+n {
		return nil, fmt.Errorf("%w: metatext length %d", ErrHeader, n)
	}
	return body[2:], nil
}

// EncodeMetatext builds a Metatext frame.
func EncodeMetatext(text []byte) []byte {
	body := make([]byte, 0, 2+len(text))
	body = binary.BigEndian.AppendUint16(body, uint16(len(text)))
	body = append(body, text...)
	return encode(MsgMetatext, body)
}

// ParseSlave decodes a Slave body: the sender's current list of
// secondary receiver endpoints, IPv4 only on the wire.
func ParseSlave(body []byte) ([]netip.AddrPort, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: slave body %d bytes", ErrHeader, len(body))
	}
	count := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) != 2+count*6 {
		return nil, fmt.Errorf("%w: slave count %d in %d bytes", ErrHeader, count, len(body))
	}
	eps := make([]netip.AddrPort, count)
	for i := 0; i < count; i++ {
		off := 2 + i*6
		addr := netip.AddrFrom4([4]byte(body[off : off+4]))
		port := binary.BigEndian.Uint16(body[off+4 : off+6])
		eps[i] = netip.AddrPortFrom(addr, port)
	}
	return eps, nil
}

// EncodeSlave builds a Slave frame.
func EncodeSlave(eps []netip.AddrPort) []byte {
	body := make([]byte, 0, 2+len(eps)*6)
	body = binary.BigEndian.AppendUint16(body, uint16(len(eps)))
	for _, ep := range eps {
		a := ep.Addr().As4()
		body = append(body, a[:]...)
		body = binary.BigEndian.AppendUint16(body, ep.Port())
	}
	return encode(MsgSlave, body)
}

// ResendRange is an inclusive span of frame numbers being requested
// for retransmission.
type ResendRange struct {
	Start serial.Number
	End   serial.Number
}

// ParseResend decodes a Resend body.
func ParseResend(body []byte) ([]ResendRange, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: resend body %d bytes", ErrHeader, len(body))
	}
	count := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) != 2+count*4 {
		return nil, fmt.Errorf("%w: resend count %d in %d bytes", ErrHeader, count, len(body))
	}
	ranges := make([]ResendRange, count)
	for i := 0; i < count; i++ {
		off := 2 + i*4
		ranges[i] = ResendRange{
			Start: serial.Number(binary.BigEndian.Uint16(body[off : off+2])),
			End:   serial.Number(binary.BigEndian.Uint16(body[off+2 : off+4])),
		}
	}
	return ranges, nil
}

// EncodeResend builds a Resend frame.
func EncodeResend(ranges []ResendRange) []byte {
	body := make([]byte, 0, 2+len(ranges)*4)
	body = binary.BigEndian.AppendUint16(body, uint16(len(ranges)))
	for _, r := range ranges {
		body = binary.BigEndian.AppendUint16(body, uint16(r.Start))
		body = binary.BigEndian.AppendUint16(body, uint16(r.End))
	}
	return encode(MsgResend, body)
}
