// Package frame implements the binary length-prefixed framing protocol
// (§4.1, C1): a FrameEnvelope header followed by its payload, with distinct
// "read exactly" deadlines for data frames and for the initial handshake
// frame. Grounded on the teacher's chunk header encode/decode pair
// (internal/rtmp/chunk/header.go, writer.go) and on its handshake deadline
// pattern (internal/rtmp/handshake/server.go).
package frame

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/alxayo/camera-ingest-server/internal/bufpool"
	ierrors "github.com/alxayo/camera-ingest-server/internal/errors"
)

// Type is the closed set of frame-type tags carried in byte 0 of a frame
// header (§5.3).
type Type uint8

const (
	TypeVideo         Type = 0x01
	TypeAudio         Type = 0x02
	TypeConfiguration Type = 0x03
	TypeMetadata      Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeConfiguration:
		return "configuration"
	case TypeMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// FlagCodecConfig marks a video/audio frame as carrying decoder
// initialization bytes rather than picture/sample data (§4.1, §9).
const FlagCodecConfig uint32 = 0x2

// MaxPayloadSize is the fatal upper bound on a frame's declared size
// (§4.1): frames above this are rejected as a protocol violation.
const MaxPayloadSize = 10_000_000

const headerSize = 1 + 4 + 4 + 8 // type + size + flags + timestamp_ns

// Deadlines for the "read exactly" phases (§5, §7).
const (
	DataHeaderDeadline   = 10 * time.Second
	DataBodyDeadline     = 5 * time.Second
	ConfigHeaderDeadline = 5 * time.Second
	ConfigBodyDeadline   = 2 * time.Second
)

// Envelope is one decoded FrameEnvelope: a header plus its payload bytes.
type Envelope struct {
	Type        Type
	Flags       uint32
	TimestampNs int64
	Payload     []byte
}

// IsCodecConfig reports whether this frame carries decoder initialization
// bytes rather than picture/sample data (§4.1, §9 "closed tagged variant
// with an is_codec_config() accessor").
func (e Envelope) IsCodecConfig() bool {
	return e.Flags&FlagCodecConfig != 0
}

// Encode serializes the envelope as header||payload.
func Encode(e Envelope) []byte {
	buf := make([]byte, headerSize+len(e.Payload))
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(e.Payload)))
	binary.BigEndian.PutUint32(buf[5:9], e.Flags)
	binary.BigEndian.PutUint64(buf[9:17], uint64(e.TimestampNs))
	copy(buf[headerSize:], e.Payload)
	return buf
}

// ReadEnvelope performs one "read exactly" cycle on conn: a deadline-bound
// header read, a size validation, then a deadline-bound payload read.
// headerDeadline/bodyDeadline select the data-frame or handshake-frame
// timeout pair (§5).
func ReadEnvelope(conn net.Conn, headerDeadline, bodyDeadline time.Duration) (Envelope, error) {
	var hdr [headerSize]byte

	if err := conn.SetReadDeadline(time.Now().Add(headerDeadline)); err != nil {
		return Envelope{}, err
	}
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		if isTimeout(err) {
			return Envelope{}, ierrors.NewTimeout("frame.read_header", headerDeadline, err)
		}
		return Envelope{}, err
	}

	size := binary.BigEndian.Uint32(hdr[1:5])
	if size == 0 || size > MaxPayloadSize {
		return Envelope{}, ierrors.NewProtocolViolation("frame.validate_size", errSizeOutOfRange)
	}

	e := Envelope{
		Type:        Type(hdr[0]),
		Flags:       binary.BigEndian.Uint32(hdr[5:9]),
		TimestampNs: int64(binary.BigEndian.Uint64(hdr[9:17])),
	}

	if err := conn.SetReadDeadline(time.Now().Add(bodyDeadline)); err != nil {
		return Envelope{}, err
	}
	payload := bufpool.Get(int(size))
	if _, err := io.ReadFull(conn, payload); err != nil {
		bufpool.Put(payload)
		if isTimeout(err) {
			return Envelope{}, ierrors.NewTimeout("frame.read_payload", bodyDeadline, err)
		}
		return Envelope{}, err
	}
	e.Payload = payload

	return e, nil
}

// Release returns an envelope's payload buffer to the shared pool. Callers
// must not touch e.Payload after calling Release (§4.1: payload buffers are
// pool-backed and reused once the handler has finished dispatching a frame).
func Release(e Envelope) {
	bufpool.Put(e.Payload)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

var errSizeOutOfRange = sizeError{}

type sizeError struct{}

func (sizeError) Error() string { return "frame size is zero or exceeds 10,000,000 bytes" }
