package frame

import (
	"net"
	"testing"
	"time"

	ierrors "github.com/alxayo/camera-ingest-server/internal/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := Envelope{
		Type:        TypeVideo,
		Flags:       FlagCodecConfig,
		TimestampNs: 1234567890,
		Payload:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	wire := Encode(want)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Write(wire)
	}()

	got, err := ReadEnvelope(server, time.Second, time.Second)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	<-done

	if got.Type != want.Type || got.Flags != want.Flags || got.TimestampNs != want.TimestampNs {
		t.Fatalf("header mismatch: got %+v want %+v", got, want)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Fatalf("payload mismatch: got %v want %v", got.Payload, want.Payload)
	}
}

func TestIsCodecConfig(t *testing.T) {
	e := Envelope{Flags: FlagCodecConfig}
	if !e.IsCodecConfig() {
		t.Fatalf("expected codec-config flag to be set")
	}
	e2 := Envelope{Flags: 0}
	if e2.IsCodecConfig() {
		t.Fatalf("expected codec-config flag to be clear")
	}
}

func TestReadEnvelopeRejectsZeroSize(t *testing.T) {
	e := Envelope{Type: TypeVideo}
	wire := Encode(e)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go client.Write(wire)

	_, err := ReadEnvelope(server, time.Second, time.Second)
	if !ierrors.IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestReadEnvelopeRejectsOversizePayload(t *testing.T) {
	hdr := [headerSize]byte{}
	hdr[0] = byte(TypeVideo)
	// size field deliberately larger than MaxPayloadSize
	big := uint32(MaxPayloadSize + 1)
	hdr[1] = byte(big >> 24)
	hdr[2] = byte(big >> 16)
	hdr[3] = byte(big >> 8)
	hdr[4] = byte(big)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go client.Write(hdr[:])

	_, err := ReadEnvelope(server, time.Second, time.Second)
	if !ierrors.IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestReadEnvelopeHeaderTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := ReadEnvelope(server, 10*time.Millisecond, time.Second)
	if !ierrors.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestReadEnvelopeBodyTimeout(t *testing.T) {
	e := Envelope{Type: TypeVideo, Payload: []byte{1, 2, 3, 4}}
	wire := Encode(e)
	headerOnly := wire[:headerSize]

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go client.Write(headerOnly)

	_, err := ReadEnvelope(server, time.Second, 10*time.Millisecond)
	if !ierrors.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestReadEnvelopePayloadIsPoolBacked(t *testing.T) {
	e := Envelope{Type: TypeVideo, Payload: []byte{1, 2, 3, 4}}
	wire := Encode(e)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go client.Write(wire)

	got, err := ReadEnvelope(server, time.Second, time.Second)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if len(got.Payload) != 4 {
		t.Fatalf("expected payload length 4, got %d", len(got.Payload))
	}
	Release(got) // must not panic, and must be safe to call once per envelope
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeVideo:         "video",
		TypeAudio:         "audio",
		TypeConfiguration: "configuration",
		TypeMetadata:      "metadata",
		Type(0x99):        "unknown",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("Type(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
