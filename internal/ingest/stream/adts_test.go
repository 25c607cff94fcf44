package stream

import (
	"bytes"
	"testing"
)

func TestADTSRoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	frame := BuildADTSFrame(payload, 4, 2)
	if len(frame) != adtsHeaderLen+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), adtsHeaderLen+len(payload))
	}
	stripped := StripADTSHeader(frame)
	if !bytes.Equal(stripped, payload) {
		t.Fatalf("stripped payload mismatch: got %v want %v", stripped, payload)
	}
}

func TestADTSHeaderSyncWord(t *testing.T) {
	frame := BuildADTSFrame([]byte{0x01}, 4, 2)
	if frame[0] != 0xFF || frame[1]&0xF0 != 0xF0 {
		t.Fatalf("missing ADTS sync word: %02x %02x", frame[0], frame[1])
	}
}

func TestStripADTSHeaderShortFrame(t *testing.T) {
	if got := StripADTSHeader([]byte{1, 2, 3}); got != nil {
		t.Fatalf("expected nil for frame shorter than header, got %v", got)
	}
}

func TestParseAudioCodecConfig(t *testing.T) {
	// 44100 Hz => sample_rate_index 4, stereo => channel_config 2 (AAC-LC AudioSpecificConfig).
	payload := []byte{0x12, 0x10}
	sri, cc := ParseAudioCodecConfig(payload)
	if sri != 4 {
		t.Fatalf("sample_rate_index = %d, want 4", sri)
	}
	if cc != 2 {
		t.Fatalf("channel_config = %d, want 2", cc)
	}
}
