// Package schema decodes the JSON payloads carried inside configuration
// (0x03) and metadata (0x04) frames (§6). Unknown keys are ignored and
// absent fields are left at their zero value so the caller can fall back
// to StreamConfig defaults (§4.2). Uses json-iterator/go in its
// encoding/json-compatible mode, following the teacher's webhook hook
// (internal/rtmp/server/hooks/webhook_hook.go), which marshals events with
// the standard library's json package for the same kind of best-effort,
// loosely-typed wire payload.
package schema

import jsoniter "github.com/json-iterator/go"

var std = jsoniter.ConfigCompatibleWithStandardLibrary

// VideoParams is the optional "video" object in a handshake payload.
type VideoParams struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	FPS     int `json:"fps"`
	Bitrate int `json:"bitrate"`
}

// AudioParams is the optional "audio" object in a handshake payload.
type AudioParams struct {
	Enabled    bool `json:"enabled"`
	SampleRate int  `json:"sampleRate"`
	Channels   int  `json:"channels"`
	Bitrate    int  `json:"bitrate"`
}

// DeviceParams is the optional "device" object in a handshake payload.
type DeviceParams struct {
	Model                 string  `json:"model"`
	BatteryPercent        int     `json:"batteryPercent"`
	CPUTemperatureCelsius float64 `json:"cpuTemperatureCelsius"`
}

// Handshake is the parsed body of the first (type=0x03) frame on a
// connection. Every field is optional; zero value means "absent".
type Handshake struct {
	Video  *VideoParams  `json:"video"`
	Audio  *AudioParams  `json:"audio"`
	Device *DeviceParams `json:"device"`
}

// ParseHandshake decodes a configuration-frame payload. Unknown top-level
// and nested keys are ignored by jsoniter's default behavior.
func ParseHandshake(payload []byte) (Handshake, error) {
	var h Handshake
	if err := std.Unmarshal(payload, &h); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

// Metadata is the parsed body of a metadata (type=0x04) frame (§6 example):
// `{"type":"misc","batteryPercent":int,"cpuTemperatureCelsius":float}`.
type Metadata struct {
	Type                  string  `json:"type"`
	BatteryPercent        int     `json:"batteryPercent"`
	CPUTemperatureCelsius float64 `json:"cpuTemperatureCelsius"`
}

// ParseMetadata decodes a metadata-frame payload.
func ParseMetadata(payload []byte) (Metadata, error) {
	var m Metadata
	if err := std.Unmarshal(payload, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
