// Package config holds the runtime configuration accepted by the core (§6):
// per-camera StreamConfig and the top-level ServerConfig used to construct
// a Supervisor. No file format is mandated — the CLI populates these from
// flags; library callers construct them directly.
package config

// PublisherKind selects which Publisher adapter (§4.5) a stream's handler
// uses.
type PublisherKind string

const (
	PublisherNative      PublisherKind = "native"
	PublisherPassthrough PublisherKind = "passthrough"
)

// Quality is the native publisher's quality knob (§4.5, §6): low=1,
// medium=50, high=100.
type Quality int

const (
	QualityLow    Quality = 1
	QualityMedium Quality = 50
	QualityHigh   Quality = 100
)

// Valid reports whether q is one of the three levels the native publisher
// accepts.
func (q Quality) Valid() bool {
	return q == QualityLow || q == QualityMedium || q == QualityHigh
}

// AudioConfig holds the default audio parameters for a camera (§3).
type AudioConfig struct {
	Enabled    bool
	SampleRate int
	Channels   int
	BitrateBps int
}

// StreamConfig is immutable after creation: one logical camera, its fixed
// listen port, and the defaults used when a client's handshake omits a
// field (§3, §4.2).
type StreamConfig struct {
	StreamID       int
	ListenPort     int
	DisplayName    string
	DefaultWidth   int
	DefaultHeight  int
	DefaultFPS     int
	DefaultAudio   AudioConfig
	DefaultBitrate int // video bitrate, bits/sec
}

// DefaultStreamConfig returns sane defaults for a camera numbered id,
// listening on listenPort (the CLI passes --stream-port-base + id - 1).
func DefaultStreamConfig(id, listenPort int) StreamConfig {
	return StreamConfig{
		StreamID:      id,
		ListenPort:    listenPort,
		DisplayName:   defaultDisplayName(id),
		DefaultWidth:  1280,
		DefaultHeight: 720,
		DefaultFPS:    30,
		DefaultAudio: AudioConfig{
			Enabled:    true,
			SampleRate: 44100,
			Channels:   2,
			BitrateBps: 128_000,
		},
		DefaultBitrate: 4_000_000,
	}
}

func defaultDisplayName(id int) string {
	const prefix = "Camera "
	return prefix + itoa(id)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ServerConfig is the top-level construction parameter set for a Supervisor
// (§4.6, §6).
type ServerConfig struct {
	// BindIP is the IPv4 address to listen on. Empty means auto-detect via
	// the interface inspector (§4.6 step 1).
	BindIP string

	Streams []StreamConfig

	Publisher      PublisherKind
	NativeLibPath  string
	InitialQuality Quality
}
