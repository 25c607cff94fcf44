// Package stream implements the per-connection stream handler (C2, §4.2):
// the Accepted→Configured/Defaults→Streaming→Closing→Closed state machine,
// its StreamRuntime (§3), the 30s silence watchdog, and mid-stream
// reconfiguration. Grounded on the teacher's per-connection lifecycle
// wrapper (internal/rtmp/conn/conn.go Accept/Close/context-cancel pattern)
// and its session state enum (internal/rtmp/conn/session.go SessionState).
package stream

import (
	"net"
	"sync"
	"time"

	"github.com/alxayo/camera-ingest-server/internal/config"
)

// State is the per-connection lifecycle state (§4.2).
type State uint8

const (
	StateAccepted State = iota
	StateConfigured
	StateDefaults
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateConfigured:
		return "configured"
	case StateDefaults:
		return "defaults"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const latencyWindow = 30

// Runtime holds the mutable per-connection state described in §3. Mutated
// only by its owning handler goroutine — no locks on the fields below,
// except runningMu which also guards the supervisor's force-stop path.
type Runtime struct {
	Config   config.StreamConfig
	PeerAddr net.Addr

	// Negotiated media (§3).
	CurrentWidth    int
	CurrentHeight   int
	CurrentFPS      int
	AudioEnabled    bool
	SampleRateIndex int
	ChannelConfig   int

	// Device telemetry (§3).
	DeviceModel     string
	BatteryPercent  int     // -1 = unknown
	CPUTemperatureC float64 // -1.0 = unknown

	// Counters (§3).
	BytesReceived      uint64
	FramesReceived     uint64
	VideoFramesDecoded uint64
	AudioFramesDecoded uint64
	latencySamples     [latencyWindow]time.Duration
	latencyCount       int
	latencyNext        int

	// Liveness (§3).
	LastFrameTime time.Time
	PTS           int64

	runningMu sync.Mutex
	running   bool
	forceStop bool

	State State

	// terminatingEventSent guards against double-emission of
	// ConnectionChanged{false} when the supervisor has already emitted it
	// during shutdown (§4.2 exit policy, §4.6 step 2).
	terminatingEventSent bool
}

// NewRuntime constructs a Runtime bound to cfg, starting in Accepted state
// with defaults applied (overwritten once a handshake completes).
func NewRuntime(cfg config.StreamConfig, peer net.Addr) *Runtime {
	r := &Runtime{
		Config:          cfg,
		PeerAddr:        peer,
		CurrentWidth:    cfg.DefaultWidth,
		CurrentHeight:   cfg.DefaultHeight,
		CurrentFPS:      cfg.DefaultFPS,
		AudioEnabled:    cfg.DefaultAudio.Enabled,
		BatteryPercent:  -1,
		CPUTemperatureC: -1.0,
		LastFrameTime:   time.Now(),
		State:           StateAccepted,
		running:         true,
	}
	return r
}

// Running reports whether the handler loop should keep iterating.
func (r *Runtime) Running() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running && !r.forceStop
}

// ForceStop sets the stop flag; observed by the handler at its next
// suspension point (§5 cancellation semantics).
func (r *Runtime) ForceStop() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	r.forceStop = true
}

// clearRunning is called by the watchdog on silence timeout (§4.2).
func (r *Runtime) clearRunning() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	r.running = false
}

// MarkTerminatingEventSent records that ConnectionChanged{false} has been
// emitted for this runtime, whether by the handler or the supervisor
// (§4.2, §4.6 step 2), so it is never emitted twice.
func (r *Runtime) MarkTerminatingEventSent() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	if r.terminatingEventSent {
		return false
	}
	r.terminatingEventSent = true
	return true
}

// PTSIncrement returns 90000 / current_fps (§3).
func (r *Runtime) PTSIncrement() int64 {
	if r.CurrentFPS <= 0 {
		return 0
	}
	return 90000 / int64(r.CurrentFPS)
}

// AdvancePTS increments PTS by the current FPS-derived step and returns the
// pre-increment value to publish (§4.2: "pts starts at 0").
func (r *Runtime) AdvancePTS() int64 {
	cur := r.PTS
	r.PTS += r.PTSIncrement()
	return cur
}

// RecordLatency adds a sample to the rolling 30-sample window (§3).
func (r *Runtime) RecordLatency(d time.Duration) {
	r.latencySamples[r.latencyNext] = d
	r.latencyNext = (r.latencyNext + 1) % latencyWindow
	if r.latencyCount < latencyWindow {
		r.latencyCount++
	}
}

// AverageLatency returns the mean of the recorded samples, or 0 if none.
func (r *Runtime) AverageLatency() time.Duration {
	if r.latencyCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.latencyCount; i++ {
		sum += r.latencySamples[i]
	}
	return sum / time.Duration(r.latencyCount)
}

// Touch records frame arrival for the watchdog (§4.2).
func (r *Runtime) Touch() {
	r.LastFrameTime = time.Now()
}
