// Package hostevent implements the host-callback surface (C8, §4.8): a
// closed tagged-variant HostEvent sum type plus a Sink holding the two
// callback slots the supervisor exposes. This replaces the teacher's
// pluggable, string-keyed, N-hooks-per-event-type registry (see
// internal/rtmp/server/hooks) with exactly the two statically-typed slots
// §4.8 calls for — no dynamic dispatch at method granularity, per §9.
package hostevent

import "github.com/rs/zerolog"

// Event is the closed HostEvent sum type (§3). Only the types declared in
// this file implement it.
type Event interface {
	isHostEvent()
}

// ConnectionChanged reports a per-stream connect/disconnect transition.
// Emitted true exactly once per accepted connection, before any
// FrameDecoded; emitted false exactly once terminating the stream.
type ConnectionChanged struct {
	StreamID  int
	Connected bool
	Info      *ConnectionInfo // nil on the terminating {false} event
}

// ConnectionInfo carries the negotiated parameters surfaced with a
// ConnectionChanged{true} event (§4.2 handshake, concrete scenario 1).
type ConnectionInfo struct {
	DeviceModel       string
	BatteryPercent    int // -1 = unknown
	TemperatureC      float64
	Width             int
	Height            int
	FPS               int
}

// FrameDecoded delivers one preview-converted RGB picture.
type FrameDecoded struct {
	StreamID int
	RGB      []byte
	Width    int
	Height   int
}

// Error surfaces a bind/initialization failure (BindError in
// internal/errors). Never used for connection-scoped or decoder/publisher
// errors — those never propagate past their origin (§7).
type Error struct {
	Message string
}

// NetworkStatusChanged reports an edge-triggered bind-IP liveness
// transition (§4.6 network monitor).
type NetworkStatusChanged struct {
	Available bool
	IP        string
}

// ServerStopped is emitted exactly once, after every listener has closed
// and every Publisher has been destroyed (§4.6 step 6).
type ServerStopped struct{}

func (ConnectionChanged) isHostEvent()    {}
func (FrameDecoded) isHostEvent()         {}
func (Error) isHostEvent()                {}
func (NetworkStatusChanged) isHostEvent() {}
func (ServerStopped) isHostEvent()        {}

// Callback receives ConnectionChanged, FrameDecoded, Error, and
// ServerStopped events.
type Callback func(Event)

// NetworkCallback receives only NetworkStatusChanged events — split into
// its own slot per §4.8 since network liveness is driven by an independent
// monitor task.
type NetworkCallback func(NetworkStatusChanged)

// Sink holds the two callback slots. They are set once at construction and
// read lock-free thereafter (§5); Emit/EmitNetwork are safe to call
// concurrently from any number of goroutines.
type Sink struct {
	onEvent   Callback
	onNetwork NetworkCallback
	log       zerolog.Logger
}

// NewSink constructs a Sink. Either callback may be nil, in which case the
// corresponding events are silently dropped.
func NewSink(onEvent Callback, onNetwork NetworkCallback, log zerolog.Logger) *Sink {
	return &Sink{onEvent: onEvent, onNetwork: onNetwork, log: log}
}

// Emit delivers a general host event. If the callback panics, the panic is
// recovered, logged, and execution continues (§4.8: "If a callback throws,
// the supervisor logs and continues").
func (s *Sink) Emit(ev Event) {
	if s == nil || s.onEvent == nil {
		return
	}
	defer s.recoverAndLog(ev)
	s.onEvent(ev)
}

// EmitNetwork delivers a NetworkStatusChanged event through the dedicated
// network callback slot.
func (s *Sink) EmitNetwork(ev NetworkStatusChanged) {
	if s == nil || s.onNetwork == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("host network callback panicked")
		}
	}()
	s.onNetwork(ev)
}

func (s *Sink) recoverAndLog(ev Event) {
	if r := recover(); r != nil {
		s.log.Error().Interface("panic", r).Type("event_type", ev).Msg("host callback panicked")
	}
}
