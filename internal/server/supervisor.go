// Package server implements the server supervisor (C6, §4.6): bind-address
// resolution, per-camera listeners with single-connection exclusivity, the
// network liveness monitor, and the graceful shutdown sequence. Grounded on
// the teacher's Server (internal/rtmp/server/server.go): Start/acceptLoop/
// Stop shape, mutex-guarded connection map, and the Registry's per-entity
// mutex discipline (internal/rtmp/server/registry.go).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alxayo/camera-ingest-server/internal/config"
	ierrors "github.com/alxayo/camera-ingest-server/internal/errors"
	"github.com/alxayo/camera-ingest-server/internal/hostevent"
	"github.com/alxayo/camera-ingest-server/internal/ingest/stream"
	"github.com/alxayo/camera-ingest-server/internal/logger"
	"github.com/alxayo/camera-ingest-server/internal/netmon"
	"github.com/alxayo/camera-ingest-server/internal/publish"
)

const portRejectionMessage = "ERROR: Port already in use\n"

const (
	forceDisconnectDeadline = 3 * time.Second
	listenerCloseDeadline   = 2 * time.Second
	portReleaseWait         = 1 * time.Second
)

type slot struct {
	mu      sync.Mutex
	runtime *stream.Runtime
	handler *stream.Handler
	pub     publish.Publisher
	cancel  context.CancelFunc
}

// Supervisor owns every camera's listener, the network monitor, and the
// host callback sink. One Supervisor corresponds to one running server
// instance (§4.6).
type Supervisor struct {
	cfg  config.ServerConfig
	sink *hostevent.Sink
	log  zerolog.Logger

	bindIP string

	listeners map[int]net.Listener
	slots     map[int]*slot
	mu        sync.Mutex

	quality atomic.Int32

	monitorCancel context.CancelFunc
	acceptWg      sync.WaitGroup
	monitorWg     sync.WaitGroup
}

// New constructs an unstarted Supervisor.
func New(cfg config.ServerConfig, sink *hostevent.Sink, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		sink:      sink,
		log:       log,
		listeners: make(map[int]net.Listener),
		slots:     make(map[int]*slot),
	}
	s.quality.Store(int32(cfg.InitialQuality))
	return s
}

// Start resolves the bind address, opens one listener per StreamConfig,
// and spawns the network monitor (§4.6 steps 1-3).
func (s *Supervisor) Start(ctx context.Context) error {
	s.bindIP = s.cfg.BindIP
	if s.bindIP == "" {
		ifaces, err := netmon.Enumerate()
		if err != nil {
			s.log.Warn().Err(err).Msg("interface enumeration failed, falling back to 0.0.0.0")
			s.bindIP = "0.0.0.0"
		} else {
			s.bindIP = netmon.ResolveBindAddress(ifaces)
		}
	}
	s.log.Info().Str("bind_ip", s.bindIP).Msg("resolved bind address")

	for _, sc := range s.cfg.Streams {
		addr := fmt.Sprintf("%s:%d", s.bindIP, sc.ListenPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			bindErr := ierrors.NewBindError(sc.ListenPort, err)
			s.log.Error().Err(bindErr).Msg("listener bind failed")
			s.sink.Emit(hostevent.Error{Message: bindErr.Error()})
			continue
		}
		s.listeners[sc.ListenPort] = ln
		s.slots[sc.ListenPort] = &slot{}

		s.acceptWg.Add(1)
		go s.acceptLoop(ctx, sc, ln)
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	s.monitorCancel = cancel
	mon := netmon.NewMonitor(s.bindIP, s.sink, s.log)
	s.monitorWg.Add(1)
	go func() {
		defer s.monitorWg.Done()
		mon.Run(monitorCtx, s.onNetworkDown, s.onNetworkUp)
	}()

	return nil
}

func (s *Supervisor) onNetworkDown() {
	s.forEachActive(func(sl *slot) {
		sl.mu.Lock()
		h := sl.handler
		sl.mu.Unlock()
		if h != nil {
			h.ForceDisconnect()
		}
	})
}

func (s *Supervisor) onNetworkUp() {}

// acceptLoop implements §4.6 step 4: per-listener accept loop with
// port-exclusivity enforcement.
func (s *Supervisor) acceptLoop(ctx context.Context, sc config.StreamConfig, ln net.Listener) {
	defer s.acceptWg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		sl := s.slots[sc.ListenPort]
		sl.mu.Lock()
		occupied := sl.runtime != nil && sl.runtime.Running()
		if occupied {
			sl.mu.Unlock()
			s.mu.Unlock()
			_, _ = raw.Write([]byte(portRejectionMessage))
			_ = raw.Close()
			s.log.Warn().Int("port", sc.ListenPort).Msg("rejected connection: port already in use")
			continue
		}

		if tc, ok := raw.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(false)
			_ = tc.SetNoDelay(true)
			_ = tc.SetReadBuffer(256 * 1024)
		}

		runtime := stream.NewRuntime(sc, raw.RemoteAddr())
		pub := s.newPublisher(sc)
		handlerCtx, cancel := context.WithCancel(ctx)
		connLog := logger.WithStream(logger.WithConn(s.log, uuid.NewString(), raw.RemoteAddr().String()), sc.StreamID, sc.ListenPort)
		handler := stream.NewHandler(raw, runtime, pub, s.sink, connLog)

		sl.runtime = runtime
		sl.handler = handler
		sl.pub = pub
		sl.cancel = cancel
		sl.mu.Unlock()
		s.mu.Unlock()

		s.acceptWg.Add(1)
		go func() {
			defer s.acceptWg.Done()
			handler.Run(handlerCtx)
			cancel()

			sl.mu.Lock()
			sl.runtime = nil
			sl.handler = nil
			sl.pub = nil
			sl.mu.Unlock()
		}()
	}
}

func (s *Supervisor) newPublisher(sc config.StreamConfig) publish.Publisher {
	if s.cfg.Publisher == config.PublisherNative && s.cfg.NativeLibPath != "" {
		n, err := publish.NewNative(s.cfg.NativeLibPath, sc.DisplayName, int(s.quality.Load()))
		if err != nil {
			s.log.Warn().Err(err).Msg("native publisher unavailable, falling back to passthrough")
			return publish.NewPassthrough(s.log)
		}
		return n
	}
	return publish.NewPassthrough(s.log)
}

func (s *Supervisor) forEachActive(fn func(*slot)) {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	for _, sl := range slots {
		sl.mu.Lock()
		active := sl.runtime != nil
		sl.mu.Unlock()
		if active {
			fn(sl)
		}
	}
}

// UpdateQuality applies level to every active native publisher without
// restarting connections (§4.6 runtime control).
func (s *Supervisor) UpdateQuality(level int) {
	s.quality.Store(int32(level))
	s.forEachActive(func(sl *slot) {
		sl.mu.Lock()
		pub := sl.pub
		sl.mu.Unlock()
		if updater, ok := pub.(publish.QualityUpdater); ok {
			if err := updater.UpdateQuality(level); err != nil {
				s.log.Warn().Err(err).Msg("update_quality failed for a publisher")
			}
		}
	})
}

// Stop executes the §4.6 graceful shutdown sequence.
func (s *Supervisor) Stop() {
	if s.monitorCancel != nil {
		s.monitorCancel()
	}
	s.monitorWg.Wait()

	// Step 2: emit ConnectionChanged{false} before closing sockets.
	s.forEachActive(func(sl *slot) {
		sl.mu.Lock()
		rt := sl.runtime
		sl.mu.Unlock()
		if rt != nil && rt.MarkTerminatingEventSent() {
			s.sink.Emit(hostevent.ConnectionChanged{StreamID: rt.Config.StreamID, Connected: false})
		}
	})

	// Step 3: bounded force-disconnect fan-out.
	s.forceDisconnectAll()

	// Step 4: close every listener with a per-listener deadline.
	s.closeListeners()

	// Step 5: wait for the OS to release ports, then destroy publishers.
	time.Sleep(portReleaseWait)
	s.destroyPublishers()

	s.acceptWg.Wait()

	// Step 6.
	s.sink.Emit(hostevent.ServerStopped{})
}

func (s *Supervisor) forceDisconnectAll() {
	ctx, cancel := context.WithTimeout(context.Background(), forceDisconnectDeadline)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	s.forEachActive(func(sl *slot) {
		sl := sl
		g.Go(func() error {
			sl.mu.Lock()
			h := sl.handler
			sl.mu.Unlock()
			if h != nil {
				h.ForceDisconnect()
			}
			return nil
		})
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Supervisor) closeListeners() {
	s.mu.Lock()
	listeners := make([]net.Listener, 0, len(s.listeners))
	for _, ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ln := range listeners {
		ln := ln
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				_ = ln.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(listenerCloseDeadline):
			}
		}()
	}
	wg.Wait()
}

func (s *Supervisor) destroyPublishers() {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	for _, sl := range slots {
		sl.mu.Lock()
		pub := sl.pub
		sl.pub = nil
		sl.mu.Unlock()
		if pub != nil {
			pub.Destroy()
		}
	}
}
