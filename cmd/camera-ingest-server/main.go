package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/alxayo/camera-ingest-server/internal/config"
	"github.com/alxayo/camera-ingest-server/internal/hostevent"
	"github.com/alxayo/camera-ingest-server/internal/logger"
	"github.com/alxayo/camera-ingest-server/internal/server"
)

var version = "dev"

type flags struct {
	bindIP         string
	cameraCount    int
	publisher      string
	nativeLib      string
	quality        int
	streamPortBase int
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:     "camera-ingest-server",
		Short:   "Accepts mobile camera streams, decodes them, and republishes to the mixing bus",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	flagset := cmd.Flags()
	flagset.StringVar(&f.bindIP, "bind-ip", "", "IPv4 address to bind listeners to (empty = auto-detect)")
	flagset.IntVar(&f.cameraCount, "camera-count", 1, "number of cameras to listen for (1-8)")
	flagset.StringVar(&f.publisher, "publisher", "passthrough", "publisher backend: native|passthrough")
	flagset.StringVar(&f.nativeLib, "native-lib", "", "path to the native publisher shared library (required for --publisher=native)")
	flagset.IntVar(&f.quality, "quality", int(config.QualityMedium), "initial native publisher quality: 1|50|100")
	flagset.IntVar(&f.streamPortBase, "stream-port-base", 9000, "listen port for camera 1; camera N listens on base+N-1")
	flagset.StringVar(&f.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	return cmd
}

func run(f *flags) error {
	if f.cameraCount < 1 || f.cameraCount > 8 {
		return fmt.Errorf("camera-count must be between 1 and 8, got %d", f.cameraCount)
	}

	var publisherKind config.PublisherKind
	switch f.publisher {
	case "native":
		publisherKind = config.PublisherNative
		if f.nativeLib == "" {
			return fmt.Errorf("--native-lib is required when --publisher=native")
		}
	case "passthrough":
		publisherKind = config.PublisherPassthrough
	default:
		return fmt.Errorf("invalid --publisher %q, must be native or passthrough", f.publisher)
	}

	quality := config.Quality(f.quality)
	if !quality.Valid() {
		return fmt.Errorf("invalid --quality %d, must be 1, 50, or 100", f.quality)
	}

	logger.Init()
	if err := logger.SetLevel(f.logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid log level %q, using default\n", f.logLevel)
	}
	log := logger.Logger().With().Str("component", "cli").Logger()

	streams := make([]config.StreamConfig, f.cameraCount)
	for i := 0; i < f.cameraCount; i++ {
		streams[i] = config.DefaultStreamConfig(i+1, f.streamPortBase+i)
	}

	cfg := config.ServerConfig{
		BindIP:         f.bindIP,
		Streams:        streams,
		Publisher:      publisherKind,
		NativeLibPath:  f.nativeLib,
		InitialQuality: quality,
	}

	sink := hostevent.NewSink(
		func(ev hostevent.Event) { logHostEvent(log, ev) },
		func(ev hostevent.NetworkStatusChanged) {
			log.Info().Bool("available", ev.Available).Str("ip", ev.IP).Msg("network status changed")
		},
		log,
	)

	sup := server.New(cfg, sink, log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start server")
		return err
	}
	log.Info().Int("camera_count", f.cameraCount).Str("bind_ip", f.bindIP).Msg("server started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("server stopped cleanly")
	case <-time.After(10 * time.Second):
		log.Error().Msg("forced exit after shutdown timeout")
	}
	return nil
}

func logHostEvent(log zerolog.Logger, ev hostevent.Event) {
	switch e := ev.(type) {
	case hostevent.ConnectionChanged:
		evt := log.Info().Int("stream_id", e.StreamID).Bool("connected", e.Connected)
		if e.Info != nil {
			evt = evt.Str("device_model", e.Info.DeviceModel).Int("width", e.Info.Width).Int("height", e.Info.Height)
		}
		evt.Msg("connection changed")
	case hostevent.FrameDecoded:
		log.Debug().Int("stream_id", e.StreamID).Int("width", e.Width).Int("height", e.Height).Msg("frame decoded")
	case hostevent.Error:
		log.Warn().Str("message", e.Message).Msg("host event error")
	case hostevent.ServerStopped:
		log.Info().Msg("server stopped")
	}
}
