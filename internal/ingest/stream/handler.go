package stream

import (
	"context"
	"math"
	"net"
	"time"

	"github.com/rs/zerolog"

	ierrors "github.com/alxayo/camera-ingest-server/internal/errors"
	"github.com/alxayo/camera-ingest-server/internal/decode"
	"github.com/alxayo/camera-ingest-server/internal/hostevent"
	"github.com/alxayo/camera-ingest-server/internal/ingest/frame"
	"github.com/alxayo/camera-ingest-server/internal/ingest/schema"
	"github.com/alxayo/camera-ingest-server/internal/pixel"
	"github.com/alxayo/camera-ingest-server/internal/publish"
)

const watchdogTimeout = 30 * time.Second
const watchdogInterval = 5 * time.Second
const writerCloseDeadline = 2 * time.Second

// Handler drives one accepted connection through the §4.2 state machine.
// One Handler instance corresponds to one StreamRuntime; both are
// constructed together and discarded together.
type Handler struct {
	conn    net.Conn
	runtime *Runtime
	pub     publish.Publisher
	sink    *hostevent.Sink
	log     zerolog.Logger

	videoDec *decode.VideoDecoder
	audioDec *decode.AudioDecoder

	watchdogCancel context.CancelFunc
}

// NewHandler constructs a Handler for an accepted connection. conn's
// keep-alive/nodelay/buffer options must already be set by the caller
// (supervisor accept path, §4.2 "Entry (Accepted)").
func NewHandler(conn net.Conn, runtime *Runtime, pub publish.Publisher, sink *hostevent.Sink, log zerolog.Logger) *Handler {
	return &Handler{conn: conn, runtime: runtime, pub: pub, sink: sink, log: log}
}

// ForceDisconnect unblocks a handler that may be waiting on a blocking
// read by marking its runtime stopped and closing the underlying
// connection, so the supervisor's bounded force-disconnect fan-out
// (§4.6 step 3) does not have to wait out a frame deadline.
func (h *Handler) ForceDisconnect() {
	h.runtime.ForceStop()
	_ = h.conn.Close()
}

// Run executes the full state machine to completion. It always returns
// after the connection is fully unwound (§5: "handlers must always run
// their finally block").
func (h *Handler) Run(ctx context.Context) {
	defer h.unwind()

	watchdogCtx, cancel := context.WithCancel(ctx)
	h.watchdogCancel = cancel
	go h.runWatchdog(watchdogCtx)

	pending, ok := h.receiveConfig()
	if !ok {
		return
	}
	h.runtime.State = StateStreaming
	h.streamingLoop(ctx, pending)
}

// receiveConfig implements the handshake phase (§4.2). A configuration frame
// arriving before ConfigHeaderDeadline/ConfigBodyDeadline elapse negotiates
// parameters normally (Accepted -> Configured). A header-read timeout or a
// first frame of the wrong type is NOT a connection error (§4.2, §8: "stream
// continues with defaults, emits ConnectionChanged{true, {}}") — the stream
// falls through to Defaults and then Streaming. Only a genuine I/O error
// (connection reset, early EOF) tears the connection down. If the first
// frame read turns out not to be a configuration frame, it is returned as
// pending so the streaming loop dispatches it instead of discarding it.
func (h *Handler) receiveConfig() (*frame.Envelope, bool) {
	env, err := frame.ReadEnvelope(h.conn, frame.ConfigHeaderDeadline, frame.ConfigBodyDeadline)
	if err != nil {
		if ierrors.IsTimeout(err) {
			h.log.Info().Msg("handshake absent, continuing with defaults")
			return nil, h.applyHandshake(nil)
		}
		h.logConnScoped("receive_config", err)
		h.runtime.State = StateClosing
		return nil, false
	}

	if env.Type != frame.TypeConfiguration {
		h.log.Info().Str("op", "receive_config").Msg("first frame was not configuration, continuing with defaults")
		if !h.applyHandshake(nil) {
			return nil, false
		}
		return &env, true
	}

	h.runtime.BytesReceived += uint64(len(env.Payload))
	h.runtime.Touch()

	hs, perr := schema.ParseHandshake(env.Payload)
	if perr != nil {
		return nil, h.applyHandshake(nil)
	}
	return nil, h.applyHandshake(hs)
}

// applyHandshake negotiates parameters from hs (nil means "use
// StreamConfig defaults"), reconfigures the publisher and decoders, and
// emits ConnectionChanged{true} exactly once. Returns false only on a
// decoder setup failure, which is connection-fatal.
func (h *Handler) applyHandshake(hs *schema.Handshake) bool {
	info := &hostevent.ConnectionInfo{
		DeviceModel:    "",
		BatteryPercent: -1,
	}

	applied := false
	if hs != nil {
		if hs.Video != nil {
			if hs.Video.Width > 0 {
				h.runtime.CurrentWidth = hs.Video.Width
			}
			if hs.Video.Height > 0 {
				h.runtime.CurrentHeight = hs.Video.Height
			}
			if hs.Video.FPS > 0 {
				h.runtime.CurrentFPS = hs.Video.FPS
			}
			applied = true
		}
		if hs.Audio != nil {
			h.runtime.AudioEnabled = hs.Audio.Enabled
		}
		if hs.Device != nil {
			h.runtime.DeviceModel = hs.Device.Model
			h.runtime.BatteryPercent = hs.Device.BatteryPercent
			h.runtime.CPUTemperatureC = hs.Device.CPUTemperatureCelsius
		}
	}

	if applied {
		h.runtime.State = StateConfigured
	} else {
		h.runtime.State = StateDefaults
	}

	if err := h.pub.Reconfigure(h.runtime.CurrentWidth, h.runtime.CurrentHeight, h.runtime.CurrentFPS); err != nil {
		h.log.Warn().Err(err).Msg("publisher reconfigure failed during handshake, continuing with defaults")
	}

	if err := h.setupDecoders(); err != nil {
		h.logConnScoped("setup_decoders", err)
		h.runtime.State = StateClosing
		return false
	}

	info.DeviceModel = h.runtime.DeviceModel
	info.BatteryPercent = h.runtime.BatteryPercent
	info.TemperatureC = h.runtime.CPUTemperatureC
	info.Width = h.runtime.CurrentWidth
	info.Height = h.runtime.CurrentHeight
	info.FPS = h.runtime.CurrentFPS

	h.sink.Emit(hostevent.ConnectionChanged{
		StreamID:  h.runtime.Config.StreamID,
		Connected: true,
		Info:      info,
	})
	return true
}

func (h *Handler) setupDecoders() error {
	vd, err := decode.NewVideoDecoder()
	if err != nil {
		return err
	}
	h.videoDec = vd

	if h.runtime.AudioEnabled {
		ad, err := decode.NewAudioDecoder(h.runtime.Config.DefaultAudio.SampleRate, h.runtime.Config.DefaultAudio.Channels)
		if err != nil {
			h.log.Warn().Err(err).Msg("audio decoder unavailable, continuing video-only")
			return nil
		}
		h.audioDec = ad
	}
	return nil
}

// streamingLoop implements the §4.2 "Streaming loop" dispatch. pending, if
// non-nil, is a frame already read during the handshake phase (the first
// frame turned out not to be a configuration frame) and is dispatched before
// any further reads.
func (h *Handler) streamingLoop(ctx context.Context, pending *frame.Envelope) {
	if pending != nil {
		h.processEnvelope(*pending)
	}

	for h.runtime.Running() {
		env, err := frame.ReadEnvelope(h.conn, frame.DataHeaderDeadline, frame.DataBodyDeadline)
		if err != nil {
			if ierrors.IsTimeout(err) && h.runtime.BytesReceived > 0 {
				h.log.Info().Msg("header read timeout after data — treating as end of connection")
			} else {
				h.logConnScoped("streaming_loop", err)
			}
			return
		}
		h.processEnvelope(env)
	}
}

const summaryLogInterval = 90

func (h *Handler) processEnvelope(env frame.Envelope) {
	h.runtime.BytesReceived += uint64(len(env.Payload))
	h.runtime.FramesReceived++
	h.runtime.Touch()

	switch env.Type {
	case frame.TypeVideo:
		h.handleVideo(env)
	case frame.TypeAudio:
		h.handleAudio(env)
	case frame.TypeMetadata:
		h.handleMetadata(env)
	case frame.TypeConfiguration:
		h.handleReconfigure(env)
	}
	frame.Release(env)

	if h.runtime.FramesReceived%summaryLogInterval == 0 {
		h.logSummary()
	}
}

// logSummary emits the periodic decode/throughput summary line: decoded
// video/audio counts and their ratio, cumulative megabytes received, and
// rolling average per-frame latency.
func (h *Handler) logSummary() {
	video := h.runtime.VideoFramesDecoded
	audio := h.runtime.AudioFramesDecoded
	ratioDenom := video
	if ratioDenom == 0 {
		ratioDenom = 1
	}
	avRatio := float64(audio) / float64(ratioDenom)
	mb := float64(h.runtime.BytesReceived) / 1_000_000

	h.log.Info().
		Uint64("video_frames_decoded", video).
		Uint64("audio_frames_decoded", audio).
		Float64("av_ratio", avRatio).
		Float64("mb_received", mb).
		Dur("avg_latency", h.runtime.AverageLatency()).
		Msg("stream summary")
}

func (h *Handler) handleVideo(env frame.Envelope) {
	if env.IsCodecConfig() {
		if _, err := h.videoDec.Decode(env.Payload); err != nil {
			h.log.Debug().Err(err).Msg("video codec-config rejected by decoder")
		}
		return
	}

	frames, err := h.videoDec.Decode(env.Payload)
	if err != nil {
		h.log.Debug().Err(err).Msg("video decode error, dropping packet")
		return
	}

	for _, f := range frames {
		start := time.Now()
		nv12, cerr := toNV12(f)
		if cerr != nil {
			h.log.Debug().Err(cerr).Msg("pixel conversion failed, dropping frame")
			continue
		}
		pts := h.runtime.AdvancePTS()
		if err := h.pub.SendVideo(nv12.Data, nv12.Width, nv12.Height, pts); err != nil {
			h.log.Debug().Err(err).Msg("publisher dropped video frame")
		}
		h.runtime.VideoFramesDecoded++
		h.runtime.RecordLatency(time.Since(start))

		if h.sink != nil {
			rgb, rerr := pixel.ToRGB(nv12)
			if rerr == nil {
				h.sink.Emit(hostevent.FrameDecoded{
					StreamID: h.runtime.Config.StreamID,
					RGB:      rgb,
					Width:    nv12.Width,
					Height:   nv12.Height,
				})
			}
		}
	}
}

func toNV12(f decode.VideoFrame) (pixel.NV12, error) {
	if len(f.Data) < 3 {
		return pixel.NV12{}, ierrors.NewDecoderError("video.to_nv12", nil)
	}
	yuv := pixel.YUV420p{
		Width: f.Width, Height: f.Height,
		Y: f.Data[0], U: f.Data[1], V: f.Data[2],
		StrideY:  f.Linesize[0],
		StrideUV: f.Linesize[1],
	}
	return pixel.ToNV12(yuv)
}

func (h *Handler) handleAudio(env frame.Envelope) {
	if !h.runtime.AudioEnabled || h.audioDec == nil {
		return
	}

	if env.IsCodecConfig() {
		sri, cc := ParseAudioCodecConfig(env.Payload)
		h.runtime.SampleRateIndex = sri
		h.runtime.ChannelConfig = cc
		if _, err := h.audioDec.Decode(BuildADTSFrame(env.Payload, sri, cc)); err != nil {
			h.log.Debug().Err(err).Msg("audio codec-config rejected by decoder")
		}
		return
	}

	adtsFrame := BuildADTSFrame(env.Payload, h.runtime.SampleRateIndex, h.runtime.ChannelConfig)
	frames, err := h.audioDec.Decode(adtsFrame)
	if err != nil {
		h.log.Debug().Err(err).Msg("audio decode error, dropping packet")
		return
	}
	if len(frames) == 0 {
		return
	}

	pcm := flattenPlanarFloat32(frames[0])
	if err := h.pub.SendAudio(pcm, frames[0].Channels, frames[0].SampleRate); err != nil {
		h.log.Debug().Err(err).Msg("publisher dropped audio frame")
	}
	h.runtime.AudioFramesDecoded++
}

// flattenPlanarFloat32 normalizes decoded PCM planes to float32 in [-1,1]
// and flattens to [ch0 samples][ch1 samples]... in C order (§4.5: "asserts
// planar (channels, samples) shape, and flattens... in C order").
//
// The decoder does not force a specific output sample format (no swresample
// stage), and FFmpeg's native AAC decoder produces planar 32-bit float
// (FLTP) by default, not planar S16 — so the plane's byte width is derived
// from its size rather than assumed, and each width is decoded with its own
// layout: 4-byte little-endian float32 samples are already in [-1,1] and
// copied as-is, 2-byte little-endian S16 samples are normalized by 32768.
func flattenPlanarFloat32(f decode.AudioFrame) []float32 {
	out := make([]float32, 0, len(f.Data)*f.NumSamples)
	for _, plane := range f.Data {
		if f.NumSamples <= 0 || len(plane) == 0 {
			continue
		}
		bytesPerSample := len(plane) / f.NumSamples
		samples := f.NumSamples
		if samples*bytesPerSample > len(plane) {
			samples = len(plane) / bytesPerSample
		}

		switch bytesPerSample {
		case 4:
			for i := 0; i < samples; i++ {
				bits := uint32(plane[4*i]) | uint32(plane[4*i+1])<<8 | uint32(plane[4*i+2])<<16 | uint32(plane[4*i+3])<<24
				out = append(out, math.Float32frombits(bits))
			}
		case 2:
			for i := 0; i < samples; i++ {
				v := int16(uint16(plane[2*i]) | uint16(plane[2*i+1])<<8)
				out = append(out, float32(v)/32768.0)
			}
		default:
			// Unrecognized sample width (e.g. U8/S32/DBL planes); skip rather
			// than emit misinterpreted PCM.
		}
	}
	return out
}

func (h *Handler) handleMetadata(env frame.Envelope) {
	md, err := schema.ParseMetadata(env.Payload)
	if err != nil {
		return
	}
	if md.Type == "misc" {
		h.runtime.BatteryPercent = md.BatteryPercent
		h.runtime.CPUTemperatureC = md.CPUTemperatureCelsius
	}
}

// handleReconfigure implements mid-stream reconfiguration (§4.2 tie-breaks,
// §8 "Publisher.reconfigure is invoked iff the tuple differs"): a second
// configuration frame arriving after the handshake updates negotiated
// media and resets counters if the tuple changed.
func (h *Handler) handleReconfigure(env frame.Envelope) {
	hs, err := schema.ParseHandshake(env.Payload)
	if err != nil || hs.Video == nil {
		return
	}

	w, ht, fps := h.runtime.CurrentWidth, h.runtime.CurrentHeight, h.runtime.CurrentFPS
	if hs.Video.Width > 0 {
		w = hs.Video.Width
	}
	if hs.Video.Height > 0 {
		ht = hs.Video.Height
	}
	if hs.Video.FPS > 0 {
		fps = hs.Video.FPS
	}

	if w == h.runtime.CurrentWidth && ht == h.runtime.CurrentHeight && fps == h.runtime.CurrentFPS {
		return
	}

	h.runtime.CurrentWidth, h.runtime.CurrentHeight, h.runtime.CurrentFPS = w, ht, fps
	h.runtime.VideoFramesDecoded = 0
	h.runtime.AudioFramesDecoded = 0
	h.runtime.PTS = 0

	if err := h.pub.Reconfigure(w, ht, fps); err != nil {
		h.log.Warn().Err(err).Msg("publisher reconfigure failed on mid-stream change")
	}
}

func (h *Handler) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(h.runtime.LastFrameTime) > watchdogTimeout {
				h.log.Info().Msg("watchdog: 30s frame silence, stopping stream")
				h.runtime.clearRunning()
				return
			}
		}
	}
}

// unwind implements the §4.2 "Exit (Closing → Closed)" and §5 "finally
// block" requirements: cancel watchdog, close writer within 2s, release
// publisher, emit the terminating event unless the supervisor already did.
func (h *Handler) unwind() {
	h.runtime.State = StateClosing
	if h.watchdogCancel != nil {
		h.watchdogCancel()
	}

	closeDone := make(chan struct{})
	go func() {
		_ = h.conn.Close()
		close(closeDone)
	}()
	select {
	case <-closeDone:
	case <-time.After(writerCloseDeadline):
	}

	if h.videoDec != nil {
		h.videoDec.Close()
	}
	if h.audioDec != nil {
		h.audioDec.Close()
	}
	if h.pub != nil {
		h.pub.Destroy()
	}

	if h.runtime.MarkTerminatingEventSent() {
		h.sink.Emit(hostevent.ConnectionChanged{StreamID: h.runtime.Config.StreamID, Connected: false})
	}
	h.runtime.State = StateClosed
}

func (h *Handler) logConnScoped(op string, err error) {
	if err == nil {
		h.log.Info().Str("op", op).Msg("connection ended")
		return
	}
	if ierrors.IsProtocolViolation(err) {
		h.log.Error().Err(err).Str("op", op).Msg("protocol violation")
	} else if ierrors.IsTimeout(err) {
		h.log.Info().Err(err).Str("op", op).Msg("timeout")
	} else {
		h.log.Error().Err(err).Str("op", op).Msg("connection error")
	}
}
