// Package decode wraps go-astiav to turn opaque H.264/AAC packets into raw
// decoded frames (C3, §4.3). Configured for low latency: no frame
// reordering buffer, minimal probing, single-threaded. Grounded on the
// send-packet/receive-frame decode loop in
// _examples/e1z0-QAnotherRTSP/src/video.go (openAndDecode/decodeLoop),
// adapted from a pull-based RTSP demuxer loop to a push-based decoder that
// is fed one Annex-B packet at a time by the stream handler.
package decode

import (
	"errors"

	"github.com/asticode/go-astiav"

	ierrors "github.com/alxayo/camera-ingest-server/internal/errors"
)

// VideoFrame is one decoded picture, still in its native planar layout
// (expected YUV420p for H.264 baseline/main profile streams).
type VideoFrame struct {
	Width  int
	Height int
	// Plane data, indexed by astiav plane order (Y, U, V for 4:2:0).
	Data     [][]byte
	Linesize []int
	Format   astiav.PixelFormat
}

// AudioFrame is one decoded block of PCM samples.
type AudioFrame struct {
	SampleRate int
	Channels   int
	Format     astiav.SampleFormat
	Data       [][]byte
	Linesize   int
	NumSamples int
}

// VideoDecoder wraps an H.264 astiav.CodecContext.
type VideoDecoder struct {
	ctx   *astiav.CodecContext
	frame *astiav.Frame
	pkt   *astiav.Packet
}

// NewVideoDecoder opens an H.264 decoder with low-latency options: no
// buffering, minimal probing, single-threaded (§4.3).
func NewVideoDecoder() (*VideoDecoder, error) {
	codec := astiav.FindDecoder(astiav.CodecIDH264)
	if codec == nil {
		return nil, ierrors.NewDecoderError("video.find_decoder", errors.New("h264 decoder not available"))
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, ierrors.NewDecoderError("video.alloc_context", errors.New("alloc failed"))
	}
	ctx.SetThreadCount(1)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("flags", "+low_delay", 0)
	_ = opts.Set("analyzeduration", "0", 0)
	_ = opts.Set("probesize", "32", 0)

	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		return nil, ierrors.NewDecoderError("video.open", err)
	}

	return &VideoDecoder{
		ctx:   ctx,
		frame: astiav.AllocFrame(),
		pkt:   astiav.AllocPacket(),
	}, nil
}

// Decode feeds one Annex-B packet (an H.264 NAL or SPS/PPS unit, per the
// codec-config flag on the originating frame) and returns zero or more
// decoded pictures (§4.3: "returns zero or more raw frames").
func (d *VideoDecoder) Decode(payload []byte) ([]VideoFrame, error) {
	if err := d.pkt.FromData(payload); err != nil {
		return nil, ierrors.NewDecoderError("video.from_data", err)
	}
	defer d.pkt.Unref()

	if err := d.ctx.SendPacket(d.pkt); err != nil {
		return nil, ierrors.NewDecoderError("video.send_packet", err)
	}

	var out []VideoFrame
	for {
		err := d.ctx.ReceiveFrame(d.frame)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return out, ierrors.NewDecoderError("video.receive_frame", err)
		}
		out = append(out, copyVideoFrame(d.frame))
		d.frame.Unref()
	}
	return out, nil
}

func copyVideoFrame(f *astiav.Frame) VideoFrame {
	w, h := f.Width(), f.Height()
	data := f.Data()
	linesize := f.Linesize()
	planes := make([][]byte, 0, len(data))
	sizes := make([]int, 0, len(linesize))
	for i := range data {
		ls := linesize[i]
		if ls <= 0 {
			continue
		}
		rows := h
		if i > 0 {
			rows = (h + 1) / 2
		}
		buf := make([]byte, ls*rows)
		copy(buf, data[i][:len(buf)])
		planes = append(planes, buf)
		sizes = append(sizes, ls)
	}
	return VideoFrame{Width: w, Height: h, Data: planes, Linesize: sizes, Format: f.PixelFormat()}
}

// Close releases the decoder's native resources.
func (d *VideoDecoder) Close() {
	if d == nil {
		return
	}
	if d.frame != nil {
		d.frame.Free()
	}
	if d.pkt != nil {
		d.pkt.Free()
	}
	if d.ctx != nil {
		d.ctx.Free()
	}
}

// AudioDecoder wraps an AAC astiav.CodecContext. Only constructed when a
// stream's handshake reports audio enabled (§4.3).
type AudioDecoder struct {
	ctx   *astiav.CodecContext
	frame *astiav.Frame
	pkt   *astiav.Packet
}

// NewAudioDecoder opens an AAC decoder with the same low-latency posture as
// the video decoder.
func NewAudioDecoder(sampleRate, channels int) (*AudioDecoder, error) {
	codec := astiav.FindDecoder(astiav.CodecIDAac)
	if codec == nil {
		return nil, ierrors.NewDecoderError("audio.find_decoder", errors.New("aac decoder not available"))
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, ierrors.NewDecoderError("audio.alloc_context", errors.New("alloc failed"))
	}
	ctx.SetThreadCount(1)
	if sampleRate > 0 {
		ctx.SetSampleRate(sampleRate)
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("flags", "+low_delay", 0)

	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		return nil, ierrors.NewDecoderError("audio.open", err)
	}

	return &AudioDecoder{
		ctx:   ctx,
		frame: astiav.AllocFrame(),
		pkt:   astiav.AllocPacket(),
	}, nil
}

// Decode feeds one ADTS-framed AAC packet and returns zero or more decoded
// PCM blocks.
func (d *AudioDecoder) Decode(adts []byte) ([]AudioFrame, error) {
	if err := d.pkt.FromData(adts); err != nil {
		return nil, ierrors.NewDecoderError("audio.from_data", err)
	}
	defer d.pkt.Unref()

	if err := d.ctx.SendPacket(d.pkt); err != nil {
		return nil, ierrors.NewDecoderError("audio.send_packet", err)
	}

	var out []AudioFrame
	for {
		err := d.ctx.ReceiveFrame(d.frame)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return out, ierrors.NewDecoderError("audio.receive_frame", err)
		}
		out = append(out, copyAudioFrame(d.frame))
		d.frame.Unref()
	}
	return out, nil
}

func copyAudioFrame(f *astiav.Frame) AudioFrame {
	data := f.Data()
	planes := make([][]byte, 0, len(data))
	for i := range data {
		if len(data[i]) == 0 {
			continue
		}
		buf := make([]byte, len(data[i]))
		copy(buf, data[i])
		planes = append(planes, buf)
	}
	return AudioFrame{
		SampleRate: f.SampleRate(),
		Channels:   f.ChannelLayout().Channels(),
		Format:     f.SampleFormat(),
		Data:       planes,
		NumSamples: f.NbSamples(),
	}
}

// Close releases the decoder's native resources.
func (d *AudioDecoder) Close() {
	if d == nil {
		return
	}
	if d.frame != nil {
		d.frame.Free()
	}
	if d.pkt != nil {
		d.pkt.Free()
	}
	if d.ctx != nil {
		d.ctx.Free()
	}
}
