package publish

import "github.com/rs/zerolog"

// Passthrough discards every frame. Selected when the host has no native
// sink configured (§6 output kind "passthrough"); lets the ingest pipeline
// run end-to-end (decode, convert) for testing and development.
type Passthrough struct {
	log zerolog.Logger
}

// NewPassthrough constructs a no-op Publisher.
func NewPassthrough(log zerolog.Logger) *Passthrough {
	return &Passthrough{log: log}
}

func (p *Passthrough) Reconfigure(width, height, fps int) error {
	p.log.Debug().Int("width", width).Int("height", height).Int("fps", fps).Msg("passthrough reconfigure")
	return nil
}

func (p *Passthrough) SendVideo(nv12 []byte, width, height int, ptsNs int64) error {
	return nil
}

func (p *Passthrough) SendAudio(pcm []float32, channels, sampleRate int) error {
	return nil
}

func (p *Passthrough) Destroy() {}
