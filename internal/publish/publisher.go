// Package publish adapts decoded, pixel-converted frames to a downstream
// video-mixing bus (C5, §4.5). Two implementations satisfy the Publisher
// interface: Native, which calls into a shared library via purego, and
// Passthrough, a no-op used when no native sink is configured.
package publish

import ierrors "github.com/alxayo/camera-ingest-server/internal/errors"

// Publisher is the narrow interface a stream handler drives (§4.5).
// Reconfigure must be called before the first Send* call and again whenever
// (width, height, fps) changes (§8: "invoked iff the tuple differs from the
// last successful reconfigure"). Destroy releases native resources and must
// be idempotent.
type Publisher interface {
	Reconfigure(width, height, fps int) error
	SendVideo(nv12 []byte, width, height int, ptsNs int64) error
	SendAudio(pcm []float32, channels, sampleRate int) error
	Destroy()
}

// QualityUpdater is implemented by publishers that can change encode
// quality without restarting the underlying sender (§4.6 "update_quality
// applies to every native publisher without restarting connections").
// Passthrough does not implement it; callers type-assert before use.
type QualityUpdater interface {
	UpdateQuality(level int) error
}

// negativeIsError converts the native sink's best-effort return convention
// (§9: "success is non-negative; the spec treats success as best-effort")
// into an error without treating it as fatal to the connection (§7
// PublisherError is always non-fatal).
func negativeIsError(op string, code int) error {
	if code < 0 {
		return ierrors.NewPublisherError(op, code)
	}
	return nil
}
