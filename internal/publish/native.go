package publish

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// Native wraps a shared library loaded via dlopen, invoked through purego
// without cgo. The library is expected to export the six C functions named
// below, matching the mixing bus's sender ABI (§4.5, §9: "Native sender
// library... display name + quality int").
type Native struct {
	mu      sync.Mutex
	handle  uintptr
	created bool

	displayName string
	quality     int

	createSender      func(displayName *byte, quality int32) int32
	destroySender     func(senderID int32) int32
	reconfigureSender func(senderID int32, width, height, fps int32) int32
	sendVideoFrame    func(senderID int32, nv12 *byte, size int32, width, height int32, ptsNs int64) int32
	sendAudioFrame    func(senderID int32, pcm *float32, numSamples int32, channels, sampleRate int32) int32
	setQuality        func(senderID int32, level int32) int32

	senderID int32
}

// NewNative dlopens libPath and resolves the sender ABI symbols. displayName
// identifies the camera in the mixing bus UI; quality is the native
// sink's encode-quality knob (§6: 1, 50, or 100).
func NewNative(libPath, displayName string, quality int) (*Native, error) {
	handle, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("publish: dlopen %s: %w", libPath, err)
	}

	n := &Native{handle: handle, displayName: displayName, quality: quality}

	purego.RegisterLibFunc(&n.createSender, handle, "sender_create")
	purego.RegisterLibFunc(&n.destroySender, handle, "sender_destroy")
	purego.RegisterLibFunc(&n.reconfigureSender, handle, "sender_reconfigure")
	purego.RegisterLibFunc(&n.sendVideoFrame, handle, "sender_send_video")
	purego.RegisterLibFunc(&n.sendAudioFrame, handle, "sender_send_audio")
	purego.RegisterLibFunc(&n.setQuality, handle, "sender_set_quality")

	nameBytes := append([]byte(displayName), 0)
	id := n.createSender(&nameBytes[0], int32(quality))
	if id < 0 {
		purego.Dlclose(handle)
		return nil, fmt.Errorf("publish: sender_create returned %d", id)
	}
	n.senderID = id
	n.created = true
	return n, nil
}

// Reconfigure tells the native sink to recreate its encoder pipeline for a
// new (width, height, fps) tuple. It destroys the current sender, creates a
// new one with the same display name and quality, and then passes the tuple
// to the new sender through sender_reconfigure, since sender_create takes no
// dimensions.
func (n *Native) Reconfigure(width, height, fps int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.created {
		_ = n.destroySender(n.senderID)
		n.created = false
	}
	nameBytes := append([]byte(n.displayName), 0)
	id := n.createSender(&nameBytes[0], int32(n.quality))
	if err := negativeIsError("reconfigure.create", int(id)); err != nil {
		return err
	}
	n.senderID = id
	n.created = true
	code := n.reconfigureSender(n.senderID, int32(width), int32(height), int32(fps))
	return negativeIsError("reconfigure", int(code))
}

// SendVideo pushes one NV12 frame (§4.4) to the native sink.
func (n *Native) SendVideo(nv12 []byte, width, height int, ptsNs int64) error {
	if len(nv12) == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	code := n.sendVideoFrame(n.senderID, &nv12[0], int32(len(nv12)), int32(width), int32(height), ptsNs)
	return negativeIsError("send_video", int(code))
}

// SendAudio pushes one block of planar float32 PCM samples, laid out as
// each channel's samples in turn ([ch0 samples][ch1 samples]...).
func (n *Native) SendAudio(pcm []float32, channels, sampleRate int) error {
	if len(pcm) == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	numSamples := len(pcm) / maxInt(channels, 1)
	code := n.sendAudioFrame(n.senderID, &pcm[0], int32(numSamples), int32(channels), int32(sampleRate))
	return negativeIsError("send_audio", int(code))
}

// UpdateQuality applies a new encode-quality level without recreating the
// sender (§4.6 runtime control).
func (n *Native) UpdateQuality(level int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quality = level
	code := n.setQuality(n.senderID, int32(level))
	return negativeIsError("update_quality", int(code))
}

// Destroy tears down the native sender and unloads the library. Idempotent.
func (n *Native) Destroy() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.created {
		_ = n.destroySender(n.senderID)
		n.created = false
	}
	if n.handle != 0 {
		_ = purego.Dlclose(n.handle)
		n.handle = 0
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
