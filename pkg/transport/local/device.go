package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// deviceRate is the native rate the full-duplex device runs at. 48 kHz is
// universally supported; mic audio is downsampled to 16 kHz and speaker audio
// upsampled from 24 kHz.
const deviceRate = 48000

// ringHighWater is the playback ring level (in bytes at the device rate)
// above which WriteSpeaker blocks for backpressure: about one second.
const ringHighWater = deviceRate * 2

// DeviceConfig configures a [DeviceAdapter].
type DeviceConfig struct {
	// Chime is cached 24 kHz int16 PCM played by PlayChime. Defaults to the
	// built-in generated chime.
	Chime []byte
}

// DeviceAdapter opens the default full-duplex device through malgo
// (miniaudio). It performs no echo cancellation — without a headset the
// assistant will hear itself — and exists as a fallback for hosts that have
// neither the native helper nor PulseAudio echo-cancel devices.
type DeviceAdapter struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	chime  []byte

	micCh chan []float32

	mu      sync.Mutex
	ring    []byte
	discard bool
	closed  bool
}

// NewDeviceAdapter initialises the audio context and starts the duplex
// device.
func NewDeviceAdapter(cfg DeviceConfig) (*DeviceAdapter, error) {
	chime := cfg.Chime
	if chime == nil {
		chime = audio.BuiltinChime()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("local: init audio context: %w", err)
	}

	a := &DeviceAdapter{
		ctx:   mctx,
		chime: chime,
		micCh: make(chan []float32, micChanBuf),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = deviceRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: a.onSamples,
	})
	if err != nil {
		_ = mctx.Uninit()
		return nil, fmt.Errorf("local: init duplex device: %w", err)
	}
	a.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return nil, fmt.Errorf("local: start duplex device: %w", err)
	}

	return a, nil
}

// onSamples is the device callback: capture input is resampled to the
// analysis rate and forwarded; playback output is served from the ring.
func (a *DeviceAdapter) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil {
		samples := audio.PCM16ToFloat32(pInput)
		samples = audio.ResampleLinear(samples, deviceRate, audio.AnalysisRate)
		// Never block the realtime callback; drop when the consumer stalls.
		select {
		case a.micCh <- samples:
		default:
		}
	}

	if pOutput != nil {
		a.mu.Lock()
		n := copy(pOutput, a.ring)
		a.ring = a.ring[n:]
		a.mu.Unlock()
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}
}

// MicStream implements [transport.Adapter].
func (a *DeviceAdapter) MicStream() <-chan []float32 { return a.micCh }

// WriteSpeaker implements [transport.Adapter]. The 24 kHz input is upsampled
// to the device rate and appended to the playback ring; the call blocks while
// the ring is above its high-water mark so synthesis cannot run unboundedly
// ahead of playback.
func (a *DeviceAdapter) WriteSpeaker(ctx context.Context, pcm []byte) error {
	resampled := audio.ResampleMono16(pcm, audio.SynthesisRate, deviceRate)

	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil
		}
		if a.discard {
			a.mu.Unlock()
			return nil
		}
		if len(a.ring) < ringHighWater {
			a.ring = append(a.ring, resampled...)
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()

		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Interrupt implements [transport.Adapter]: clear the ring and discard
// further writes until Resume.
func (a *DeviceAdapter) Interrupt() error {
	a.mu.Lock()
	a.ring = nil
	a.discard = true
	a.mu.Unlock()
	return nil
}

// Resume implements [transport.Adapter].
func (a *DeviceAdapter) Resume() error {
	a.mu.Lock()
	a.discard = false
	a.mu.Unlock()
	return nil
}

// PlayChime implements [transport.Adapter].
func (a *DeviceAdapter) PlayChime(ctx context.Context) error {
	return a.WriteSpeaker(ctx, a.chime)
}

// Close implements [transport.Adapter].
func (a *DeviceAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.device.Uninit()
	if err := a.ctx.Uninit(); err != nil {
		return fmt.Errorf("local: uninit audio context: %w", err)
	}
	close(a.micCh)
	return nil
}
