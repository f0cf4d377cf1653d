package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// PulseConfig configures a [PulseAdapter].
type PulseConfig struct {
	// Source is the echo-cancelling virtual capture device, e.g.
	// "echocancel_source".
	Source string

	// Sink is the echo-cancelling virtual playback device, e.g.
	// "echocancel_sink".
	Sink string

	// Chime is cached 24 kHz int16 PCM played by PlayChime. Defaults to the
	// built-in generated chime.
	Chime []byte
}

// PulseAdapter drives PulseAudio helper processes bound to echo-cancelling
// virtual devices: parec for capture at 16 kHz and pacat for playback at
// 24 kHz.
//
// Interrupt kills the playback helper (dropping everything buffered in it)
// and flips the forwarding sink into discard mode; Resume respawns pacat and
// swaps it back in. Speaker writes flow through a stable [gatedWriter] so the
// TTS player never observes the swap.
type PulseAdapter struct {
	cfg   PulseConfig
	chime []byte

	micCh   chan []float32
	capture *exec.Cmd

	gate *gatedWriter

	mu        sync.Mutex
	playback  *exec.Cmd
	respawned bool // one free respawn after an unexpected pacat exit
	closed    bool
}

// NewPulseAdapter verifies that the named echo-cancel devices exist, then
// starts the capture and playback helpers. Missing devices are a
// precondition failure with an instructive message.
func NewPulseAdapter(ctx context.Context, cfg PulseConfig) (*PulseAdapter, error) {
	if cfg.Source == "" || cfg.Sink == "" {
		return nil, errors.New("local: pulse source and sink must not be empty")
	}
	chime := cfg.Chime
	if chime == nil {
		chime = audio.BuiltinChime()
	}

	if err := checkPulseDevice(ctx, "sources", cfg.Source); err != nil {
		return nil, err
	}
	if err := checkPulseDevice(ctx, "sinks", cfg.Sink); err != nil {
		return nil, err
	}

	a := &PulseAdapter{
		cfg:   cfg,
		chime: chime,
		micCh: make(chan []float32, micChanBuf),
		gate:  &gatedWriter{},
	}

	capture := exec.CommandContext(ctx, "parec",
		"--device="+cfg.Source,
		"--format=s16le",
		"--rate="+strconv.Itoa(audio.AnalysisRate),
		"--channels=1",
		"--raw",
	)
	stdout, err := capture.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("local: parec stdout pipe: %w", err)
	}
	if err := capture.Start(); err != nil {
		return nil, fmt.Errorf("local: start parec: %w", err)
	}
	a.capture = capture
	go a.pumpMic(stdout)

	if err := a.spawnPlayback(); err != nil {
		_ = capture.Process.Kill()
		return nil, err
	}

	return a, nil
}

// checkPulseDevice confirms the named device appears in
// `pactl list short <kind>`.
func checkPulseDevice(ctx context.Context, kind, name string) error {
	out, err := exec.CommandContext(ctx, "pactl", "list", "short", kind).Output()
	if err != nil {
		return fmt.Errorf("local: pactl not available (is PulseAudio running?): %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return nil
		}
	}
	return fmt.Errorf("local: echo-cancel device %q not found among PulseAudio %s; load module-echo-cancel first (pactl load-module module-echo-cancel)",
		name, kind)
}

// pumpMic reads int16 capture PCM and forwards float32 frames. A capture
// helper exit is fatal and closes the mic stream.
func (a *PulseAdapter) pumpMic(r io.Reader) {
	defer close(a.micCh)
	buf := make([]byte, micReadSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			a.micCh <- audio.PCM16ToFloat32(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("parec capture ended", "err", err)
			}
			return
		}
	}
}

// spawnPlayback starts a fresh pacat and installs its stdin as the gate's
// downstream. Also arms a watcher that respawns once if pacat dies outside an
// interrupt.
func (a *PulseAdapter) spawnPlayback() error {
	playback := exec.Command("pacat",
		"--device="+a.cfg.Sink,
		"--format=s16le",
		"--rate="+strconv.Itoa(audio.SynthesisRate),
		"--channels=1",
		"--raw",
		"--playback",
	)
	stdin, err := playback.StdinPipe()
	if err != nil {
		return fmt.Errorf("local: pacat stdin pipe: %w", err)
	}
	if err := playback.Start(); err != nil {
		return fmt.Errorf("local: start pacat: %w", err)
	}

	a.mu.Lock()
	a.playback = playback
	a.mu.Unlock()
	a.gate.swap(stdin)

	go a.watchPlayback(playback)
	return nil
}

// watchPlayback respawns pacat once if it exits while not interrupted. Exits
// during discard mode are expected (Interrupt kills the helper).
func (a *PulseAdapter) watchPlayback(cmd *exec.Cmd) {
	err := cmd.Wait()

	a.mu.Lock()
	current := a.playback == cmd
	closed := a.closed
	alreadyRespawned := a.respawned
	a.mu.Unlock()

	if !current || closed || a.gate.discarding() {
		return
	}

	slog.Warn("pacat exited unexpectedly", "err", err)
	if alreadyRespawned {
		slog.Error("pacat exited twice; playback is down for this session")
		return
	}
	a.mu.Lock()
	a.respawned = true
	a.mu.Unlock()
	if err := a.spawnPlayback(); err != nil {
		slog.Error("pacat respawn failed", "err", err)
	}
}

// MicStream implements [transport.Adapter].
func (a *PulseAdapter) MicStream() <-chan []float32 { return a.micCh }

// WriteSpeaker implements [transport.Adapter]. Writes go through the gate so
// interrupts and helper swaps are invisible to the caller.
func (a *PulseAdapter) WriteSpeaker(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.gate.Write(pcm)
	return err
}

// Interrupt implements [transport.Adapter]: flip the gate into discard mode,
// then kill pacat so its buffered audio dies with it.
func (a *PulseAdapter) Interrupt() error {
	a.gate.setDiscard(true)

	a.mu.Lock()
	playback := a.playback
	a.mu.Unlock()
	if playback != nil && playback.Process != nil {
		_ = playback.Process.Kill()
	}
	return nil
}

// Resume implements [transport.Adapter]: respawn pacat and leave discard
// mode.
func (a *PulseAdapter) Resume() error {
	if err := a.spawnPlayback(); err != nil {
		return err
	}
	a.gate.setDiscard(false)
	return nil
}

// PlayChime implements [transport.Adapter].
func (a *PulseAdapter) PlayChime(ctx context.Context) error {
	return a.WriteSpeaker(ctx, a.chime)
}

// Close implements [transport.Adapter].
func (a *PulseAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	playback := a.playback
	a.mu.Unlock()

	a.gate.setDiscard(true)
	if a.capture != nil && a.capture.Process != nil {
		_ = a.capture.Process.Kill()
		_ = a.capture.Wait()
	}
	if playback != nil && playback.Process != nil {
		_ = playback.Process.Kill()
	}
	return nil
}

// ─── gatedWriter ──────────────────────────────────────────────────────────────

// gatedWriter is a stable forwarding sink for speaker PCM. It atomically
// swaps its downstream when the playback helper respawns, silently discards
// writes while in discard mode, and swallows errors originating from a killed
// downstream while discarding. The TTS player holds one reference for the
// lifetime of the session and never sees the churn behind it.
type gatedWriter struct {
	mu      sync.Mutex
	dst     io.WriteCloser
	discard bool
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	dst := g.dst
	discard := g.discard
	g.mu.Unlock()

	if discard || dst == nil {
		return len(p), nil
	}
	n, err := dst.Write(p)
	if err != nil {
		// The helper may have just been killed by an interrupt racing this
		// write; absorb rather than surface a transient pipe error.
		if g.discarding() {
			return len(p), nil
		}
		return n, err
	}
	return n, nil
}

// swap installs a new downstream, closing the previous one.
func (g *gatedWriter) swap(dst io.WriteCloser) {
	g.mu.Lock()
	old := g.dst
	g.dst = dst
	g.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (g *gatedWriter) setDiscard(v bool) {
	g.mu.Lock()
	g.discard = v
	g.mu.Unlock()
}

func (g *gatedWriter) discarding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.discard
}
