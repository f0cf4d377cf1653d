// Package local provides the on-device audio adapters.
//
// Three variants are available, selected by configuration:
//
//   - [HelperAdapter] wraps a native audio helper binary whose platform audio
//     pipeline performs acoustic echo cancellation. stdout carries mic PCM,
//     stdin accepts speaker PCM, and POSIX signals drive interrupt/resume.
//   - [PulseAdapter] drives PulseAudio's parec/pacat against named
//     echo-cancelling virtual devices.
//   - [DeviceAdapter] opens a plain full-duplex device through malgo for
//     hosts with neither helper; it performs no echo cancellation.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

const (
	// micChanBuf is the buffer depth of the mic frame channel. At ~128 ms
	// per frame this absorbs several seconds of consumer stall.
	micChanBuf = 32

	// micReadSize is the byte size of one mic read: 2048 samples of int16 at
	// 16 kHz, i.e. 128 ms.
	micReadSize = 4096

	// defaultReadyTimeout bounds the wait for the helper's READY line.
	defaultReadyTimeout = 10 * time.Second
)

// readyToken is printed on the helper's stderr once its audio units are
// running.
const readyToken = "READY"

// HelperConfig configures a [HelperAdapter].
type HelperConfig struct {
	// Binary is the helper executable. Invoked as
	// `<binary> <micRateHz> <speakerRateHz>`.
	Binary string

	// Chime is cached 24 kHz int16 PCM played by PlayChime. Defaults to the
	// built-in generated chime.
	Chime []byte

	// ReadyTimeout bounds the READY handshake. Zero selects the default.
	ReadyTimeout time.Duration
}

// HelperAdapter runs the native echo-cancelling audio helper. The helper owns
// the platform audio units; this adapter only moves PCM and signals.
//
// Interrupt sends SIGUSR1, which clears the helper's playback ring buffer and
// makes it discard stdin; Resume sends SIGUSR2 to re-enable stdin processing.
// A helper exit during the session is fatal and surfaces as a closed mic
// stream.
type HelperAdapter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	chime []byte

	micCh chan []float32

	mu     sync.Mutex
	closed bool
}

// NewHelperAdapter spawns the helper and waits for READY on its stderr.
func NewHelperAdapter(ctx context.Context, cfg HelperConfig) (*HelperAdapter, error) {
	if cfg.Binary == "" {
		return nil, errors.New("local: helper binary must not be empty")
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	chime := cfg.Chime
	if chime == nil {
		chime = audio.BuiltinChime()
	}

	cmd := exec.CommandContext(ctx, cfg.Binary,
		strconv.Itoa(audio.AnalysisRate), strconv.Itoa(audio.SynthesisRate))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("local: helper stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("local: helper stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("local: helper stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("local: spawn audio helper %q: %w", cfg.Binary, err)
	}

	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		signalled := false
		for scanner.Scan() {
			line := scanner.Text()
			if !signalled && line == readyToken {
				signalled = true
				close(ready)
				continue
			}
			slog.Debug("audio helper", "stderr", line)
		}
	}()

	select {
	case <-ready:
	case <-time.After(readyTimeout):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("local: audio helper %q did not print READY within %v", cfg.Binary, readyTimeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	a := &HelperAdapter{
		cmd:   cmd,
		stdin: stdin,
		chime: chime,
		micCh: make(chan []float32, micChanBuf),
	}
	go a.pumpMic(stdout)
	return a, nil
}

// pumpMic reads int16 mic PCM from the helper's stdout and forwards float32
// frames. A read failure (helper exit) closes the mic stream.
func (a *HelperAdapter) pumpMic(r io.Reader) {
	defer close(a.micCh)
	buf := make([]byte, micReadSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			a.micCh <- audio.PCM16ToFloat32(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("audio helper capture ended", "err", err)
			}
			return
		}
	}
}

// MicStream implements [transport.Adapter].
func (a *HelperAdapter) MicStream() <-chan []float32 { return a.micCh }

// WriteSpeaker implements [transport.Adapter]. Writes after the helper has
// exited are silently absorbed.
func (a *HelperAdapter) WriteSpeaker(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil
	}
	if _, err := a.stdin.Write(pcm); err != nil {
		slog.Debug("speaker write after helper exit", "err", err)
		return nil
	}
	return nil
}

// Interrupt implements [transport.Adapter]: SIGUSR1 clears the helper's
// playback ring and starts discarding stdin.
func (a *HelperAdapter) Interrupt() error {
	return a.signal(syscall.SIGUSR1)
}

// Resume implements [transport.Adapter]: SIGUSR2 resumes stdin processing.
func (a *HelperAdapter) Resume() error {
	return a.signal(syscall.SIGUSR2)
}

// PlayChime implements [transport.Adapter].
func (a *HelperAdapter) PlayChime(ctx context.Context) error {
	return a.WriteSpeaker(ctx, a.chime)
}

// Close implements [transport.Adapter].
func (a *HelperAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	_ = a.stdin.Close()
	if a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
	_ = a.cmd.Wait()
	return nil
}

func (a *HelperAdapter) signal(sig syscall.Signal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.cmd.Process == nil {
		return nil
	}
	if err := a.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("local: signal helper: %w", err)
	}
	return nil
}
