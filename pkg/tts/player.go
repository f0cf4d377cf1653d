package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/types"
)

// interruptPollInterval is how often waiting loops check the interrupt flag.
const interruptPollInterval = 20 * time.Millisecond

// Speaker is the slice of the audio transport the player writes to. It is
// satisfied by transport.Adapter.
type Speaker interface {
	// WriteSpeaker plays raw 24 kHz int16 LE PCM with backpressure.
	WriteSpeaker(ctx context.Context, pcm []byte) error

	// Interrupt clears the speaker buffer immediately.
	Interrupt() error

	// Resume re-enables playback after an interrupt.
	Resume() error
}

// Player speaks text through a [Synthesizer] and a [Speaker].
//
// Timing: for every chunk written the player advances
// playbackFinishAt = max(now, playbackFinishAt) + chunkDuration. The max is
// essential — when sentence delivery gaps exceed the previous chunk's audio
// (e.g. during tool calls) a naive accumulator goes "negative" and the player
// would resolve before the last chunk has actually played.
//
// Interruption: Interrupt raises a flag polled by every loop, clears the
// speaker buffer, and aborts the synthesizer. The next Speak/SpeakStream call
// invokes the speaker's Resume exactly once before its first write; Resume is
// never called on the non-interrupted path.
type Player struct {
	synth   Synthesizer
	speaker Speaker

	interrupted   atomic.Bool
	pendingResume atomic.Bool
	speaking      atomic.Bool

	mu               sync.Mutex
	playbackFinishAt time.Time

	destroyed atomic.Bool
}

// NewPlayer creates a Player over the given synthesizer and speaker.
func NewPlayer(synth Synthesizer, speaker Speaker) (*Player, error) {
	if synth == nil {
		return nil, errors.New("tts: synthesizer must not be nil")
	}
	if speaker == nil {
		return nil, errors.New("tts: speaker must not be nil")
	}
	return &Player{synth: synth, speaker: speaker}, nil
}

// Speak synthesises and plays a single utterance, returning after the audio
// has drained.
func (p *Player) Speak(ctx context.Context, text string) error {
	ch := make(chan types.TextChunk, 1)
	ch <- types.Flush(text)
	close(ch)
	return p.SpeakStream(ctx, ch)
}

// SpeakStream pipelines synthesis and playback of a chunk stream and returns
// once the final audio has drained (or promptly after an interrupt).
func (p *Player) SpeakStream(ctx context.Context, chunks <-chan types.TextChunk) error {
	if p.destroyed.Load() {
		return errors.New("tts: player is destroyed")
	}

	p.interrupted.Store(false)
	p.speaking.Store(true)
	defer p.speaking.Store(false)

	resumed := false
	var firstErr error

	sentences := BufferSentences(chunks)
	defer drainStrings(sentences)

	for sentence := range sentences {
		if p.interrupted.Load() || ctx.Err() != nil {
			break
		}

		start := time.Now()
		pcmCh, err := p.synth.Synthesize(ctx, sentence)
		if err != nil {
			return fmt.Errorf("tts: synthesize: %w", err)
		}

		first := true
		for chunk := range pcmCh {
			if p.interrupted.Load() || ctx.Err() != nil {
				drainBytes(pcmCh)
				break
			}
			if first {
				first = false
				slog.Debug("tts first audio", "latency", time.Since(start), "sentence_len", len(sentence))
			}

			// Post-interrupt turns must resume the speaker path exactly once
			// before the first write.
			if !resumed && p.pendingResume.CompareAndSwap(true, false) {
				if err := p.speaker.Resume(); err != nil {
					slog.Warn("tts: speaker resume failed", "err", err)
				}
			}
			resumed = true

			if err := p.speaker.WriteSpeaker(ctx, chunk); err != nil {
				drainBytes(pcmCh)
				firstErr = fmt.Errorf("tts: speaker write: %w", err)
				break
			}
			p.advancePlayback(audio.PCMDuration(len(chunk), audio.SynthesisRate))
		}
		if firstErr != nil {
			return firstErr
		}
	}

	if !p.interrupted.Load() {
		p.waitForPlayback(ctx)
	}
	return ctx.Err()
}

// Interrupt stops playback as soon as possible: flag first so every loop
// bails at its next check, then the speaker buffer is cleared and the
// synthesizer aborted. The next Speak/SpeakStream will resume the speaker.
func (p *Player) Interrupt() {
	if p.interrupted.Swap(true) {
		return
	}
	p.synth.Interrupt()
	if err := p.speaker.Interrupt(); err != nil {
		slog.Warn("tts: speaker interrupt failed", "err", err)
	}
	p.pendingResume.Store(true)

	p.mu.Lock()
	p.playbackFinishAt = time.Time{}
	p.mu.Unlock()
}

// IsSpeaking reports whether a SpeakStream call is currently active.
func (p *Player) IsSpeaking() bool {
	return p.speaking.Load()
}

// Destroy releases the synthesizer. The player is unusable afterwards.
func (p *Player) Destroy() error {
	if p.destroyed.Swap(true) {
		return nil
	}
	return p.synth.Close()
}

// advancePlayback extends the playback horizon by one chunk's duration.
func (p *Player) advancePlayback(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.playbackFinishAt.Before(now) {
		p.playbackFinishAt = now
	}
	p.playbackFinishAt = p.playbackFinishAt.Add(d)
}

// waitForPlayback blocks until the playback horizon passes, polling the
// interrupt flag so a barge-in releases the caller early.
func (p *Player) waitForPlayback(ctx context.Context) {
	for {
		p.mu.Lock()
		remaining := time.Until(p.playbackFinishAt)
		p.mu.Unlock()
		if remaining <= 0 {
			return
		}
		wait := min(remaining, interruptPollInterval)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		if p.interrupted.Load() {
			return
		}
	}
}

func drainBytes(ch <-chan []byte) {
	for range ch {
	}
}

func drainStrings(ch <-chan string) {
	for range ch {
	}
}
