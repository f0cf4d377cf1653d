// Package stt provides batch speech-to-text for the voice pipeline.
//
// A [Processor] accumulates the float32 audio of one speech segment and, on
// demand, feeds the whole segment to an offline [Engine] in a single shot.
// Two engines are available: [SherpaEngine] (sherpa-onnx Whisper, the
// default) and [WhisperCPPEngine] (whisper.cpp CGO bindings).
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/voiceloop/pkg/types"
)

// Engine is a one-shot offline recogniser. Implementations must be safe for
// use from a single goroutine at a time; the Processor serialises calls.
type Engine interface {
	// Transcribe recognises a complete utterance of 16 kHz mono samples and
	// returns the raw (untrimmed) text.
	Transcribe(ctx context.Context, samples []float32) (string, error)

	// Close releases native resources. The engine is unusable afterwards.
	Close() error
}

// Processor owns the audio buffer for the speech segment currently being
// captured. Accumulate is called from the mic pump; Transcribe and
// ClearBuffer are called from the session controller. All methods are safe
// for concurrent use.
type Processor struct {
	engine Engine

	mu     sync.Mutex
	chunks [][]float32
	closed bool
}

// NewProcessor creates a Processor over the given engine.
func NewProcessor(engine Engine) (*Processor, error) {
	if engine == nil {
		return nil, errors.New("stt: engine must not be nil")
	}
	return &Processor{engine: engine}, nil
}

// Accumulate appends a window of samples to the current segment. The slice is
// retained, not copied; callers must not reuse the backing array.
func (p *Processor) Accumulate(samples []float32) {
	if len(samples) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.chunks = append(p.chunks, samples)
}

// BufferedSamples returns the number of samples currently accumulated.
func (p *Processor) BufferedSamples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, c := range p.chunks {
		n += len(c)
	}
	return n
}

// Transcribe concatenates the accumulated segment, runs the engine on it, and
// returns the trimmed transcript. The buffer is always empty afterwards,
// whether or not recognition succeeded. An empty buffer returns an empty
// final transcript without invoking the engine.
func (p *Processor) Transcribe(ctx context.Context) (types.Transcript, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.Transcript{}, errors.New("stt: processor is destroyed")
	}
	chunks := p.chunks
	p.chunks = nil
	p.mu.Unlock()

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if total == 0 {
		return types.Transcript{IsFinal: true}, nil
	}

	samples := make([]float32, 0, total)
	for _, c := range chunks {
		samples = append(samples, c...)
	}

	text, err := p.engine.Transcribe(ctx, samples)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("stt: transcribe %d samples: %w", total, err)
	}
	return types.Transcript{Text: strings.TrimSpace(text), IsFinal: true}, nil
}

// ClearBuffer discards the accumulated segment without transcribing it. Used
// when a barge-in turns out to be a false alarm.
func (p *Processor) ClearBuffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = nil
}

// Destroy releases the engine. Calling Destroy more than once is safe.
func (p *Processor) Destroy() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.chunks = nil
	p.mu.Unlock()
	return p.engine.Close()
}
