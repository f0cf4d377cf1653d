// This file contains the WhisperCPPEngine implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperCPPEngine implements [Engine] using whisper.cpp Go bindings. Unlike
// the sherpa triple, whisper.cpp loads a single ggml model file. The model is
// loaded once; each Transcribe call creates a fresh context because contexts
// are not reusable across utterances.
type WhisperCPPEngine struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
}

// NewWhisperCPPEngine loads the ggml model at modelPath. language defaults to
// "en".
func NewWhisperCPPEngine(modelPath, language string) (*WhisperCPPEngine, error) {
	if modelPath == "" {
		return nil, errors.New("stt: whisper model path must not be empty")
	}
	if language == "" {
		language = "en"
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("stt: load whisper model %q: %w", modelPath, err)
	}
	return &WhisperCPPEngine{model: model, language: language}, nil
}

// Transcribe implements [Engine].
func (e *WhisperCPPEngine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("stt: context cancelled before decode: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return "", errors.New("stt: whisper engine is closed")
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("stt: create whisper context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("stt: set language %q: %w", e.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("stt: whisper process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stt: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close implements [Engine]. Calling Close more than once is safe.
func (e *WhisperCPPEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		err := e.model.Close()
		e.model = nil
		return err
	}
	return nil
}
