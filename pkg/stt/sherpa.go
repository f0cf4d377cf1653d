package stt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// Model file names expected inside the configured model directory. The triple
// is fixed: a Whisper encoder, its decoder, and the token table.
const (
	sherpaEncoderFile = "encoder.onnx"
	sherpaDecoderFile = "decoder.onnx"
	sherpaTokensFile  = "tokens.txt"
)

// SherpaEngine implements [Engine] using the sherpa-onnx offline Whisper
// recogniser. The recogniser is loaded once at construction; each Transcribe
// call creates a short-lived decoding stream.
type SherpaEngine struct {
	mu  sync.Mutex
	rec *sherpa.OfflineRecognizer
}

// NewSherpaEngine loads the Whisper model triple from modelDir. All three
// files must exist; a missing file fails fast with an instructive error.
// numThreads <= 0 selects the CPU count.
func NewSherpaEngine(modelDir string, numThreads int) (*SherpaEngine, error) {
	if modelDir == "" {
		return nil, errors.New("stt: model directory must not be empty")
	}

	encoder := filepath.Join(modelDir, sherpaEncoderFile)
	decoder := filepath.Join(modelDir, sherpaDecoderFile)
	tokens := filepath.Join(modelDir, sherpaTokensFile)
	for _, f := range []string{encoder, decoder, tokens} {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("stt: required model file %q is missing from %q (the directory must contain %s, %s and %s): %w",
				filepath.Base(f), modelDir, sherpaEncoderFile, sherpaDecoderFile, sherpaTokensFile, err)
		}
	}

	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	config := sherpa.OfflineRecognizerConfig{
		ModelConfig: sherpa.OfflineModelConfig{
			Whisper: sherpa.OfflineWhisperModelConfig{
				Encoder: encoder,
				Decoder: decoder,
			},
			Tokens:     tokens,
			NumThreads: numThreads,
			Provider:   "cpu",
			Debug:      0,
		},
		DecodingMethod: "greedy_search",
	}

	rec := sherpa.NewOfflineRecognizer(&config)
	if rec == nil {
		return nil, fmt.Errorf("stt: failed to create sherpa recogniser from %q", modelDir)
	}
	return &SherpaEngine{rec: rec}, nil
}

// Transcribe implements [Engine]. The context is checked before the (blocking,
// CPU-bound) decode starts; sherpa itself is not cancellable mid-decode.
func (e *SherpaEngine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("stt: context cancelled before decode: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return "", errors.New("stt: sherpa engine is closed")
	}

	stream := sherpa.NewOfflineStream(e.rec)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(16000, samples)
	e.rec.Decode(stream)

	result := stream.GetResult()
	if result == nil {
		return "", nil
	}
	return strings.TrimSpace(result.Text), nil
}

// Close implements [Engine]. Calling Close more than once is safe.
func (e *SherpaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		sherpa.DeleteOfflineRecognizer(e.rec)
		e.rec = nil
	}
	return nil
}
