// Package endpoint decides whether a just-ended speech segment completes the
// user's conversational turn.
//
// The fast path is purely lexical: a transcript with enough words is treated
// as complete the moment the VAD reports silence, which keeps latency at the
// VAD's redemption window. Shorter transcripts may optionally consult a small
// remote classifier; if the classifier does not answer within the configured
// ceiling the turn is forced complete so the user is never left hanging.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Method records how a completion decision was reached.
type Method int

const (
	// MethodVadFast is the lexical fast path (or fallback disabled).
	MethodVadFast Method = iota

	// MethodSemanticFallback is a positive answer from the classifier.
	MethodSemanticFallback

	// MethodTimeout is a completion forced by the classifier ceiling or by a
	// classifier failure.
	MethodTimeout
)

// String returns the method name for logging.
func (m Method) String() string {
	switch m {
	case MethodVadFast:
		return "vad_fast"
	case MethodSemanticFallback:
		return "semantic_fallback"
	case MethodTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Decision is the endpointer's verdict on a transcript.
type Decision struct {
	Complete bool
	Method   Method
}

// Classifier answers whether a transcript reads as a finished utterance.
type Classifier interface {
	// Complete returns true when transcript is a complete user turn. It must
	// respect ctx cancellation.
	Complete(ctx context.Context, transcript string) (bool, error)
}

// Config holds the endpointing parameters.
type Config struct {
	// MinWordCountForFastPath is the word count at or above which the
	// lexical fast path declares the turn complete. Default 4.
	MinWordCountForFastPath int

	// EnableSemanticFallback consults the classifier for short transcripts.
	// Disabled by default, which preserves conservative latency: short
	// transcripts are then treated as complete too.
	EnableSemanticFallback bool

	// MaxSilenceBeforeTimeout caps the classifier round-trip; past it the
	// turn is forced complete. Default 1 s.
	MaxSilenceBeforeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinWordCountForFastPath <= 0 {
		c.MinWordCountForFastPath = 4
	}
	if c.MaxSilenceBeforeTimeout <= 0 {
		c.MaxSilenceBeforeTimeout = time.Second
	}
}

// Endpointer applies the turn-completion algorithm. It holds no state across
// turns beyond the Reset hook.
type Endpointer struct {
	cfg        Config
	classifier Classifier
}

// New creates an Endpointer. classifier may be nil when the semantic fallback
// is disabled.
func New(cfg Config, classifier Classifier) (*Endpointer, error) {
	cfg.applyDefaults()
	if cfg.EnableSemanticFallback && classifier == nil {
		return nil, errors.New("endpoint: semantic fallback enabled but no classifier configured")
	}
	return &Endpointer{cfg: cfg, classifier: classifier}, nil
}

// Decide evaluates the transcript of a just-ended speech segment.
func (e *Endpointer) Decide(ctx context.Context, transcript string) Decision {
	words := len(strings.Fields(transcript))
	if words >= e.cfg.MinWordCountForFastPath {
		return Decision{Complete: true, Method: MethodVadFast}
	}

	if !e.cfg.EnableSemanticFallback {
		return Decision{Complete: true, Method: MethodVadFast}
	}

	classifyCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxSilenceBeforeTimeout)
	defer cancel()

	complete, err := e.classifier.Complete(classifyCtx, transcript)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Decision{Complete: true, Method: MethodTimeout}
		}
		// A broken classifier must not wedge the conversation.
		slog.Warn("endpoint classifier failed; forcing completion", "err", err)
		return Decision{Complete: true, Method: MethodTimeout}
	}
	if complete {
		return Decision{Complete: true, Method: MethodSemanticFallback}
	}
	return Decision{Complete: false}
}

// Reset clears per-turn state. The current algorithm keeps none; the hook
// exists so the controller can treat all segment-scoped components uniformly.
func (e *Endpointer) Reset() {}
