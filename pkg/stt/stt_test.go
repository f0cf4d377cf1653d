package stt

import (
	"context"
	"errors"
	"testing"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// recordingEngine captures Transcribe inputs and returns a scripted text.
type recordingEngine struct {
	text   string
	err    error
	calls  [][]float32
	closed bool
}

func (e *recordingEngine) Transcribe(_ context.Context, samples []float32) (string, error) {
	cp := make([]float32, len(samples))
	copy(cp, samples)
	e.calls = append(e.calls, cp)
	return e.text, e.err
}

func (e *recordingEngine) Close() error {
	e.closed = true
	return nil
}

// ─── tests ───────────────────────────────────────────────────────────────────

// TestProcessor_AccumulateTranscribeClears verifies the segment is handed to
// the engine once and the buffer is empty afterwards.
func TestProcessor_AccumulateTranscribeClears(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{text: "  hello world \n"}
	p, err := NewProcessor(eng)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	p.Accumulate([]float32{1, 2})
	p.Accumulate([]float32{3})
	if n := p.BufferedSamples(); n != 3 {
		t.Fatalf("buffered = %d, want 3", n)
	}

	tr, err := p.Transcribe(context.Background())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello world" || !tr.IsFinal {
		t.Errorf("transcript = %+v, want trimmed final", tr)
	}
	if len(eng.calls) != 1 || len(eng.calls[0]) != 3 {
		t.Fatalf("engine calls = %v, want one call with 3 samples", eng.calls)
	}
	if n := p.BufferedSamples(); n != 0 {
		t.Errorf("buffer not cleared after transcribe: %d samples", n)
	}
}

// TestProcessor_EmptyTranscribeSkipsEngine verifies an empty buffer returns
// an empty final transcript without touching the model.
func TestProcessor_EmptyTranscribeSkipsEngine(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{text: "should not appear"}
	p, err := NewProcessor(eng)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	tr, err := p.Transcribe(context.Background())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !tr.Empty() || !tr.IsFinal {
		t.Errorf("transcript = %+v, want empty final", tr)
	}
	if len(eng.calls) != 0 {
		t.Error("engine was invoked for an empty buffer")
	}
}

// TestProcessor_BufferClearedOnError verifies a failed recognition still
// empties the buffer, so the next segment starts clean.
func TestProcessor_BufferClearedOnError(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{err: errors.New("model exploded")}
	p, err := NewProcessor(eng)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	p.Accumulate([]float32{1})
	if _, err := p.Transcribe(context.Background()); err == nil {
		t.Fatal("expected transcription error")
	}
	if n := p.BufferedSamples(); n != 0 {
		t.Errorf("buffer not cleared after error: %d samples", n)
	}
}

// TestProcessor_ClearBuffer verifies explicit discard.
func TestProcessor_ClearBuffer(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	p, err := NewProcessor(eng)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	p.Accumulate([]float32{1, 2, 3})
	p.ClearBuffer()
	if n := p.BufferedSamples(); n != 0 {
		t.Errorf("buffered = %d after ClearBuffer, want 0", n)
	}
}

// TestProcessor_DestroyReleasesEngine verifies Destroy closes the engine and
// later calls fail.
func TestProcessor_DestroyReleasesEngine(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	p, err := NewProcessor(eng)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !eng.closed {
		t.Error("engine not closed")
	}
	if _, err := p.Transcribe(context.Background()); err == nil {
		t.Error("Transcribe after Destroy should fail")
	}
	if err := p.Destroy(); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}
