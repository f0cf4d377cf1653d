package tts

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeHelper scripts the helper side of the length-prefixed PCM protocol.
type fakeHelper struct {
	cmdR  *io.PipeReader // commands the synthesizer wrote
	pcmW  *io.PipeWriter // PCM the helper emits
	synth *SubprocessSynthesizer
}

func newFakeHelper(t *testing.T) *fakeHelper {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	pcmR, pcmW := io.Pipe()
	s := newSubprocessFromPipes(cmdW, pcmR)
	t.Cleanup(func() {
		_ = pcmW.Close()
		_ = s.Close()
	})
	return &fakeHelper{cmdR: cmdR, pcmW: pcmW, synth: s}
}

// watchCommands drains the synthesizer's command stream in the background,
// forwarding each parsed command. The drain keeps command writes (including
// the quit on Close) from blocking the pipe.
func (h *fakeHelper) watchCommands() <-chan synthCommand {
	out := make(chan synthCommand, 8)
	go func() {
		defer close(out)
		r := bufio.NewReader(h.cmdR)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			var cmd synthCommand
			if json.Unmarshal([]byte(line), &cmd) == nil {
				select {
				case out <- cmd:
				default:
				}
			}
		}
	}()
	return out
}

// emitChunk writes one length-prefixed PCM chunk. Errors are reported with
// Errorf because emits may run on helper goroutines.
func (h *fakeHelper) emitChunk(t *testing.T, payload []byte) {
	t.Helper()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := h.pcmW.Write(header[:]); err != nil {
		t.Errorf("emit header: %v", err)
		return
	}
	if len(payload) > 0 {
		if _, err := h.pcmW.Write(payload); err != nil {
			t.Errorf("emit payload: %v", err)
		}
	}
}

// emitSentinel marks end of utterance.
func (h *fakeHelper) emitSentinel(t *testing.T) {
	h.emitChunk(t, nil)
}

func collectPCM(t *testing.T, ch <-chan []byte) [][]byte {
	t.Helper()
	var chunks [][]byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatalf("timed out with %d chunks", len(chunks))
		}
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

// TestSubprocess_GenerateStreamsChunks verifies the generate command and the
// framed PCM stream up to the sentinel.
func TestSubprocess_GenerateStreamsChunks(t *testing.T) {
	t.Parallel()

	h := newFakeHelper(t)
	commands := h.watchCommands()

	go func() {
		h.emitChunk(t, []byte{1, 1})
		h.emitChunk(t, []byte{2, 2, 2, 2})
		h.emitSentinel(t)
	}()

	ch, err := h.synth.Synthesize(t.Context(), "hello world")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	select {
	case cmd := <-commands:
		if cmd.Cmd != "generate" || cmd.Text != "hello world" {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no generate command reached the helper")
	}

	chunks := collectPCM(t, ch)
	if len(chunks) != 2 || len(chunks[0]) != 2 || len(chunks[1]) != 4 {
		t.Fatalf("chunks = %v", chunks)
	}
}

// TestSubprocess_InterruptDrainsStalePCM verifies that after an interrupt the
// next utterance never sees the aborted utterance's tail: the synthesizer
// drains to the sentinel first.
func TestSubprocess_InterruptDrainsStalePCM(t *testing.T) {
	t.Parallel()

	h := newFakeHelper(t)
	_ = h.watchCommands()

	ch1, err := h.synth.Synthesize(t.Context(), "first utterance text")
	if err != nil {
		t.Fatalf("Synthesize 1: %v", err)
	}

	h.emitChunk(t, []byte{0xA1})
	// Consumer hears one chunk, then the user barges in.
	<-ch1
	h.synth.Interrupt()

	// Helper flushes the rest of the aborted utterance.
	h.emitChunk(t, []byte{0xA2})
	h.emitChunk(t, []byte{0xA3})
	h.emitSentinel(t)

	// The aborted stream ends without the stale tail.
	for c := range ch1 {
		if len(c) > 0 && (c[0] == 0xA2 || c[0] == 0xA3) {
			t.Errorf("stale chunk %#x surfaced after interrupt", c[0])
		}
	}

	// Second utterance sees only its own bytes.
	ch2, err := h.synth.Synthesize(t.Context(), "second utterance text")
	if err != nil {
		t.Fatalf("Synthesize 2: %v", err)
	}
	h.emitChunk(t, []byte{0xB1})
	h.emitSentinel(t)

	chunks := collectPCM(t, ch2)
	if len(chunks) != 1 || chunks[0][0] != 0xB1 {
		t.Fatalf("second utterance chunks = %v", chunks)
	}
}

// TestSubprocess_SequentialUtterances verifies back-to-back utterances work
// without cross-talk.
func TestSubprocess_SequentialUtterances(t *testing.T) {
	t.Parallel()

	h := newFakeHelper(t)
	_ = h.watchCommands()

	for i, payload := range [][]byte{{0x11}, {0x22}} {
		go func() {
			h.emitChunk(t, payload)
			h.emitSentinel(t)
		}()
		ch, err := h.synth.Synthesize(t.Context(), "utterance")
		if err != nil {
			t.Fatalf("Synthesize %d: %v", i, err)
		}
		chunks := collectPCM(t, ch)
		if len(chunks) != 1 || chunks[0][0] != payload[0] {
			t.Fatalf("utterance %d chunks = %v", i, chunks)
		}
	}
}

// TestSubprocess_RejectsConcurrentUtterances verifies the one-at-a-time
// contract.
func TestSubprocess_RejectsConcurrentUtterances(t *testing.T) {
	t.Parallel()

	h := newFakeHelper(t)
	_ = h.watchCommands()

	if _, err := h.synth.Synthesize(t.Context(), "one"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := h.synth.Synthesize(t.Context(), "two"); err == nil {
		t.Fatal("expected rejection of a concurrent utterance")
	}
}

// TestReadChunk_FrameCodec exercises the frame reader against raw bytes.
func TestReadChunk_FrameCodec(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	go func() {
		_, _ = w.Write([]byte{0, 0, 0, 3, 9, 8, 7, 0, 0, 0, 0})
		_ = w.Close()
	}()

	br := bufio.NewReader(r)
	chunk, err := readChunk(br)
	if err != nil {
		t.Fatalf("readChunk: %v", err)
	}
	if len(chunk) != 3 || chunk[0] != 9 {
		t.Errorf("chunk = %v", chunk)
	}

	sentinel, err := readChunk(br)
	if err != nil {
		t.Fatalf("readChunk sentinel: %v", err)
	}
	if sentinel != nil {
		t.Errorf("sentinel = %v, want nil", sentinel)
	}

	if _, err := readChunk(br); err == nil {
		t.Error("expected EOF after stream end")
	}
}
