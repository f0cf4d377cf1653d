package claude

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeBackend scripts the far side of the stream-json wire.
type fakeBackend struct {
	stdinR  *io.PipeReader // what the session wrote
	stdoutW *io.PipeWriter // what the backend emits
	session *Session
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	s := newSessionFromPipes(stdinW, stdoutR)
	t.Cleanup(func() {
		_ = stdoutW.Close()
		_ = s.Close()
	})
	return &fakeBackend{stdinR: stdinR, stdoutW: stdoutW, session: s}
}

// emit writes one stream-json line from the backend.
func (b *fakeBackend) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := b.stdoutW.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("backend emit: %v", err)
	}
}

func (b *fakeBackend) emitTextDelta(t *testing.T, text string) {
	payload, _ := json.Marshal(text)
	b.emit(t, fmt.Sprintf(`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%s}}}`, payload))
}

func (b *fakeBackend) emitResult(t *testing.T) {
	b.emit(t, `{"type":"result","subtype":"success"}`)
}

// drainStdin keeps the session's writes from blocking the pipe.
func (b *fakeBackend) drainStdin() {
	go func() { _, _ = io.Copy(io.Discard, b.stdinR) }()
}

// collectEvents reads the turn stream to completion with a deadline.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events: %v", len(events), events)
		}
	}
}

// ─── translation tests ───────────────────────────────────────────────────────

// TestSendMessage_StreamingTranslation verifies the delta / tool / result
// mapping of a streamed turn.
func TestSendMessage_StreamingTranslation(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	b.drainStdin()

	ch, err := b.session.SendMessage(t.Context(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	b.emit(t, `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}}`)
	b.emitTextDelta(t, "It is ")
	b.emitTextDelta(t, "three o'clock.")
	b.emit(t, `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","name":"Read"}}}`)
	b.emit(t, `{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`)
	b.emitResult(t)

	events := collectEvents(t, ch)
	want := []Event{
		{Type: EventTextDelta, Text: "Thinking… "},
		{Type: EventTextDelta, Text: "It is "},
		{Type: EventTextDelta, Text: "three o'clock."},
		{Type: EventToolStart, Tool: "Read"},
		{Type: EventToolEnd},
		{Type: EventResult},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(events), events, len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

// TestSendMessage_FullMessageFallback verifies that a turn with no streamed
// deltas derives the same events from the completed assistant message.
func TestSendMessage_FullMessageFallback(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	b.drainStdin()

	ch, err := b.session.SendMessage(t.Context(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	b.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Done."},{"type":"tool_use","name":"Bash"}]}}`)
	b.emitResult(t)

	events := collectEvents(t, ch)
	want := []Event{
		{Type: EventTextDelta, Text: "Done."},
		{Type: EventToolStart, Tool: "Bash"},
		{Type: EventToolEnd},
		{Type: EventResult},
	}
	if len(events) != len(want) {
		t.Fatalf("got %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

// TestSendMessage_ErrorResult verifies errored turns still terminate with
// EventResult.
func TestSendMessage_ErrorResult(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	b.drainStdin()

	ch, err := b.session.SendMessage(t.Context(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	b.emit(t, `{"type":"result","subtype":"error","is_error":true,"result":"backend unhappy"}`)

	events := collectEvents(t, ch)
	if len(events) != 2 || events[0].Type != EventError || events[1].Type != EventResult {
		t.Fatalf("got %v, want [error result]", events)
	}
	if !strings.Contains(events[0].Text, "unhappy") {
		t.Errorf("error text = %q", events[0].Text)
	}
}

// ─── interrupt isolation ─────────────────────────────────────────────────────

// TestInterrupt_NoTurnLeakage is the core freshness invariant: after an
// interrupt mid-turn, the next turn's stream must contain nothing from the
// interrupted turn.
func TestInterrupt_NoTurnLeakage(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	b.drainStdin()

	ch1, err := b.session.SendMessage(t.Context(), "turn one")
	if err != nil {
		t.Fatalf("SendMessage 1: %v", err)
	}

	// Turn 1 starts streaming, then the user barges in.
	b.emitTextDelta(t, "TURN-ONE-ALPHA")
	// Let the consumer observe at least one event before interrupting.
	first := <-ch1
	if first.Text != "TURN-ONE-ALPHA" {
		t.Fatalf("first event = %+v", first)
	}
	if err := b.session.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	// The backend keeps flushing the cancelled turn before acknowledging.
	b.emitTextDelta(t, "TURN-ONE-BETA")
	b.emitTextDelta(t, "TURN-ONE-GAMMA")
	b.emitResult(t) // terminal marker of the cancelled turn

	// The detached stream ends without the stale events.
	for ev := range ch1 {
		if strings.Contains(ev.Text, "BETA") || strings.Contains(ev.Text, "GAMMA") {
			t.Errorf("stale event leaked into interrupted stream: %+v", ev)
		}
	}

	// Turn 2 must see only its own events.
	ch2, err := b.session.SendMessage(t.Context(), "turn two")
	if err != nil {
		t.Fatalf("SendMessage 2: %v", err)
	}
	b.emitTextDelta(t, "TURN-TWO-DELTA")
	b.emitResult(t)

	events := collectEvents(t, ch2)
	for _, ev := range events {
		if strings.Contains(ev.Text, "TURN-ONE") {
			t.Fatalf("turn-1 event leaked into turn 2: %+v", ev)
		}
	}
	if len(events) != 2 || events[0].Text != "TURN-TWO-DELTA" {
		t.Fatalf("turn 2 events = %v", events)
	}
}

// TestSendMessage_BackendDeathClosesStream verifies a dying backend
// terminates the iteration and fails further sends.
func TestSendMessage_BackendDeathClosesStream(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	b.drainStdin()

	ch, err := b.session.SendMessage(t.Context(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	_ = b.stdoutW.Close()

	events := collectEvents(t, ch)
	for _, ev := range events {
		if ev.Type == EventResult {
			t.Error("no result should be observed from a dead backend")
		}
	}

	if _, err := b.session.SendMessage(t.Context(), "again"); err == nil {
		t.Fatal("SendMessage after backend death should fail")
	}
}

// TestSendMessage_RejectsConcurrentTurn verifies single-turn discipline.
func TestSendMessage_RejectsConcurrentTurn(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	b.drainStdin()

	if _, err := b.session.SendMessage(t.Context(), "one"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := b.session.SendMessage(t.Context(), "two"); err == nil {
		t.Fatal("expected ErrTurnInFlight")
	}
}

// TestUserMessage_WireShape verifies what goes onto the backend's stdin.
func TestUserMessage_WireShape(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)

	lineCh := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := b.stdinR.Read(buf)
		lineCh <- string(buf[:n])
	}()

	if _, err := b.session.SendMessage(t.Context(), "what time is it"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case line := <-lineCh:
		var msg userMessage
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil {
			t.Fatalf("stdin line is not valid JSON: %v (%q)", err, line)
		}
		if msg.Type != "user" || len(msg.Message.Content) != 1 || msg.Message.Content[0].Text != "what time is it" {
			t.Errorf("unexpected wire message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message written to backend stdin")
	}
}
