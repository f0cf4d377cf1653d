package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// rawChanBuf is the buffer depth of the parsed-message channel between
	// the stdout pump and the turn consumer.
	rawChanBuf = 64

	// eventChanBuf is the buffer depth of the per-turn event channel handed
	// to the session controller.
	eventChanBuf = 32

	// drainTimeout bounds how long the next SendMessage waits for an
	// interrupted turn's terminal marker before giving up on the backend.
	drainTimeout = 5 * time.Second

	// scannerBufSize accommodates large single-line messages (tool results
	// can run to megabytes).
	scannerBufSize = 8 << 20
)

// ErrTurnInFlight is returned by SendMessage while a previous turn's event
// stream is still being consumed.
var ErrTurnInFlight = errors.New("claude: a turn is already in flight")

// ErrClosed is returned after Close, or once the backend process has died.
var ErrClosed = errors.New("claude: session is closed")

// Config holds the agent backend parameters.
type Config struct {
	// Command is the backend executable. Default "claude".
	Command string

	// SystemPrompt, when non-empty, is passed through to the backend.
	SystemPrompt string

	// PermissionMode is the backend permission mode (e.g.
	// "acceptEdits", "bypassPermissions"). Empty uses the backend default.
	PermissionMode string

	// AllowedTools restricts the backend's tool set. Empty allows the
	// backend default.
	AllowedTools []string
}

// Session is the persistent bidirectional agent channel. One backend process
// serves all turns; SendMessage returns a per-turn event stream.
//
// Interrupt semantics: after Interrupt, events belonging to the cancelled
// turn never leak into the next SendMessage's stream — the next send first
// drains the inbound queue up to and including the cancelled turn's terminal
// marker.
type Session struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// raw carries parsed backend messages from the stdout pump to the
	// single turn consumer. Closed when the backend exits.
	raw chan rawMessage

	mu        sync.Mutex
	inTurn    bool
	needDrain bool
	abort     chan struct{} // closed by Interrupt to detach the live turn
	aborted   bool
	closed    bool

	wg sync.WaitGroup
}

// NewSession spawns the backend process and starts the stdout pump. The
// process survives across turns; a spawn failure is a precondition failure.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude: spawn %q: %w (is the Claude Code CLI installed and on PATH?)", command, err)
	}

	s := &Session{
		cmd:   cmd,
		stdin: stdin,
		raw:   make(chan rawMessage, rawChanBuf),
	}

	s.wg.Add(2)
	go s.pumpStdout(stdout)
	go s.pumpStderr(stderr)

	slog.Info("agent backend started", "command", command, "pid", cmd.Process.Pid)
	return s, nil
}

// pumpStdout parses newline-delimited JSON from the backend and feeds the raw
// channel. On EOF (backend death) the channel is closed, which terminates the
// current turn's iteration.
func (s *Session) pumpStdout(r io.Reader) {
	defer s.wg.Done()
	defer close(s.raw)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scannerBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("agent backend emitted unparsable line", "err", err)
			continue
		}
		s.raw <- msg
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent backend stdout read failed", "err", err)
	}
}

// pumpStderr forwards backend diagnostics to the log at debug level.
func (s *Session) pumpStderr(r io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("agent backend", "stderr", scanner.Text())
	}
}

// SendMessage submits a user turn and returns its event stream. The stream is
// single-consumer and closes after EventResult (or when the backend dies).
// Only one turn may be in flight at a time.
func (s *Session) SendMessage(ctx context.Context, text string) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.inTurn {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	s.inTurn = true
	s.abort = make(chan struct{})
	s.aborted = false
	needDrain := s.needDrain
	abort := s.abort
	s.mu.Unlock()

	if needDrain {
		if err := s.drainCancelledTurn(ctx); err != nil {
			s.endTurn(false)
			return nil, err
		}
		s.mu.Lock()
		s.needDrain = false
		s.mu.Unlock()
	}

	msg := userMessage{
		Type: "user",
		Message: userMessageBody{
			Role:    "user",
			Content: []contentText{{Type: "text", Text: text}},
		},
	}
	if err := s.writeLine(msg); err != nil {
		s.endTurn(false)
		return nil, fmt.Errorf("claude: send user message: %w", err)
	}

	out := make(chan Event, eventChanBuf)
	go s.pumpTurn(ctx, abort, out)
	return out, nil
}

// drainCancelledTurn discards inbound messages up to and including the
// cancelled turn's terminal result so stale events cannot leak into the new
// turn.
func (s *Session) drainCancelledTurn(ctx context.Context) error {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-s.raw:
			if !ok {
				return ErrClosed
			}
			if msg.Type == "result" {
				return nil
			}
		case <-timer.C:
			return errors.New("claude: timed out draining interrupted turn")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pumpTurn consumes raw backend messages for one turn, translating them to
// Events until the terminal result is observed, the turn is aborted, or the
// backend dies.
func (s *Session) pumpTurn(ctx context.Context, abort <-chan struct{}, out chan<- Event) {
	defer close(out)
	defer s.endTurn(false)

	var (
		sawDelta          bool
		thinkingAnnounced bool
		blockTypes        = map[int]string{}
	)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-abort:
			return false
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-abort:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-s.raw:
			if !ok {
				// Backend death closes the inbound sequence; the turn
				// terminates and further sends fail.
				s.markClosed()
				return
			}

			switch msg.Type {
			case "stream_event":
				if msg.Event == nil {
					continue
				}
				for _, ev := range translateStreamEvent(msg.Event, blockTypes, &sawDelta, &thinkingAnnounced) {
					if !emit(ev) {
						return
					}
				}

			case "assistant":
				// Fallback path: when nothing streamed, derive the same
				// events from the completed message.
				if sawDelta || msg.Message == nil {
					continue
				}
				for _, ev := range translateFullMessage(msg.Message, &thinkingAnnounced) {
					if !emit(ev) {
						return
					}
				}

			case "result":
				s.endTurn(true)
				if msg.IsError {
					emit(Event{Type: EventError, Text: msg.Result})
				}
				emit(Event{Type: EventResult})
				return
			}
		}
	}
}

// translateStreamEvent maps one fine-grained streaming event to zero or more
// agent events.
func translateStreamEvent(ev *streamEvent, blockTypes map[int]string, sawDelta, thinkingAnnounced *bool) []Event {
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		blockTypes[ev.Index] = ev.ContentBlock.Type
		switch ev.ContentBlock.Type {
		case "thinking":
			if !*thinkingAnnounced {
				*thinkingAnnounced = true
				return []Event{{Type: EventTextDelta, Text: "Thinking… "}}
			}
		case "tool_use":
			return []Event{{Type: EventToolStart, Tool: ev.ContentBlock.Name}}
		}

	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			*sawDelta = true
			return []Event{{Type: EventTextDelta, Text: ev.Delta.Text}}
		}

	case "content_block_stop":
		if blockTypes[ev.Index] == "tool_use" {
			delete(blockTypes, ev.Index)
			return []Event{{Type: EventToolEnd}}
		}
		delete(blockTypes, ev.Index)
	}
	return nil
}

// translateFullMessage derives the streaming event sequence from a completed
// assistant message.
func translateFullMessage(msg *wireMessage, thinkingAnnounced *bool) []Event {
	var events []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, Event{Type: EventTextDelta, Text: block.Text})
			}
		case "thinking":
			if !*thinkingAnnounced {
				*thinkingAnnounced = true
				events = append(events, Event{Type: EventTextDelta, Text: "Thinking… "})
			}
		case "tool_use":
			events = append(events,
				Event{Type: EventToolStart, Tool: block.Name},
				Event{Type: EventToolEnd},
			)
		}
	}
	return events
}

// Interrupt cancels the in-flight backend turn. The live turn's event stream
// stops promptly; its remaining backend output is drained before the next
// SendMessage yields anything. Interrupt with no turn in flight is a no-op.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.inTurn {
		s.mu.Unlock()
		return nil
	}
	s.needDrain = true
	// Detach the live turn first so the consumer stops immediately even if
	// the backend is slow to acknowledge.
	if !s.aborted {
		s.aborted = true
		close(s.abort)
	}
	s.mu.Unlock()

	req := controlRequest{
		Type:      "control_request",
		RequestID: uuid.NewString(),
		Request:   controlRequestBody{Subtype: "interrupt"},
	}
	if err := s.writeLine(req); err != nil {
		return fmt.Errorf("claude: send interrupt: %w", err)
	}
	return nil
}

// Close terminates the backend and waits for the pumps to drain. Safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Closing stdin asks the backend to exit; kill if it lingers.
	_ = s.stdin.Close()

	if s.cmd == nil {
		// Pipe-backed session (tests): nothing to reap.
		s.wg.Wait()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		s.wg.Wait()
		if err != nil {
			slog.Debug("agent backend exited with error", "err", err)
		}
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
		s.wg.Wait()
	}
	return nil
}

// Alive reports whether the backend process is still serving turns.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// newSessionFromPipes wires a Session over explicit pipes instead of a
// spawned process. Used by tests to script the backend.
func newSessionFromPipes(stdin io.WriteCloser, stdout io.Reader) *Session {
	s := &Session{
		stdin: stdin,
		raw:   make(chan rawMessage, rawChanBuf),
	}
	s.wg.Add(1)
	go s.pumpStdout(stdout)
	return s
}

// ─── internal helpers ─────────────────────────────────────────────────────────

func (s *Session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return err
	}
	return nil
}

// endTurn clears the in-flight marker. completed indicates the terminal
// result was consumed, in which case no drain is needed.
func (s *Session) endTurn(completed bool) {
	s.mu.Lock()
	s.inTurn = false
	if completed {
		s.needDrain = false
	}
	s.mu.Unlock()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
