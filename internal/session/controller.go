package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/voiceloop/internal/claude"
	"github.com/MrWong99/voiceloop/internal/endpoint"
	"github.com/MrWong99/voiceloop/internal/narrate"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/stt"
	"github.com/MrWong99/voiceloop/pkg/transport"
	"github.com/MrWong99/voiceloop/pkg/types"
	"github.com/MrWong99/voiceloop/pkg/vad"
)

// chunkChanBuf is the buffer depth of the per-turn text chunk channel feeding
// the TTS player.
const chunkChanBuf = 16

// defaultInterruptionThreshold is the sustained-speech window before a
// barge-in interrupts the assistant.
const defaultInterruptionThreshold = 800 * time.Millisecond

// defaultGreetingDelay lets the audio path settle before the startup greeting
// is written.
const defaultGreetingDelay = 300 * time.Millisecond

// AgentSession is the persistent channel to the LLM backend. Satisfied by
// *claude.Session.
type AgentSession interface {
	SendMessage(ctx context.Context, text string) (<-chan claude.Event, error)
	Interrupt() error
	Close() error
}

// Player is the TTS playback surface. Satisfied by *tts.Player.
type Player interface {
	SpeakStream(ctx context.Context, chunks <-chan types.TextChunk) error
	Interrupt()
	IsSpeaking() bool
	Destroy() error
}

// Config holds the controller's behavioural parameters.
type Config struct {
	// StopPhrase ends the session when heard (case-insensitive substring
	// of a completed transcript). Empty disables the stop phrase.
	StopPhrase string

	// StopPhraseMaxDistance additionally accepts stop phrases within this
	// Damerau-Levenshtein distance of a transcript word window, absorbing
	// STT mistranscriptions. 0 keeps exact matching only.
	StopPhraseMaxDistance int

	// InterruptionThreshold is how long barge-in speech must sustain before
	// the assistant is interrupted. Zero selects the default (800 ms).
	InterruptionThreshold time.Duration

	// Greeting, when non-nil, is 24 kHz int16 PCM written fire-and-forget
	// through the speaker path once the session is up.
	Greeting []byte

	// GreetingDelay is the settling delay before the greeting plays.
	GreetingDelay time.Duration
}

// Deps are the collaborating components, owned exclusively by the controller
// for the session's lifetime.
type Deps struct {
	Adapter    transport.Adapter
	Detector   vad.Detector
	VADConfig  vad.Config
	STT        *stt.Processor
	Endpointer *endpoint.Endpointer
	Agent      AgentSession
	Narrator   *narrate.Narrator
	Player     Player
	Metrics    *observe.Metrics

	// OnSessionEnd fires when a completed transcript contains the stop
	// phrase. The local app terminates the process; the remote server
	// closes the connection.
	OnSessionEnd func()
}

// Controller is the session state machine. It runs three cooperating tasks:
// the mic pump (Run's loop, which feeds VAD and STT inline), a per-turn
// response task, and the narrator's summary timer. They communicate through
// single-owner state and explicit flags.
type Controller struct {
	cfg  Config
	deps Deps

	proc *vad.Processor

	stateMu sync.Mutex
	state   State

	accumulating atomic.Bool
	bailOut      atomic.Bool

	timerMu        sync.Mutex
	interruptTimer *time.Timer

	pendingMu         sync.Mutex
	pendingTranscript string

	vadMu  sync.Mutex
	respWG sync.WaitGroup
}

// NewController validates the dependency set and builds the controller.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Adapter == nil:
		return nil, errors.New("session: adapter must not be nil")
	case deps.Detector == nil:
		return nil, errors.New("session: vad detector must not be nil")
	case deps.STT == nil:
		return nil, errors.New("session: stt processor must not be nil")
	case deps.Endpointer == nil:
		return nil, errors.New("session: endpointer must not be nil")
	case deps.Agent == nil:
		return nil, errors.New("session: agent session must not be nil")
	case deps.Narrator == nil:
		return nil, errors.New("session: narrator must not be nil")
	case deps.Player == nil:
		return nil, errors.New("session: tts player must not be nil")
	}
	if cfg.InterruptionThreshold <= 0 {
		cfg.InterruptionThreshold = defaultInterruptionThreshold
	}
	if cfg.GreetingDelay <= 0 {
		cfg.GreetingDelay = defaultGreetingDelay
	}

	c := &Controller{cfg: cfg, deps: deps, state: StateIdle}
	return c, nil
}

// State returns the current session state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// setState applies a transition and logs the driving event.
func (c *Controller) setState(next State, event string) {
	c.stateMu.Lock()
	prev := c.state
	c.state = next
	c.stateMu.Unlock()
	if prev != next {
		slog.Debug("session state", "from", prev.String(), "to", next.String(), "event", event)
	}
}

// Run drives the session until ctx is cancelled or the mic stream closes.
// It owns the mic pump: every window is fed to the VAD synchronously and,
// while a segment is accumulating, appended to the STT buffer. Suspending
// work (transcription, agent turns, synthesis) happens off this loop.
func (c *Controller) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc, err := vad.NewProcessor(c.deps.Detector, c.deps.VADConfig, func(ev vad.Event) {
		c.onVADEvent(runCtx, ev)
	})
	if err != nil {
		return err
	}
	c.proc = proc
	defer proc.Close()

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Add(runCtx, 1)
		defer c.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
	}

	c.setState(StateListening, "init_complete")

	if len(c.cfg.Greeting) > 0 {
		greeting := c.cfg.Greeting
		go func() {
			select {
			case <-time.After(c.cfg.GreetingDelay):
			case <-runCtx.Done():
				return
			}
			if err := c.deps.Adapter.WriteSpeaker(runCtx, greeting); err != nil {
				slog.Debug("startup greeting write failed", "err", err)
			}
		}()
	}

	mic := c.deps.Adapter.MicStream()
	for {
		select {
		case <-runCtx.Done():
			c.stop("context cancelled")
			return runCtx.Err()

		case window, ok := <-mic:
			if !ok {
				// Capture failure is fatal to the session.
				slog.Warn("mic stream closed; stopping session")
				c.stop("capture lost")
				return errors.New("session: mic stream closed")
			}

			c.vadMu.Lock()
			err := proc.Process(window)
			c.vadMu.Unlock()
			if err != nil {
				slog.Error("vad processing failed", "err", err)
				c.stop("vad failure")
				return err
			}
			if c.accumulating.Load() {
				c.deps.STT.Accumulate(window)
			}
		}
	}
}

// stop is the terminal transition. It tears down the in-flight response task
// and leaves components for the owner to close.
func (c *Controller) stop(reason string) {
	c.bailOut.Store(true)
	c.cancelInterruptTimer()
	c.deps.Player.Interrupt()
	if err := c.deps.Agent.Interrupt(); err != nil && !errors.Is(err, claude.ErrClosed) {
		slog.Debug("agent interrupt during stop failed", "err", err)
	}
	c.respWG.Wait()
	c.setState(StateIdle, "stop")
	slog.Info("session stopped", "reason", reason)
}

// ─── VAD event handling ───────────────────────────────────────────────────────

// onVADEvent runs inline on the mic pump goroutine and must not block.
func (c *Controller) onVADEvent(ctx context.Context, ev vad.Event) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordVADEvent(ctx, ev.Type.String())
	}

	switch ev.Type {
	case vad.SpeechStart:
		switch c.State() {
		case StateListening:
			c.accumulating.Store(true)

		case StateSpeaking, StateProcessing:
			// Possible barge-in: arm the interruption timer and start
			// capturing so the interrupting utterance is not lost.
			c.armInterruptTimer(ctx)
			c.accumulating.Store(true)
		}

	case vad.SpeechEnd:
		if c.cancelInterruptTimer() {
			// The speech died before the threshold: false alarm. Discard
			// the buffered audio and keep playing.
			c.deps.STT.ClearBuffer()
			c.accumulating.Store(false)
			return
		}

		if c.State() == StateListening && c.accumulating.Load() {
			c.accumulating.Store(false)
			c.respWG.Add(1)
			go c.handleTurn(ctx)
		}
	}
}

// armInterruptTimer starts the barge-in countdown if it is not already
// running.
func (c *Controller) armInterruptTimer(ctx context.Context) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.interruptTimer != nil {
		return
	}
	c.interruptTimer = time.AfterFunc(c.cfg.InterruptionThreshold, func() {
		c.timerMu.Lock()
		c.interruptTimer = nil
		c.timerMu.Unlock()
		c.triggerInterrupt(ctx)
	})
}

// cancelInterruptTimer stops a pending countdown. Returns true only when a
// timer was armed and had not fired yet.
func (c *Controller) cancelInterruptTimer() bool {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.interruptTimer == nil {
		return false
	}
	stopped := c.interruptTimer.Stop()
	c.interruptTimer = nil
	return stopped
}

// triggerInterrupt fires when barge-in speech has sustained past the
// threshold: raise the bail-out flag, cut TTS and the agent turn, keep
// accumulating the user's utterance, and listen.
func (c *Controller) triggerInterrupt(ctx context.Context) {
	state := c.State()
	if state != StateSpeaking && state != StateProcessing {
		return
	}

	slog.Info("user barge-in; interrupting response", "state", state.String())
	if c.deps.Metrics != nil {
		c.deps.Metrics.Interruptions.Add(ctx, 1)
	}

	c.bailOut.Store(true)
	c.deps.Player.Interrupt()
	if err := c.deps.Agent.Interrupt(); err != nil {
		slog.Warn("agent interrupt failed", "err", err)
	}
	// Accumulation stays on: the interrupting utterance becomes the next
	// turn's input.
	c.setState(StateListening, "user_interrupt")
}

// ─── turn handling ────────────────────────────────────────────────────────────

// handleTurn transcribes the finished segment and, when the endpointer calls
// the turn complete, launches the response. Runs on its own goroutine so the
// mic pump never blocks on STT.
func (c *Controller) handleTurn(ctx context.Context) {
	defer c.respWG.Done()

	sttStart := time.Now()
	transcript, err := c.deps.STT.Transcribe(ctx)
	if err != nil {
		slog.Error("transcription failed", "err", err)
		c.setState(StateListening, "error")
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	}
	if transcript.Empty() {
		// Empty transcripts are silently discarded and do not advance the
		// endpointer.
		return
	}

	text := transcript.Text
	c.pendingMu.Lock()
	if c.pendingTranscript != "" {
		text = c.pendingTranscript + " " + text
		c.pendingTranscript = ""
	}
	c.pendingMu.Unlock()

	slog.Info("user said", "transcript", text)

	if c.matchesStopPhrase(text) {
		slog.Info("stop phrase heard; ending session")
		if c.deps.OnSessionEnd != nil {
			c.deps.OnSessionEnd()
		}
		return
	}

	decision := c.deps.Endpointer.Decide(ctx, text)
	if !decision.Complete {
		// Hold the partial turn; the next segment's transcript is appended.
		c.pendingMu.Lock()
		c.pendingTranscript = text
		c.pendingMu.Unlock()
		return
	}
	slog.Debug("turn complete", "method", decision.Method.String())

	c.setState(StateProcessing, "transcript_complete")
	c.bailOut.Store(false)
	c.respond(ctx, text)
}

// respond runs one agent turn: events stream through the narrator into the
// TTS player, with tool summaries merged in from the side channel. The task
// observes the bail-out flag and exits early on interruption.
func (c *Controller) respond(ctx context.Context, text string) {
	turnCtx, span := observe.StartTurn(ctx)
	defer span.End()
	turnStart := time.Now()

	c.deps.Narrator.Reset()

	events, err := c.deps.Agent.SendMessage(turnCtx, text)
	if err != nil {
		slog.Error("agent send failed", "err", err)
		c.setState(StateListening, "error")
		return
	}

	chunks := make(chan types.TextChunk, chunkChanBuf)
	playDone := make(chan error, 1)
	go func() {
		playDone <- c.deps.Player.SpeakStream(turnCtx, chunks)
	}()

	send := func(chunk types.TextChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-turnCtx.Done():
			return false
		}
	}

	sawText := false

consume:
	for {
		if c.bailOut.Load() {
			break
		}
		select {
		case <-turnCtx.Done():
			break consume

		case summary := <-c.deps.Narrator.Summaries():
			if !send(summary) {
				break consume
			}

		case ev, ok := <-events:
			if !ok {
				// Backend died or the turn was detached by an interrupt.
				break consume
			}
			if ev.Type == claude.EventTextDelta && !sawText {
				sawText = true
				if c.deps.Metrics != nil {
					c.deps.Metrics.FirstTokenDuration.Record(turnCtx, time.Since(turnStart).Seconds())
				}
				if c.State() == StateProcessing && !c.bailOut.Load() {
					c.setState(StateSpeaking, "first_audio")
				}
			}
			if ev.Type == claude.EventError {
				slog.Warn("agent turn error", "err", ev.Text)
				if c.deps.Metrics != nil {
					c.deps.Metrics.AgentErrors.Add(turnCtx, 1)
				}
			}
			for _, chunk := range c.deps.Narrator.ProcessEvent(ev) {
				if !send(chunk) {
					break consume
				}
			}
			if ev.Type == claude.EventResult {
				break consume
			}
		}
	}

	for _, chunk := range c.deps.Narrator.Flush() {
		send(chunk)
	}
	close(chunks)

	if err := <-playDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("tts playback ended with error", "err", err)
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.TurnDuration.Record(turnCtx, time.Since(turnStart).Seconds())
		c.deps.Metrics.Turns.Add(turnCtx, 1)
	}

	if c.bailOut.Load() {
		// Interrupted: state already transitioned; nothing else to do here.
		return
	}

	// Response drained (possibly empty): back to listening with fresh
	// segment state and an audible ready cue.
	c.setState(StateListening, "response_complete")
	c.vadMu.Lock()
	if c.proc != nil {
		c.proc.Reset()
	}
	c.vadMu.Unlock()
	c.deps.Endpointer.Reset()
	if err := c.deps.Adapter.PlayChime(turnCtx); err != nil {
		slog.Debug("ready chime failed", "err", err)
	}
}

// matchesStopPhrase reports whether text contains the configured stop phrase,
// case-insensitively. With StopPhraseMaxDistance > 0, word windows of the
// transcript within that Damerau-Levenshtein distance also match, absorbing
// recognition slips like "stop listing".
func (c *Controller) matchesStopPhrase(text string) bool {
	phrase := strings.ToLower(strings.TrimSpace(c.cfg.StopPhrase))
	if phrase == "" {
		return false
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, phrase) {
		return true
	}
	if c.cfg.StopPhraseMaxDistance <= 0 {
		return false
	}

	phraseWords := strings.Fields(phrase)
	textWords := strings.Fields(lower)
	if len(phraseWords) == 0 || len(textWords) < len(phraseWords) {
		return false
	}
	for i := 0; i+len(phraseWords) <= len(textWords); i++ {
		window := strings.Join(textWords[i:i+len(phraseWords)], " ")
		if matchr.DamerauLevenshtein(window, phrase) <= c.cfg.StopPhraseMaxDistance {
			return true
		}
	}
	return false
}
