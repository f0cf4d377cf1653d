package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voiceloop/internal/claude"
	"github.com/MrWong99/voiceloop/internal/endpoint"
	"github.com/MrWong99/voiceloop/internal/narrate"
	"github.com/MrWong99/voiceloop/pkg/stt"
	"github.com/MrWong99/voiceloop/pkg/tts"
	"github.com/MrWong99/voiceloop/pkg/vad"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

// fakeAdapter is an in-memory transport: the test feeds mic windows and
// records everything written to the speaker.
type fakeAdapter struct {
	micCh chan []float32

	mu         sync.Mutex
	writes     [][]byte
	interrupts int
	resumes    int
	chimes     int
	closed     bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{micCh: make(chan []float32, 256)}
}

func (a *fakeAdapter) MicStream() <-chan []float32 { return a.micCh }

func (a *fakeAdapter) WriteSpeaker(_ context.Context, pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	a.writes = append(a.writes, cp)
	return nil
}

func (a *fakeAdapter) Interrupt() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupts++
	return nil
}

func (a *fakeAdapter) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumes++
	return nil
}

func (a *fakeAdapter) PlayChime(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chimes++
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.micCh)
	}
	return nil
}

func (a *fakeAdapter) stats() (writes [][]byte, interrupts, chimes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte{}, a.writes...), a.interrupts, a.chimes
}

// scriptedSTT returns one scripted transcript per Transcribe call.
type scriptedSTT struct {
	mu    sync.Mutex
	texts []string
	calls int
}

func (e *scriptedSTT) Transcribe(_ context.Context, _ []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls >= len(e.texts) {
		e.calls++
		return "", nil
	}
	text := e.texts[e.calls]
	e.calls++
	return text, nil
}

func (e *scriptedSTT) Close() error { return nil }

// fakeAgent scripts one event sequence per turn; Interrupt detaches the
// current turn's stream, mirroring the real backend session.
type fakeAgent struct {
	mu         sync.Mutex
	turns      [][]claude.Event
	perEvent   time.Duration
	sends      []string
	interrupts int
	abort      chan struct{}
}

func (f *fakeAgent) SendMessage(ctx context.Context, text string) (<-chan claude.Event, error) {
	f.mu.Lock()
	f.sends = append(f.sends, text)
	turn := len(f.sends) - 1
	var script []claude.Event
	if turn < len(f.turns) {
		script = f.turns[turn]
	}
	abort := make(chan struct{})
	f.abort = abort
	f.mu.Unlock()

	out := make(chan claude.Event, 8)
	go func() {
		defer close(out)
		for _, ev := range script {
			if f.perEvent > 0 {
				select {
				case <-time.After(f.perEvent):
				case <-abort:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-abort:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeAgent) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	if f.abort != nil {
		select {
		case <-f.abort:
		default:
			close(f.abort)
		}
	}
	return nil
}

func (f *fakeAgent) Close() error { return nil }

func (f *fakeAgent) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func (f *fakeAgent) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sends...)
}

// taggedSynth emits generation-stamped PCM so stale audio is detectable.
type taggedSynth struct {
	mu         sync.Mutex
	generation byte
	sentences  []string
	chunks     int
	chunkLen   int
	perChunk   time.Duration
}

func (s *taggedSynth) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.sentences = append(s.sentences, text)
	s.mu.Unlock()

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		for range s.chunks {
			if s.perChunk > 0 {
				select {
				case <-time.After(s.perChunk):
				case <-ctx.Done():
					return
				}
			}
			chunk := make([]byte, s.chunkLen)
			for j := range chunk {
				chunk[j] = gen
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *taggedSynth) Interrupt() {}
func (s *taggedSynth) Close() error { return nil }

func (s *taggedSynth) spokenSentences() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.sentences...)
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	adapter *fakeAdapter
	sttEng  *scriptedSTT
	agent   *fakeAgent
	synth   *taggedSynth
	ctrl    *Controller

	cancel  context.CancelFunc
	runErr  chan error
	ended   atomic.Bool
}

// newHarness assembles a controller over fakes. The VAD uses the real energy
// detector with small frame windows so tests stay fast.
func newHarness(t *testing.T, cfg Config, sttTexts []string, turns [][]claude.Event, synth *taggedSynth) *harness {
	t.Helper()

	h := &harness{
		adapter: newFakeAdapter(),
		sttEng:  &scriptedSTT{texts: sttTexts},
		agent:   &fakeAgent{turns: turns},
		synth:   synth,
		runErr:  make(chan error, 1),
	}
	if h.synth == nil {
		h.synth = &taggedSynth{chunks: 1, chunkLen: 48}
	}

	sttProc, err := stt.NewProcessor(h.sttEng)
	if err != nil {
		t.Fatalf("stt processor: %v", err)
	}
	endpointer, err := endpoint.New(endpoint.Config{MinWordCountForFastPath: 2}, nil)
	if err != nil {
		t.Fatalf("endpointer: %v", err)
	}
	player, err := tts.NewPlayer(h.synth, h.adapter)
	if err != nil {
		t.Fatalf("player: %v", err)
	}

	if cfg.InterruptionThreshold == 0 {
		cfg.InterruptionThreshold = 80 * time.Millisecond
	}

	ctrl, err := NewController(cfg, Deps{
		Adapter:    h.adapter,
		Detector:   vad.NewEnergyDetector(0.02),
		VADConfig:  vad.Config{ConfirmFrames: 2, RedemptionFrames: 3},
		STT:        sttProc,
		Endpointer: endpointer,
		Agent:      h.agent,
		Narrator:   narrate.New(40 * time.Millisecond),
		Player:     player,
		OnSessionEnd: func() {
			h.ended.Store(true)
		},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- ctrl.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		h.adapter.Close()
		select {
		case <-h.runErr:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})

	waitFor(t, "controller listening", func() bool { return ctrl.State() == StateListening })
	return h
}

// window builds one VAD frame of constant amplitude.
func window(amplitude float32) []float32 {
	w := make([]float32, vad.FrameSize)
	for i := range w {
		w[i] = amplitude
	}
	return w
}

// speak feeds n loud windows.
func (h *harness) speak(n int) {
	for range n {
		h.adapter.micCh <- window(0.3)
	}
}

// silence feeds n quiet windows.
func (h *harness) silence(n int) {
	for range n {
		h.adapter.micCh <- window(0)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ─── scenarios ───────────────────────────────────────────────────────────────

// TestHappyPath: a question flows Listening → Processing →
// Speaking → Listening, the reply is spoken, and the ready chime plays once.
func TestHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{},
		[]string{"what time is it"},
		[][]claude.Event{{
			{Type: claude.EventTextDelta, Text: "It is "},
			{Type: claude.EventTextDelta, Text: "three o'clock."},
			{Type: claude.EventResult},
		}},
		nil,
	)

	h.speak(8)
	h.silence(5)

	waitFor(t, "turn to complete", func() bool {
		_, _, chimes := h.adapter.stats()
		return chimes == 1 && h.ctrl.State() == StateListening
	})

	if sends := h.agent.sentMessages(); len(sends) != 1 || sends[0] != "what time is it" {
		t.Errorf("agent received %v", sends)
	}

	spoken := strings.Join(h.synth.spokenSentences(), " ")
	if spoken != "It is three o'clock." {
		t.Errorf("spoken text = %q", spoken)
	}

	writes, interrupts, chimes := h.adapter.stats()
	if len(writes) == 0 {
		t.Error("no PCM reached the speaker")
	}
	if interrupts != 0 {
		t.Errorf("interrupts = %d on the happy path", interrupts)
	}
	if chimes != 1 {
		t.Errorf("chimes = %d, want 1", chimes)
	}
}

// TestStopPhrase: the stop phrase ends the session without an
// agent call.
func TestStopPhrase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StopPhrase: "stop listening"},
		[]string{"okay stop listening"},
		nil,
		nil,
	)

	h.speak(6)
	h.silence(5)

	waitFor(t, "session end callback", func() bool { return h.ended.Load() })

	if sends := h.agent.sentMessages(); len(sends) != 0 {
		t.Errorf("agent was called despite the stop phrase: %v", sends)
	}
}

// TestStopPhrase_Fuzzy verifies the approximate match absorbs a
// mistranscription when a distance is configured.
func TestStopPhrase_Fuzzy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StopPhrase: "stop listening", StopPhraseMaxDistance: 3},
		[]string{"please stop listing now"},
		nil,
		nil,
	)

	h.speak(6)
	h.silence(5)

	waitFor(t, "session end callback", func() bool { return h.ended.Load() })
}

// TestInterruption: sustained speech during playback
// interrupts TTS and the agent; no stale PCM reaches the speaker afterwards;
// the interrupting utterance becomes the next turn.
func TestInterruption(t *testing.T) {
	t.Parallel()

	longTurn := []claude.Event{
		{Type: claude.EventTextDelta, Text: "Here is a very long explanation. "},
		{Type: claude.EventTextDelta, Text: "It keeps going for quite a while. "},
		{Type: claude.EventTextDelta, Text: "And still is not finished at all. "},
		{Type: claude.EventResult},
	}
	secondTurn := []claude.Event{
		{Type: claude.EventTextDelta, Text: "Stopping now."},
		{Type: claude.EventResult},
	}
	// Slow audio: many chunks so playback is still live when the user
	// barges in.
	synth := &taggedSynth{chunks: 40, chunkLen: 4800, perChunk: 10 * time.Millisecond}

	h := newHarness(t, Config{InterruptionThreshold: 60 * time.Millisecond},
		[]string{"tell me everything", "never mind stop"},
		[][]claude.Event{longTurn, secondTurn},
		synth,
	)

	// Turn 1.
	h.speak(6)
	h.silence(5)
	waitFor(t, "assistant speaking", func() bool { return h.ctrl.State() == StateSpeaking })

	// Barge in: sustained speech past the threshold. Feed loud windows over
	// real time so the wall-clock timer fires.
	bargeStart := time.Now()
	for time.Since(bargeStart) < 150*time.Millisecond {
		h.speak(1)
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, "interrupt to land", func() bool {
		_, interrupts, _ := h.adapter.stats()
		return interrupts >= 1 && h.ctrl.State() == StateListening
	})
	// Let any write racing the interrupt flag settle before snapshotting.
	time.Sleep(50 * time.Millisecond)
	interruptAt := len(firstWrites(h))

	if got := h.agent.interruptCount(); got < 1 {
		t.Errorf("agent interrupts = %d, want >= 1", got)
	}

	// End the interrupting utterance; it becomes turn 2.
	h.silence(5)
	waitFor(t, "second turn sent", func() bool { return len(h.agent.sentMessages()) == 2 })
	waitFor(t, "second turn spoken", func() bool {
		writes, _, _ := h.adapter.stats()
		return len(writes) > interruptAt && h.ctrl.State() == StateListening
	})

	if sends := h.agent.sentMessages(); sends[1] != "never mind stop" {
		t.Errorf("second turn text = %q", sends[1])
	}

	// No PCM from the interrupted generation after the interrupt: all
	// post-interrupt writes carry a later generation stamp.
	writes, _, _ := h.adapter.stats()
	var maxGen byte
	for _, w := range writes {
		if len(w) > 0 && w[0] > maxGen {
			maxGen = w[0]
		}
	}
	for _, w := range writes[interruptAt:] {
		if len(w) > 0 && w[0] != maxGen {
			t.Fatalf("stale generation-%d PCM after interrupt (latest %d)", w[0], maxGen)
		}
	}
}

// TestFalseAlarmBargeIn: a short blip (two loud frames) during playback
// does not interrupt; the buffered audio is discarded and playback continues.
func TestFalseAlarmBargeIn(t *testing.T) {
	t.Parallel()

	longTurn := []claude.Event{
		{Type: claude.EventTextDelta, Text: "A long and winding answer begins here. "},
		{Type: claude.EventTextDelta, Text: "It continues on and on for a while more. "},
		{Type: claude.EventResult},
	}
	synth := &taggedSynth{chunks: 60, chunkLen: 4800, perChunk: 10 * time.Millisecond}

	h := newHarness(t, Config{InterruptionThreshold: 300 * time.Millisecond},
		[]string{"tell me a story"},
		[][]claude.Event{longTurn},
		synth,
	)

	h.speak(6)
	h.silence(5)
	waitFor(t, "assistant speaking", func() bool { return h.ctrl.State() == StateSpeaking })

	// Short blip: a few loud windows then immediate silence, well under the
	// 300 ms threshold.
	h.speak(2)
	h.silence(5)

	// Give the would-be timer time to (not) fire.
	time.Sleep(400 * time.Millisecond)

	_, interrupts, _ := h.adapter.stats()
	if interrupts != 0 {
		t.Errorf("interrupts = %d after a false alarm, want 0", interrupts)
	}
	if got := h.agent.interruptCount(); got != 0 {
		t.Errorf("agent interrupts = %d, want 0", got)
	}
	if state := h.ctrl.State(); state != StateSpeaking {
		t.Errorf("state = %v, want speaking", state)
	}
	// Only the original turn ever reached the agent.
	if sends := h.agent.sentMessages(); len(sends) != 1 {
		t.Errorf("agent turns = %v", sends)
	}
}

// TestEmptyTranscriptDiscarded verifies silence-only segments do not reach
// the agent.
func TestEmptyTranscriptDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, []string{""}, nil, nil)

	h.speak(6)
	h.silence(5)

	// Give the pipeline a moment; nothing should happen.
	time.Sleep(200 * time.Millisecond)
	if sends := h.agent.sentMessages(); len(sends) != 0 {
		t.Errorf("agent received %v for an empty transcript", sends)
	}
	if state := h.ctrl.State(); state != StateListening {
		t.Errorf("state = %v, want listening", state)
	}
}

func firstWrites(h *harness) [][]byte {
	writes, _, _ := h.adapter.stats()
	return writes
}
