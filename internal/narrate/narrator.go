// Package narrate converts structured agent events into speakable text.
//
// Assistant prose streams through as cleaned fragments; tool invocations are
// announced once and then summarised periodically on a tick-driven side
// channel while the tool runs, so long-running tools never leave the user in
// silence. The summaries fire at timer time — an implementation that queued
// them and released the batch at tool end would defeat their purpose.
package narrate

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/internal/claude"
	"github.com/MrWong99/voiceloop/pkg/types"
)

// defaultSummaryInterval is the period between "still working" summaries
// while a tool is active.
const defaultSummaryInterval = 8 * time.Second

// summaryChanBuf bounds the side channel; the controller drains it between
// agent events, so a small buffer suffices and a stalled consumer only loses
// repetitive summaries.
const summaryChanBuf = 8

// Narrator translates agent events into [types.TextChunk] values. ProcessEvent
// and Flush are driven from the response task goroutine; the summary timer
// runs on its own goroutine and writes only to the side channel. Reset must be
// called between turns.
type Narrator struct {
	interval  time.Duration
	summaries chan types.TextChunk
	strip     *stripper

	mu         sync.Mutex
	toolName   string
	stopTimer  chan struct{}
	timerAlive bool
}

// New creates a Narrator. summaryInterval <= 0 selects the default.
func New(summaryInterval time.Duration) *Narrator {
	if summaryInterval <= 0 {
		summaryInterval = defaultSummaryInterval
	}
	return &Narrator{
		interval:  summaryInterval,
		summaries: make(chan types.TextChunk, summaryChanBuf),
		strip:     newStripper(),
	}
}

// Summaries returns the tick-driven side channel of "still working" chunks.
// The channel is owned by the narrator and stays open across turns; the
// session controller forwards from it while a response is in flight.
func (n *Narrator) Summaries() <-chan types.TextChunk {
	return n.summaries
}

// ProcessEvent translates one agent event into zero or more text chunks,
// returned synchronously and in speaking order.
func (n *Narrator) ProcessEvent(ev claude.Event) []types.TextChunk {
	switch ev.Type {
	case claude.EventTextDelta:
		cleaned := n.strip.clean(ev.Text)
		if cleaned == "" {
			return nil
		}
		return []types.TextChunk{types.Streaming(cleaned)}

	case claude.EventToolStart:
		name := ev.Tool
		if name == "" {
			name = "a tool"
		}
		n.startSummaryTimer(name)
		return []types.TextChunk{types.Flush(fmt.Sprintf("Running %s…", name))}

	case claude.EventToolEnd:
		// Any remaining assistant text follows naturally; the summary timer
		// just stops.
		n.stopSummaryTimer()
		return nil

	case claude.EventError:
		n.stopSummaryTimer()
		return nil

	case claude.EventResult:
		n.stopSummaryTimer()
		return nil
	}
	return nil
}

// Flush finalises the turn's narration at end of stream and returns any
// trailing chunks. The stripper emits eagerly, so there is normally nothing
// left here; unsegmented sentence residue lives in the TTS player's buffer
// and is flushed when its input closes.
func (n *Narrator) Flush() []types.TextChunk {
	n.stopSummaryTimer()
	return nil
}

// Reset prepares the narrator for the next turn: the summary timer is
// cancelled, stripper state cleared, and any queued summaries discarded.
func (n *Narrator) Reset() {
	n.stopSummaryTimer()
	n.strip.reset()
	for {
		select {
		case <-n.summaries:
		default:
			return
		}
	}
}

// startSummaryTimer begins the periodic "still working" announcements for the
// named tool, replacing any timer from a previous tool.
func (n *Narrator) startSummaryTimer(tool string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timerAlive {
		close(n.stopTimer)
	}
	n.toolName = tool
	n.stopTimer = make(chan struct{})
	n.timerAlive = true

	stop := n.stopTimer
	go func() {
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// Emitted at tick time; dropped rather than batched when the
				// channel is full.
				select {
				case n.summaries <- types.Flush(fmt.Sprintf("Still working on %s…", tool)):
				default:
				}
			}
		}
	}()
}

// stopSummaryTimer cancels the active summary timer, if any.
func (n *Narrator) stopSummaryTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timerAlive {
		close(n.stopTimer)
		n.timerAlive = false
	}
}
