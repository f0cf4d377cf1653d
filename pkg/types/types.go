// Package types holds the small value types shared across the voice pipeline:
// transcripts produced by STT and the text chunks that flow from the narrator
// into the TTS player.
package types

import "strings"

// Transcript is the result of transcribing one speech segment.
type Transcript struct {
	// Text is the trimmed transcription. May be empty when the recogniser
	// heard nothing intelligible; empty transcripts are discarded upstream.
	Text string

	// IsFinal reports whether this transcript is authoritative. The offline
	// recognisers used here always produce finals.
	IsFinal bool
}

// Empty reports whether the transcript carries no usable text.
func (t Transcript) Empty() bool {
	return strings.TrimSpace(t.Text) == ""
}

// ChunkKind distinguishes the two ways text reaches the TTS player.
type ChunkKind int

const (
	// ChunkStreaming is a fragment of assistant prose. Fragments are buffered
	// by the player until a sentence boundary is reached.
	ChunkStreaming ChunkKind = iota

	// ChunkFlush is a pre-formed sentence (e.g. a tool-narration summary)
	// that bypasses sentence buffering and is spoken as-is.
	ChunkFlush
)

// TextChunk is one unit of speakable text travelling from the narrator to the
// TTS player.
type TextChunk struct {
	Kind ChunkKind
	Text string
}

// Streaming wraps a prose fragment in a TextChunk.
func Streaming(s string) TextChunk {
	return TextChunk{Kind: ChunkStreaming, Text: s}
}

// Flush wraps a pre-formed sentence in a TextChunk.
func Flush(s string) TextChunk {
	return TextChunk{Kind: ChunkFlush, Text: s}
}
