package tts

import (
	"strings"
	"unicode"

	"github.com/MrWong99/voiceloop/pkg/types"
)

// minSentenceLen is the minimum length of an emitted sentence. Shorter
// candidates keep accumulating so ellipses and interjections do not cause
// micro-utterances.
const minSentenceLen = 20

// sentenceChanBuf is the buffer depth of the sentence channel between the
// buffering goroutine and the synthesis loop.
const sentenceChanBuf = 8

// BufferSentences consumes text chunks and emits complete sentences.
//
// Streaming fragments accumulate in a buffer that is split on sentence-ending
// punctuation followed by whitespace; Flush chunks are emitted immediately as
// pre-formed sentences (any accumulated residue is emitted first to preserve
// speaking order). Remaining residue is emitted once when in closes. The
// returned channel closes after the residue.
func BufferSentences(in <-chan types.TextChunk) <-chan string {
	out := make(chan string, sentenceChanBuf)

	go func() {
		defer close(out)
		var buf strings.Builder

		flushResidue := func() {
			if residue := strings.TrimSpace(buf.String()); residue != "" {
				out <- residue
			}
			buf.Reset()
		}

		for chunk := range in {
			switch chunk.Kind {
			case types.ChunkFlush:
				flushResidue()
				if s := strings.TrimSpace(chunk.Text); s != "" {
					out <- s
				}

			case types.ChunkStreaming:
				buf.WriteString(chunk.Text)
				for {
					s := buf.String()
					idx := sentenceBoundary(s)
					if idx < 0 {
						break
					}
					sentence := strings.TrimSpace(s[:idx+1])
					buf.Reset()
					buf.WriteString(strings.TrimLeft(s[idx+1:], " \t\n\r"))
					if sentence != "" {
						out <- sentence
					}
				}
			}
		}
		flushResidue()
	}()

	return out
}

// sentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is followed by whitespace and leaves a prefix of at
// least minSentenceLen characters. Returns -1 if no such boundary exists.
//
// The whitespace requirement keeps abbreviations like "Dr." and decimals like
// "3.14" intact when followed by a non-space character; the length floor
// prevents micro-emissions on ellipses.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if !unicode.IsSpace(rune(s[i+1])) {
			continue
		}
		if i+1 < minSentenceLen {
			continue
		}
		return i
	}
	return -1
}
