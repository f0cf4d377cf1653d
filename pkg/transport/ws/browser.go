package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// micChanBuf is the buffer depth of a connection's mic frame channel.
const micChanBuf = 32

// firstChunkTimeout bounds the wait for the first inbound mic frame. A client
// that upgrades but never sends audio would otherwise hold the session slot
// forever.
const firstChunkTimeout = 15 * time.Second

// browserControl is an outbound control envelope on the browser wire.
type browserControl struct {
	Type string `json:"type"`
}

// browserConn adapts one browser WebSocket connection to the transport
// surface. Inbound binary frames are raw little-endian float32 mic PCM at the
// browser's AudioContext rate; outbound binary frames are int16 PCM at
// 24 kHz, which the client resamples to its output rate.
type browserConn struct {
	conn  *websocket.Conn
	ctx   context.Context
	rate  int
	chime []byte

	micCh chan []float32

	mu     sync.Mutex
	closed bool
}

func newBrowserConn(ctx context.Context, conn *websocket.Conn, rate int, chime []byte) *browserConn {
	if chime == nil {
		chime = audio.BuiltinChime()
	}
	b := &browserConn{
		conn:  conn,
		ctx:   ctx,
		rate:  rate,
		chime: chime,
		micCh: make(chan []float32, micChanBuf),
	}
	go b.pumpMic()
	return b
}

// pumpMic reads inbound frames, resamples to the analysis rate, and forwards
// them. Read failure (client gone) closes the mic stream, which ends the
// session.
func (b *browserConn) pumpMic() {
	defer close(b.micCh)
	first := true
	deadlineCtx, cancel := context.WithTimeout(b.ctx, firstChunkTimeout)
	defer cancel()
	for {
		readCtx := b.ctx
		if first {
			readCtx = deadlineCtx
		}
		typ, data, err := b.conn.Read(readCtx)
		if err != nil {
			slog.Debug("browser mic stream ended", "err", err)
			return
		}
		if typ != websocket.MessageBinary || len(data) < 4 {
			continue
		}
		first = false
		samples := audio.DecodeFloat32LE(data)
		samples = audio.ResampleLinear(samples, b.rate, audio.AnalysisRate)
		select {
		case b.micCh <- samples:
		case <-b.ctx.Done():
			return
		}
	}
}

// MicStream implements [transport.Adapter].
func (b *browserConn) MicStream() <-chan []float32 { return b.micCh }

// WriteSpeaker implements [transport.Adapter]. A closed wire is silently
// absorbed.
func (b *browserConn) WriteSpeaker(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		slog.Debug("speaker write to closed browser wire", "err", err)
	}
	return nil
}

// Interrupt implements [transport.Adapter]: a "clear" control message makes
// the client flush its playback queue.
func (b *browserConn) Interrupt() error {
	data, err := json.Marshal(browserControl{Type: "clear"})
	if err != nil {
		return err
	}
	if err := b.conn.Write(b.ctx, websocket.MessageText, data); err != nil {
		slog.Debug("clear message to closed browser wire", "err", err)
	}
	return nil
}

// Resume implements [transport.Adapter]. The browser wire needs no resume:
// the client plays whatever arrives next.
func (b *browserConn) Resume() error { return nil }

// PlayChime implements [transport.Adapter].
func (b *browserConn) PlayChime(ctx context.Context) error {
	return b.WriteSpeaker(ctx, b.chime)
}

// Close implements [transport.Adapter].
func (b *browserConn) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close(websocket.StatusNormalClosure, "session ended")
}
