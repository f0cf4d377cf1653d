package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// mediaEnvelope is the JSON frame format of the telephony media stream, used
// in both directions. Inbound events are connected, start, media and stop;
// outbound events are media and clear.
type mediaEnvelope struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *mediaStart   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type mediaStart struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

type mediaPayload struct {
	Payload string `json:"payload"` // base64 mu-law 8 kHz
}

// telephonyConn adapts one telephony media stream to the transport surface.
// Inbound audio is base64 mu-law at 8 kHz, upsampled to the 16 kHz analysis
// rate; outbound 24 kHz PCM is downsampled to 8 kHz and mu-law encoded.
type telephonyConn struct {
	conn  *websocket.Conn
	ctx   context.Context
	chime []byte

	micCh chan []float32

	mu        sync.Mutex
	streamSid string
	closed    bool
}

func newTelephonyConn(ctx context.Context, conn *websocket.Conn, chime []byte) *telephonyConn {
	if chime == nil {
		chime = audio.BuiltinChime()
	}
	t := &telephonyConn{
		conn:  conn,
		ctx:   ctx,
		chime: chime,
		micCh: make(chan []float32, micChanBuf),
	}
	go t.pumpMic()
	return t
}

// pumpMic reads envelope frames until stop or disconnect.
func (t *telephonyConn) pumpMic() {
	defer close(t.micCh)
	first := true
	deadlineCtx, cancel := context.WithTimeout(t.ctx, firstChunkTimeout)
	defer cancel()
	for {
		readCtx := t.ctx
		if first {
			readCtx = deadlineCtx
		}
		typ, data, err := t.conn.Read(readCtx)
		if err != nil {
			slog.Debug("telephony stream ended", "err", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var env mediaEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("telephony envelope unparsable", "err", err)
			continue
		}

		switch env.Event {
		case "connected":
			// Handshake only; nothing to do.

		case "start":
			if env.Start != nil {
				t.mu.Lock()
				t.streamSid = env.Start.StreamSid
				t.mu.Unlock()
				slog.Info("telephony stream started",
					"stream_sid", env.Start.StreamSid, "call_sid", env.Start.CallSid)
			}

		case "media":
			first = false
			if env.Media == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				slog.Warn("telephony media payload undecodable", "err", err)
				continue
			}
			samples := audio.MulawDecodeSlice(raw)
			samples16k := audio.Upsample8kTo16k(samples)
			select {
			case t.micCh <- audio.Int16ToFloat32(samples16k):
			case <-t.ctx.Done():
				return
			}

		case "stop":
			slog.Info("telephony stream stopped")
			return
		}
	}
}

// MicStream implements [transport.Adapter].
func (t *telephonyConn) MicStream() <-chan []float32 { return t.micCh }

// WriteSpeaker implements [transport.Adapter]. Audio written before the start
// envelope has announced a streamSid is dropped. A closed wire is silently
// absorbed.
func (t *telephonyConn) WriteSpeaker(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sid := t.sid()
	if sid == "" {
		slog.Debug("telephony speaker write before stream start; dropping", "bytes", len(pcm))
		return nil
	}

	down := audio.Downsample24kTo8k(audio.BytesToInt16(pcm))
	payload := base64.StdEncoding.EncodeToString(audio.MulawEncodeSlice(down))

	return t.writeEnvelope(ctx, mediaEnvelope{
		Event:     "media",
		StreamSid: sid,
		Media:     &mediaPayload{Payload: payload},
	})
}

// Interrupt implements [transport.Adapter]: a clear event flushes the
// far-end playback buffer.
func (t *telephonyConn) Interrupt() error {
	sid := t.sid()
	if sid == "" {
		return nil
	}
	return t.writeEnvelope(t.ctx, mediaEnvelope{Event: "clear", StreamSid: sid})
}

// Resume implements [transport.Adapter]; the telephony wire needs none.
func (t *telephonyConn) Resume() error { return nil }

// PlayChime implements [transport.Adapter].
func (t *telephonyConn) PlayChime(ctx context.Context) error {
	return t.WriteSpeaker(ctx, t.chime)
}

// Close implements [transport.Adapter].
func (t *telephonyConn) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close(websocket.StatusNormalClosure, "session ended")
}

func (t *telephonyConn) sid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

func (t *telephonyConn) writeEnvelope(ctx context.Context, env mediaEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("write to closed telephony wire", "err", err)
	}
	return nil
}
