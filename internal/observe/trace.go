package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the pipeline tracer.
const tracerName = "github.com/MrWong99/voiceloop"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurn opens a span covering one conversational turn, from completed
// transcript to drained playback. The caller must call span.End().
func StartTurn(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "voice.turn")
}
