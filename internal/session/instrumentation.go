package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/lukasbauer/captionstream/internal/session"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)

var (
	activeSessions, _ = meter.Int64UpDownCounter("captionstream.sessions.active",
		metric.WithDescription("Sessions currently registered"))
	droppedPartials, _ = meter.Int64Counter("captionstream.partials.dropped",
		metric.WithDescription("Partial results dropped by outbound backpressure"))
	replayedMessages, _ = meter.Int64Counter("captionstream.replay.messages",
		metric.WithDescription("Messages resent on resume"))
	terminations, _ = meter.Int64Counter("captionstream.sessions.ended",
		metric.WithDescription("Sessions ended, by final state and reason"))
	upstreamAudio, _ = meter.Float64Counter("captionstream.upstream.audio",
		metric.WithDescription("Audio forwarded to speech recognition"),
		metric.WithUnit("s"))
	translationTokens, _ = meter.Int64Counter("captionstream.upstream.tokens",
		metric.WithDescription("Tokens billed for translations, by direction"))
)
