package session

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lukasbauer/captionstream/internal/costs"
	"github.com/lukasbauer/captionstream/internal/llm"
	"github.com/lukasbauer/captionstream/internal/protocol"
)

// usageMeter counts what one session consumed upstream.
type usageMeter struct {
	audioBytes   atomic.Int64
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	translations atomic.Int64
}

func (m *usageMeter) addTranslation(u *llm.Usage) {
	m.translations.Add(1)
	if u == nil {
		return
	}
	m.inputTokens.Add(int64(u.InputTokens))
	m.outputTokens.Add(int64(u.OutputTokens))
}

func (m *usageMeter) usage(source protocol.SourceOptions) costs.Usage {
	return costs.Usage{
		AudioSeconds: costs.AudioSeconds(m.audioBytes.Load(), source.Encoding, source.SampleRate, 1),
		InputTokens:  int(m.inputTokens.Load()),
		OutputTokens: int(m.outputTokens.Load()),
		Translations: int(m.translations.Load()),
	}
}

// recordUsage adds u to the process-wide counters.
func recordUsage(ctx context.Context, u costs.Usage) {
	upstreamAudio.Add(ctx, u.AudioSeconds)
	translationTokens.Add(ctx, int64(u.InputTokens), metric.WithAttributes(attribute.String("direction", "input")))
	translationTokens.Add(ctx, int64(u.OutputTokens), metric.WithAttributes(attribute.String("direction", "output")))
}

// meteredSink counts the audio bytes the recognizer accepted.
type meteredSink struct {
	sink  AudioSink
	bytes *atomic.Int64
}

func (s meteredSink) SendAudio(ctx context.Context, audio []byte) error {
	if err := s.sink.SendAudio(ctx, audio); err != nil {
		return err
	}
	s.bytes.Add(int64(len(audio)))
	return nil
}
