package session

import (
	"context"
	"errors"
	"testing"

	"github.com/lukasbauer/captionstream/internal/llm"
	"github.com/lukasbauer/captionstream/internal/protocol"
)

type flakySink struct{ fail bool }

func (s *flakySink) SendAudio(context.Context, []byte) error {
	if s.fail {
		return errors.New("stream closed")
	}
	return nil
}

func TestMeteredSinkCountsAcceptedAudio(t *testing.T) {
	var m usageMeter
	inner := &flakySink{}
	sink := meteredSink{sink: inner, bytes: &m.audioBytes}

	_ = sink.SendAudio(context.Background(), make([]byte, 16000))
	_ = sink.SendAudio(context.Background(), make([]byte, 16000))
	inner.fail = true
	if err := sink.SendAudio(context.Background(), make([]byte, 16000)); err == nil {
		t.Error("SendAudio() should pass through the sink error")
	}

	m.addTranslation(&llm.Usage{InputTokens: 40, OutputTokens: 5})
	m.addTranslation(nil)

	u := m.usage(protocol.SourceOptions{Encoding: "linear16", SampleRate: 16000})
	if u.AudioSeconds != 1 {
		t.Errorf("AudioSeconds = %v, want 1", u.AudioSeconds)
	}
	if u.Translations != 2 || u.InputTokens != 40 || u.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 2 translations 40/5 tokens", u)
	}
}
