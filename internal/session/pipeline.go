package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lukasbauer/captionstream/internal/aggregator"
	"github.com/lukasbauer/captionstream/internal/costs"
	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/llm"
	"github.com/lukasbauer/captionstream/internal/protocol"
	"github.com/lukasbauer/captionstream/internal/stt"
)

// Status states published by the pipeline.
const (
	StatusListening     = "listening"
	StatusUpstreamError = "upstream_error"
	StatusUpstreamEnded = "upstream_ended"
)

// pipeline feeds one session from the inference collaborators: audio goes
// to the recognizer, results through the aggregator, and every recognized
// final fans out to one translation per target language.
type pipeline struct {
	sup        *Supervisor
	recognizer stt.Recognizer
	translator llm.Translator
	source     protocol.SourceOptions
	rateHz     float64
	audit      *eventlog.Logger
	logger     *log.Logger
	debug      bool
	usage      usageMeter
}

func (p *pipeline) run(ctx context.Context) {
	id := p.sup.ID()
	stream, err := p.recognizer.Open(ctx, stt.StreamConfig{
		Language:   p.source.Language,
		SampleRate: p.source.SampleRate,
		Encoding:   p.source.Encoding,
		Channels:   1,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Printf("session %s: open recognizer: %v", id, err)
		p.audit.LogAsync(id, eventlog.EventUpstreamError, map[string]any{"error": err.Error()})
		_ = p.sup.PublishStatus(ctx, protocol.Status{State: StatusUpstreamError, Detail: err.Error()})
		return
	}
	defer stream.Close()
	defer p.reportUsage()
	p.sup.SetAudioSink(meteredSink{sink: stream, bytes: &p.usage.audioBytes})
	defer p.sup.SetAudioSink(nil)

	_ = p.sup.PublishStatus(ctx, protocol.Status{State: StatusListening, Detail: p.source.Language})

	agg := aggregator.New(aggregator.Config{RateHz: p.rateHz}, p.logger)
	updates := make(chan aggregator.Update, 64)
	aggDone := make(chan error, 1)
	go func() {
		aggDone <- agg.Run(ctx, updates, p.emit)
	}()

	var translations sync.WaitGroup
	defer func() {
		translations.Wait()
		close(updates)
		if err := <-aggDone; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, protocol.ErrSessionClosed) {
			p.logger.Printf("session %s: aggregator: %v", id, err)
		}
	}()

	send := func(u aggregator.Update) bool {
		select {
		case updates <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	results, errs := stream.Results(), stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return

		case res, ok := <-results:
			if !ok {
				_ = p.sup.PublishStatus(ctx, protocol.Status{State: StatusUpstreamEnded})
				return
			}
			if p.debug {
				p.logger.Printf("session %s: stt %s final=%v %q", id, res.SegmentID, res.IsFinal, res.Text)
			}
			u := aggregator.Update{
				Stream:     aggregator.StreamASR,
				SegmentID:  res.SegmentID,
				Text:       res.Text,
				IsFinal:    res.IsFinal,
				SourceLang: p.source.Language,
				StartMs:    res.StartMs,
				EndMs:      res.EndMs,
			}
			if res.Err != nil {
				u.Err = fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, res.Err)
			}
			if !send(u) {
				return
			}
			if res.IsFinal && res.Err == nil && res.Text != "" && p.translator != nil {
				for _, target := range p.source.TargetLanguages {
					if target == "" || target == p.source.Language {
						continue
					}
					req := llm.Request{
						SegmentID:  res.SegmentID,
						SourceLang: p.source.Language,
						TargetLang: target,
						Text:       res.Text,
					}
					translations.Add(1)
					go func() {
						defer translations.Done()
						p.translate(ctx, req, send)
					}()
				}
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Printf("session %s: recognizer: %v", id, err)
			p.audit.LogAsync(id, eventlog.EventUpstreamError, map[string]any{"error": err.Error()})
			_ = p.sup.PublishStatus(ctx, protocol.Status{State: StatusUpstreamError, Detail: err.Error()})
			agg.SetCloseReason("upstream error: " + err.Error())
			return
		}
	}
}

func (p *pipeline) translate(ctx context.Context, req llm.Request, send func(aggregator.Update) bool) {
	base := aggregator.Update{
		Stream:     aggregator.StreamTranslation,
		SegmentID:  req.SegmentID,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
	}
	failed := func(err error) {
		u := base
		u.Err = fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
		send(u)
	}

	deltas, err := p.translator.Translate(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			failed(err)
		}
		return
	}
	for d := range deltas {
		u := base
		switch {
		case d.Err != nil:
			failed(d.Err)
			return
		case d.Done:
			p.usage.addTranslation(d.Usage)
			u.Text = d.Text
			u.IsFinal = true
			send(u)
			return
		default:
			u.Text = d.Text
			if !send(u) {
				return
			}
		}
	}
	if ctx.Err() == nil {
		failed(errors.New("translation stream closed without a result"))
	}
}

// reportUsage logs the session's upstream consumption and estimated spend
// once the recognizer stream is done.
func (p *pipeline) reportUsage() {
	u := p.usage.usage(p.source)
	c := costs.Calculate(u)
	recordUsage(context.Background(), u)

	p.logger.Printf("session %s: usage audio=%.1fs translations=%d tokens=%d/%d est_cost=%.2f cents",
		p.sup.ID(), u.AudioSeconds, u.Translations, u.InputTokens, u.OutputTokens, c.TotalCents)
	p.audit.LogAsync(p.sup.ID(), eventlog.EventSessionUsage, map[string]any{
		"audio_seconds": u.AudioSeconds,
		"translations":  u.Translations,
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"stt_cents":     c.STTCents,
		"llm_cents":     c.LLMCents,
		"total_cents":   c.TotalCents,
	})
}

func (p *pipeline) emit(ctx context.Context, ev aggregator.Event) error {
	if ev.Kind == aggregator.KindFailed {
		p.audit.LogAsync(p.sup.ID(), eventlog.EventSegmentFailed, map[string]any{
			"segment_id": ev.Update.SegmentID,
			"stream":     string(ev.Update.Stream),
			"reason":     ev.Reason,
		})
	}
	return p.sup.Publish(ctx, ev)
}
