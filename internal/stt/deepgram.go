package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

var errStreamClosed = errors.New("stt: stream is closed")

// DeepgramConfig holds configuration for the Deepgram recognizer.
type DeepgramConfig struct {
	APIKey         string
	Model          string // e.g., "nova-3"
	Language       string // fallback when StreamConfig has none
	Punctuate      bool
	Endpointing    int // milliseconds of silence for endpointing, 0 for default
	UtteranceEndMs int // 0 disables utterance end events
	// Endpoint overrides the listen URL (tests).
	Endpoint string
}

// DeepgramRecognizer opens live streams against Deepgram's listen API.
type DeepgramRecognizer struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
	logger *log.Logger
}

func NewDeepgramRecognizer(cfg DeepgramConfig, logger *log.Logger) *DeepgramRecognizer {
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = deepgramWSURL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DeepgramRecognizer{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger}
}

func (r *DeepgramRecognizer) listenURL(sc StreamConfig) (string, error) {
	u, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	lang := sc.Language
	if lang == "" {
		lang = r.cfg.Language
	}
	channels := sc.Channels
	if channels <= 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", r.cfg.Model)
	if lang != "" {
		q.Set("language", lang)
	}
	if sc.Encoding != "" {
		q.Set("encoding", sc.Encoding)
	}
	if sc.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	}
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", strconv.FormatBool(r.cfg.Punctuate))
	q.Set("interim_results", "true")
	if r.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(r.cfg.Endpointing))
	}
	if r.cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(r.cfg.UtteranceEndMs))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials Deepgram and starts reading results.
func (r *DeepgramRecognizer) Open(ctx context.Context, sc StreamConfig) (Stream, error) {
	target, err := r.listenURL(sc)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, _, err := r.dialer.DialContext(ctx, target, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		logger:  r.logger,
		results: make(chan Result, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	logger *log.Logger

	results   chan Result
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup

	// Owned by readLoop.
	segment     int
	segmentOpen bool
	lastInterim Result
}

func (s *deepgramStream) SendAudio(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram: %w", err)
	}
	return nil
}

func (s *deepgramStream) Results() <-chan Result {
	return s.results
}

func (s *deepgramStream) Errors() <-chan error {
	return s.errors
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		_ = s.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
		s.mu.Unlock()

		err = s.conn.Close()

		s.wg.Wait()
		close(s.results)
		close(s.errors)
	})
	return err
}

func (s *deepgramStream) readLoop() {
	defer s.wg.Done()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			case s.errors <- fmt.Errorf("deepgram read: %w", err):
			default:
			}
			return
		}

		for _, res := range s.handle(msg) {
			select {
			case <-s.done:
				return
			case s.results <- res:
			}
		}
	}
}

// handle turns one provider message into zero or more results.
func (s *deepgramStream) handle(msg []byte) []Result {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		s.logger.Printf("deepgram: failed to parse response: %v", err)
		return nil
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.logger.Printf("deepgram: failed to parse results: %v", err)
			return nil
		}
		var text string
		var confidence float64
		if len(resp.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
			confidence = resp.Channel.Alternatives[0].Confidence
		}
		if text == "" && !s.segmentOpen {
			return nil
		}

		start := int64(resp.Start * 1000)
		end := int64((resp.Start + resp.Duration) * 1000)
		res := Result{
			SegmentID:  s.segmentID(),
			Text:       text,
			Confidence: confidence,
			IsFinal:    resp.IsFinal,
			StartMs:    &start,
			EndMs:      &end,
		}
		if resp.IsFinal {
			s.closeSegment()
		} else {
			s.segmentOpen = true
			s.lastInterim = res
		}
		return []Result{res}

	case api.TypeUtteranceEndResponse:
		// Interim text never confirmed by a final is promoted so the
		// segment does not stay open forever.
		if !s.segmentOpen {
			return nil
		}
		res := s.lastInterim
		res.IsFinal = true
		s.closeSegment()
		return []Result{res}

	case api.TypeSpeechStartedResponse:
		return nil

	default:
		return nil
	}
}

func (s *deepgramStream) segmentID() string {
	return fmt.Sprintf("seg-%d", s.segment+1)
}

func (s *deepgramStream) closeSegment() {
	s.segment++
	s.segmentOpen = false
	s.lastInterim = Result{}
}
