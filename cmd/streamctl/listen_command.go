package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/captionstream/internal/client"
	"github.com/lukasbauer/captionstream/internal/protocol"
)

// 100ms of 16kHz 16-bit mono PCM.
const audioChunkBytes = 3200

type listenOptions struct {
	language    string
	targets     []string
	accept      []string
	maxInFlight int
	perMessage  bool
	audioPath   string
	sampleRate  int
	maxAttempts int
	verbose     bool
}

func newListenCommand(ctx *commandContext) *cobra.Command {
	var opts listenOptions

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open a caption session and print transcripts and translations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := ctx.streamURL()
			if err != nil {
				return err
			}
			return runListen(cmd, url, opts)
		},
	}

	cmd.Flags().StringVar(&opts.language, "language", "", "Source language of the audio")
	cmd.Flags().StringSliceVar(&opts.targets, "targets", nil, "Translation target languages")
	cmd.Flags().StringSliceVar(&opts.accept, "accept", nil, "Message types to receive (default all)")
	cmd.Flags().IntVar(&opts.maxInFlight, "max-in-flight", 0, "Requested flow window")
	cmd.Flags().BoolVar(&opts.perMessage, "per-message-acks", false, "Acknowledge each message instead of cumulatively")
	cmd.Flags().StringVar(&opts.audioPath, "audio", "", "Raw linear16 audio to stream (- for stdin)")
	cmd.Flags().IntVar(&opts.sampleRate, "sample-rate", 16000, "Sample rate of --audio")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "Give up after this many failed reconnects (0 retries forever)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log connection events to stderr")
	return cmd
}

func runListen(cmd *cobra.Command, url string, opts listenOptions) error {
	hello := protocol.Hello{MaxInFlight: opts.maxInFlight, AckMode: protocol.AckCumulative}
	if opts.perMessage {
		hello.AckMode = protocol.AckPerMessage
	}
	for _, t := range opts.accept {
		hello.AcceptedTypes = append(hello.AcceptedTypes, protocol.MessageType(strings.TrimSpace(t)))
	}
	if opts.language != "" || len(opts.targets) > 0 || opts.audioPath != "" {
		hello.Source = &protocol.SourceOptions{
			Language:        opts.language,
			TargetLanguages: opts.targets,
			SampleRate:      opts.sampleRate,
			Encoding:        "linear16",
		}
	}

	logOut := io.Discard
	if opts.verbose {
		logOut = cmd.ErrOrStderr()
	}
	out := cmd.OutOrStdout()
	active := make(chan struct{}, 1)

	c := client.New(client.Options{
		URL:         url,
		Hello:       hello,
		MaxAttempts: opts.maxAttempts,
		Logger:      log.New(logOut, "", log.LstdFlags),
		OnMessage: func(env protocol.Envelope, msg protocol.Message) {
			fmt.Fprintln(out, formatMessage(env, msg))
		},
		OnState: func(s client.State) {
			if s == client.StateActive {
				select {
				case active <- struct{}{}:
				default:
				}
			}
		},
		OnReset: func(old string) {
			fmt.Fprintf(cmd.ErrOrStderr(), "session %s expired, started a new one\n", old)
		},
	})

	runCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.audioPath != "" {
		go func() {
			if err := streamAudio(sigCtx, c, opts.audioPath, active); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "audio: %v\n", err)
			}
		}()
	}

	select {
	case err := <-done:
		return err
	case <-sigCtx.Done():
	}

	// Ask for a graceful drain, then give up on the server after a grace period.
	if err := c.Stop("client interrupted"); err != nil {
		cancel()
		return ignoreCanceled(<-done)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		cancel()
		return ignoreCanceled(<-done)
	}
}

func streamAudio(ctx context.Context, c *client.Client, path string, active <-chan struct{}) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	select {
	case <-active:
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	buf := make([]byte, audioChunkBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if sendErr := c.SendAudio(buf[:n]); sendErr != nil {
				// Frames sent while reconnecting are lost.
				continue
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return c.Stop("end of audio")
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatMessage(env protocol.Envelope, msg protocol.Message) string {
	prefix := fmt.Sprintf("#%-5d %-20s", env.Sequence, env.Type)
	switch m := msg.(type) {
	case protocol.TranscriptSegment:
		return fmt.Sprintf("%s [%s] %s", prefix, m.SegmentID, m.Text)
	case protocol.TranslationResult:
		return fmt.Sprintf("%s [%s %s] %s", prefix, m.SegmentID, m.TargetLang, m.Text)
	case protocol.SegmentFailed:
		return fmt.Sprintf("%s [%s] %s failed: %s", prefix, m.SegmentID, m.Stream, m.Reason)
	case protocol.Status:
		if m.Detail != "" {
			return fmt.Sprintf("%s %s: %s", prefix, m.State, m.Detail)
		}
		return fmt.Sprintf("%s %s", prefix, m.State)
	default:
		return fmt.Sprintf("%s %s", prefix, env.Payload)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
