package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/httpapi"
	"github.com/lukasbauer/captionstream/internal/jobs"
	"github.com/lukasbauer/captionstream/internal/llm"
	"github.com/lukasbauer/captionstream/internal/notifications"
	"github.com/lukasbauer/captionstream/internal/protocol"
	"github.com/lukasbauer/captionstream/internal/session"
	"github.com/lukasbauer/captionstream/internal/stt"
)

type App struct {
	cfg       Config
	logger    *log.Logger
	db        *pgxpool.Pool
	eventLog  *eventlog.Logger
	hub       *session.Hub
	discord   *notifications.Discord
	retention *jobs.AuditRetentionJob
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		db, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		logger.Printf("DATABASE_URL not set, session audit log disabled")
	}

	el := eventlog.New(db)
	if el.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := el.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	var recognizer stt.Recognizer
	if cfg.DeepgramAPIKey != "" {
		recognizer = stt.NewDeepgramRecognizer(stt.DeepgramConfig{
			APIKey:         cfg.DeepgramAPIKey,
			Model:          cfg.DeepgramModel,
			Language:       cfg.DefaultLanguage,
			Punctuate:      true,
			Endpointing:    cfg.STTEndpointingMs,
			UtteranceEndMs: cfg.STTUtteranceEndMs,
		}, logger)
	} else {
		logger.Printf("DEEPGRAM_API_KEY not set, sessions run without recognition")
	}

	var translator llm.Translator
	if cfg.OpenAIAPIKey != "" {
		translator = llm.NewOpenAITranslator(llm.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.TranslationModel,
		})
	}

	tokens := session.NewTokenIssuer(cfg.ResumeTokenSecret, cfg.ResumeTokenTTL)
	if tokens == nil {
		logger.Printf("RESUME_TOKEN_SECRET not set, resume tokens not required")
	}

	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)
	onUnexpected := func(sessionID string, err error) {
		httpapi.CaptureSessionError(sessionID, err)
		discord.NotifySessionFailure(context.Background(), sessionID, string(protocol.CodeFor(err)), err)
	}

	hub := session.NewHub(session.HubOptions{
		Config:       cfg.SessionConfig(),
		Registry:     session.NewRegistry(),
		Recognizer:   recognizer,
		Translator:   translator,
		Tokens:       tokens,
		Audit:        el,
		Logger:       logger,
		Debug:        cfg.Debug(),
		OnUnexpected: onUnexpected,
	})

	retention := jobs.NewAuditRetentionJob(el, cfg.AuditRetention, time.Hour, logger)
	retention.Start()

	return &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		eventLog:  el,
		hub:       hub,
		discord:   discord,
		retention: retention,
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AdminJWTSecret: a.cfg.AdminJWTSecret,
		Debug:          a.cfg.Debug(),
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.hub, a.eventLog)
}

// Hub exposes the session hub for shutdown and diagnostics.
func (a *App) Hub() *session.Hub {
	return a.hub
}

// Shutdown drains live sessions until ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	if n := a.hub.Registry().ActiveCount(); n > 0 {
		host, _ := os.Hostname()
		a.discord.NotifyDraining(context.Background(), host, n)
	}
	return a.hub.Shutdown(ctx)
}

func (a *App) Close() error {
	a.retention.Stop()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
