package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mbeaufort/voicebridge/internal/brain"
	"github.com/mbeaufort/voicebridge/internal/config"
	"github.com/mbeaufort/voicebridge/internal/httpapi"
	"github.com/mbeaufort/voicebridge/internal/logging"
	"github.com/mbeaufort/voicebridge/internal/observability"
	"github.com/mbeaufort/voicebridge/internal/pipeline"
	"github.com/mbeaufort/voicebridge/internal/session"
	"github.com/mbeaufort/voicebridge/internal/stt"
	"github.com/mbeaufort/voicebridge/internal/transcript"
	"github.com/mbeaufort/voicebridge/internal/transport"
	"github.com/mbeaufort/voicebridge/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	rooms := transport.NewDailyClient(transport.DailyConfig{
		APIKey:  cfg.DailyAPIKey,
		APIURL:  cfg.DailyAPIURL,
		RoomTTL: cfg.DailyRoomTTL,
		Timeout: cfg.ProviderTimeout,
	})

	sttProvider := stt.NewDeepgramProvider(stt.DeepgramConfig{
		APIKey:    cfg.DeepgramAPIKey,
		WSBaseURL: cfg.DeepgramWSBaseURL,
		Model:     cfg.DeepgramModel,
		Language:  cfg.DeepgramLanguage,
	})

	responder := brain.NewWebhookClient(brain.WebhookConfig{
		URL:     cfg.WebhookURL,
		Timeout: cfg.ProviderTimeout,
	})

	synthesizer := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		APIKey:  cfg.ElevenLabsAPIKey,
		APIURL:  cfg.ElevenLabsAPIURL,
		VoiceID: cfg.ElevenLabsVoiceID,
		ModelID: cfg.ElevenLabsModelID,
	})

	var transcripts transcript.Store
	if cfg.DatabaseURL != "" {
		store, err := transcript.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("transcript store init failed", zap.Error(err))
		}
		defer store.Close()
		transcripts = store
		logger.Info("transcript store enabled")
	}

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetReleaseHook(func(s *session.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ProviderTimeout)
		defer cancel()
		if err := rooms.ReleaseRoom(ctx, s.RoomName); err != nil {
			logger.Error("room release failed",
				zap.String("session_id", s.ID), zap.String("room", s.RoomName), zap.Error(err))
		}
		metrics.SessionEvents.WithLabelValues("released").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		logger.Info("session resources released", zap.String("session_id", s.ID))
	})

	relay := pipeline.New(sessions, sttProvider, responder, synthesizer, transcripts, metrics, logger)

	api := httpapi.New(cfg, sessions, rooms, relay, transcripts, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartSweeper(runCtx, cfg.SweepInterval)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
