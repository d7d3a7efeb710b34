package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mbeaufort/voicebridge/internal/config"
	"github.com/mbeaufort/voicebridge/internal/observability"
	"github.com/mbeaufort/voicebridge/internal/protocol"
	"github.com/mbeaufort/voicebridge/internal/provider"
	"github.com/mbeaufort/voicebridge/internal/session"
	"github.com/mbeaufort/voicebridge/internal/transcript"
	"github.com/mbeaufort/voicebridge/internal/transport"
)

// Runner drives the voice relay for one widget connection.
type Runner interface {
	Run(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	rooms       transport.RoomProvider
	runner      Runner
	transcripts transcript.Store // nil when persistence is disabled
	metrics     *observability.Metrics
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	static      http.Handler
}

func New(cfg config.Config, sessions *session.Manager, rooms transport.RoomProvider, runner Runner, transcripts transcript.Store, metrics *observability.Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		rooms:       rooms,
		runner:      runner,
		transcripts: transcripts,
		metrics:     metrics,
		logger:      logger,
		static:      newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a mic session unless
				// the deployment explicitly opens the widget up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleWidget)
	r.Handle("/static/*", http.StripPrefix("/static/", s.static))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/start_session", s.handleStartSession)
	r.Post("/end_session/{session_id}", s.handleEndSession)
	r.Get("/session_status/{session_id}", s.handleSessionStatus)
	r.Get("/session_transcript/{session_id}", s.handleSessionTranscript)
	r.Get("/session_audio", s.handleSessionAudio)

	return r
}

func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	data, err := embeddedStatic.ReadFile("static/index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         "voicebridge",
		"active_sessions": s.sessions.ActiveCount(),
		"environment": map[string]string{
			"daily":       configured(s.cfg.DailyAPIKey),
			"deepgram":    configured(s.cfg.DeepgramAPIKey),
			"elevenlabs":  configured(s.cfg.ElevenLabsAPIKey),
			"n8n_webhook": configured(s.cfg.WebhookURL),
			"transcripts": configured(s.cfg.DatabaseURL),
		},
	})
}

func configured(v string) string {
	if strings.TrimSpace(v) == "" {
		return "missing"
	}
	return "configured"
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProviderTimeout)
	defer cancel()

	room, err := s.rooms.AllocateRoom(ctx)
	if err != nil {
		s.metrics.SessionEvents.WithLabelValues("create_failed").Inc()
		s.countProviderError(err)
		s.logger.Error("room allocation failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "room_allocation_failed", err.Error())
		return
	}

	sess := s.sessions.Create(room.Name, room.URL)
	if err := s.sessions.Activate(sess.ID); err != nil {
		s.logger.Error("session activation failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	sess, _ = s.sessions.Get(sess.ID)

	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.logger.Info("session started",
		zap.String("session_id", sess.ID), zap.String("room", room.Name))

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		State:          sess.State,
		RoomURL:        sess.RoomURL,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		IdleTimeoutMS:  s.sessions.IdleTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.logger.Info("session ended", zap.String("session_id", id))
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	now := time.Now().UTC()
	respondJSON(w, http.StatusOK, session.StatusResponse{
		SessionID:      sess.ID,
		State:          sess.State,
		RoomURL:        sess.RoomURL,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		ElapsedSec:     now.Sub(sess.CreatedAt).Seconds(),
		IdleSec:        now.Sub(sess.LastActivityAt).Seconds(),
		IdleTimeoutSec: s.sessions.IdleTimeout().Seconds(),
	})
}

// handleSessionTranscript serves saved turns for post-call review. Turns
// outlive the session record, so an evicted session id is not an error.
func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "transcripts_disabled", "transcript store not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	turns, err := s.transcripts.RecentTurns(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("transcript query failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "transcript_query_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

func (s *Server) handleSessionAudio(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice pipeline not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	log := s.logger.With(zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.runner.Run(ctx, sess, inbound, outbound); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("pipeline stopped", zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay single-threaded; drop when the queue is full.
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) countProviderError(err error) {
	var pe *provider.Error
	if errors.As(err, &pe) {
		s.metrics.ProviderErrors.WithLabelValues(pe.Provider, pe.Code).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
