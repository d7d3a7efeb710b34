// Package pipeline relays one widget connection through the voice chain:
// audio in -> STT -> workflow engine -> TTS -> audio out.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbeaufort/voicebridge/internal/brain"
	"github.com/mbeaufort/voicebridge/internal/observability"
	"github.com/mbeaufort/voicebridge/internal/protocol"
	"github.com/mbeaufort/voicebridge/internal/provider"
	"github.com/mbeaufort/voicebridge/internal/session"
	"github.com/mbeaufort/voicebridge/internal/stt"
	"github.com/mbeaufort/voicebridge/internal/transcript"
	"github.com/mbeaufort/voicebridge/internal/tts"
)

// Transcripts shorter than this are treated as noise, not utterances.
const minUtteranceLen = 3

type Pipeline struct {
	sessions    *session.Manager
	sttProvider stt.Provider
	responder   brain.Responder
	synthesizer tts.Provider
	transcripts transcript.Store // nil when persistence is disabled
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func New(
	sessions *session.Manager,
	sttProvider stt.Provider,
	responder brain.Responder,
	synthesizer tts.Provider,
	transcripts transcript.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		sessions:    sessions,
		sttProvider: sttProvider,
		responder:   responder,
		synthesizer: synthesizer,
		transcripts: transcripts,
		metrics:     metrics,
		logger:      logger,
	}
}

// Run drives one connection until ctx is cancelled, the inbound channel
// closes, the session leaves the live set, or the STT stream dies.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	log := p.logger.With(zap.String("session_id", sess.ID))

	sttStream, sttEvents, err := p.sttProvider.StartStream(ctx, sess.ID)
	if err != nil {
		p.countProviderError(err)
		log.Error("stt stream start failed", zap.Error(err))
		p.send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "stt_unavailable",
			Source:    "stt",
			Retryable: provider.IsRetryable(err),
			Detail:    err.Error(),
		})
		p.failSession(sess.ID, err)
		return err
	}
	defer sttStream.Close()

	for {
		select {
		case <-ctx.Done():
			_ = sttStream.Finalize(context.Background())
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				_ = sttStream.Finalize(context.Background())
				return nil
			}
			if done, err := p.handleClientMessage(ctx, sess, sttStream, msg); done {
				if err != nil {
					p.failSession(sess.ID, err)
				}
				return err
			}

		case ev, ok := <-sttEvents:
			if !ok {
				err := errors.New("stt stream closed")
				p.failSession(sess.ID, err)
				return err
			}
			if err := p.handleSTTEvent(ctx, sess, ev, outbound); err != nil {
				p.failSession(sess.ID, err)
				return err
			}
		}
	}
}

// failSession ends the session after an unrecoverable provider failure so its
// room is released right away instead of lingering until the idle sweep.
func (p *Pipeline) failSession(sessionID string, cause error) {
	p.metrics.SessionEvents.WithLabelValues("provider_failure").Inc()
	p.logger.Warn("ending session after provider failure",
		zap.String("session_id", sessionID), zap.Error(cause))
	if _, err := p.sessions.End(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		p.logger.Error("session teardown failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (p *Pipeline) handleClientMessage(ctx context.Context, sess *session.Session, sttStream stt.Stream, msg any) (bool, error) {
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		// A session torn down by sweep or explicit end stops accepting audio.
		cur, err := p.sessions.Get(sess.ID)
		if err != nil || (cur.State != session.StateStarting && cur.State != session.StateActive) {
			return true, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			p.logger.Debug("dropping undecodable audio chunk",
				zap.String("session_id", sess.ID), zap.Int("seq", m.Seq))
			return false, nil
		}
		_ = p.sessions.Touch(sess.ID)
		if err := sttStream.SendAudio(ctx, pcm); err != nil {
			p.countProviderError(err)
			p.logger.Error("stt audio forward failed", zap.String("session_id", sess.ID), zap.Error(err))
			return true, err
		}
		return false, nil

	case protocol.ClientControl:
		if m.Action == "stop" {
			_ = sttStream.Finalize(ctx)
			return true, nil
		}
		return false, nil

	default:
		return false, nil
	}
}

func (p *Pipeline) handleSTTEvent(ctx context.Context, sess *session.Session, ev stt.Event, outbound chan<- any) error {
	switch ev.Type {
	case stt.EventPartial:
		_ = p.sessions.Touch(sess.ID)
		p.send(ctx, outbound, protocol.STTPartial{
			Type:       protocol.TypeSTTPartial,
			SessionID:  sess.ID,
			Text:       ev.Text,
			Confidence: ev.Confidence,
		})
		return nil

	case stt.EventFinal:
		_ = p.sessions.Touch(sess.ID)
		p.send(ctx, outbound, protocol.STTFinal{
			Type:      protocol.TypeSTTFinal,
			SessionID: sess.ID,
			Text:      ev.Text,
		})
		p.runTurn(ctx, sess, ev.Text, outbound)
		return nil

	case stt.EventError:
		p.metrics.ProviderErrors.WithLabelValues("deepgram", ev.Code).Inc()
		p.logger.Warn("stt event error",
			zap.String("session_id", sess.ID),
			zap.String("code", ev.Code),
			zap.String("detail", ev.Detail),
			zap.Bool("retryable", ev.Retryable))
		p.send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      ev.Code,
			Source:    "stt",
			Retryable: ev.Retryable,
			Detail:    ev.Detail,
		})
		if !ev.Retryable {
			return fmt.Errorf("stt failed: %s", ev.Code)
		}
		return nil
	}
	return nil
}

// runTurn takes one final transcript through the workflow engine and speaks
// the reply back. Webhook failures degrade to a spoken fallback instead of
// killing the connection.
func (p *Pipeline) runTurn(ctx context.Context, sess *session.Session, userText string, outbound chan<- any) {
	userText = strings.TrimSpace(userText)
	if len(userText) < minUtteranceLen {
		return
	}
	log := p.logger.With(zap.String("session_id", sess.ID))

	p.saveTurn(ctx, sess.ID, "user", userText)

	start := time.Now()
	reply, err := p.responder.Reply(ctx, sess.ID, userText)
	p.metrics.ObserveWebhookLatency(time.Since(start))
	if err != nil {
		p.countProviderError(err)
		log.Error("workflow engine call failed", zap.Error(err))
		reply = brain.FallbackDegraded
	}

	_ = p.sessions.Touch(sess.ID)
	p.send(ctx, outbound, protocol.ReplyText{
		Type:      protocol.TypeReplyText,
		SessionID: sess.ID,
		Text:      reply,
	})
	p.saveTurn(ctx, sess.ID, "assistant", reply)

	chunks, err := p.synthesizer.Synthesize(ctx, reply)
	if err != nil {
		p.countProviderError(err)
		log.Error("tts synthesis failed", zap.Error(err))
		p.send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "tts_failed",
			Source:    "tts",
			Retryable: provider.IsRetryable(err),
			Detail:    err.Error(),
		})
		return
	}

	seq := 0
	for chunk := range chunks {
		if chunk.Err != nil {
			p.countProviderError(chunk.Err)
			log.Error("tts stream failed mid-turn", zap.Error(chunk.Err))
			break
		}
		_ = p.sessions.Touch(sess.ID)
		p.send(ctx, outbound, protocol.ReplyAudioChunk{
			Type:        protocol.TypeReplyAudioChunk,
			SessionID:   sess.ID,
			Seq:         seq,
			Format:      "audio/mpeg",
			AudioBase64: base64.StdEncoding.EncodeToString(chunk.Audio),
		})
		seq++
	}

	p.send(ctx, outbound, protocol.TurnEnd{
		Type:      protocol.TypeTurnEnd,
		SessionID: sess.ID,
		Reason:    "completed",
	})
	p.metrics.RelayedTurns.Inc()
}

func (p *Pipeline) saveTurn(ctx context.Context, sessionID, role, content string) {
	if p.transcripts == nil {
		return
	}
	turn := transcript.Turn{SessionID: sessionID, Role: role, Content: content}
	if err := p.transcripts.SaveTurn(ctx, turn); err != nil {
		p.logger.Warn("transcript save failed",
			zap.String("session_id", sessionID), zap.String("role", role), zap.Error(err))
	}
}

func (p *Pipeline) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func (p *Pipeline) countProviderError(err error) {
	var pe *provider.Error
	if errors.As(err, &pe) {
		p.metrics.ProviderErrors.WithLabelValues(pe.Provider, pe.Code).Inc()
		return
	}
	p.metrics.ProviderErrors.WithLabelValues("unknown", "internal").Inc()
}
