package voice

import (
	"context"
	"fmt"
	"io"

	"github.com/BaSui01/turnflow/internal/pool"
	"github.com/BaSui01/turnflow/llm/speech"
	"go.uber.org/zap"
)

// Utterance is one chunk of agent speech.
type Utterance struct {
	SessionID string
	Agent     string
	Voice     string
	Text      string
}

// SpeechSink is the audio-synthesis boundary of synchronous turns.
type SpeechSink interface {
	Speak(ctx context.Context, u Utterance) error
}

// SpeechSinkFunc adapts a function to SpeechSink.
type SpeechSinkFunc func(ctx context.Context, u Utterance) error

func (f SpeechSinkFunc) Speak(ctx context.Context, u Utterance) error { return f(ctx, u) }

// AudioOutput receives synthesized audio for a session.
type AudioOutput interface {
	WriteAudio(ctx context.Context, sessionID, format string, audio io.Reader) error
}

// SynthesisPool is the slice of the resource pool the speaker needs.
type SynthesisPool interface {
	AcquireForSession(ctx context.Context, sessionID string) (*speech.SynthesisClient, pool.Tier, error)
	ReleaseForSession(sessionID string, h *speech.SynthesisClient) error
}

// PooledSpeaker synthesizes each utterance on a session-affine handle from
// the pool, so consecutive sentences of a session reuse one warm client.
type PooledSpeaker struct {
	pool   SynthesisPool
	output AudioOutput
	logger *zap.Logger
}

// NewPooledSpeaker creates a speaker writing audio to output.
func NewPooledSpeaker(p SynthesisPool, output AudioOutput, logger *zap.Logger) *PooledSpeaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PooledSpeaker{pool: p, output: output, logger: logger.With(zap.String("component", "pooled_speaker"))}
}

// Speak acquires a handle, synthesizes u and streams the audio to the output.
func (s *PooledSpeaker) Speak(ctx context.Context, u Utterance) error {
	h, tier, err := s.pool.AcquireForSession(ctx, u.SessionID)
	if err != nil {
		return fmt.Errorf("acquire synthesis handle: %w", err)
	}
	defer func() {
		if err := s.pool.ReleaseForSession(u.SessionID, h); err != nil {
			s.logger.Warn("release synthesis handle", zap.String("session_id", u.SessionID), zap.Error(err))
		}
	}()

	h.Bind(u.SessionID, u.Voice)
	resp, err := h.Synthesize(ctx, &speech.TTSRequest{Text: u.Text})
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Audio.Close()

	s.logger.Debug("utterance synthesized",
		zap.String("session_id", u.SessionID),
		zap.String("agent", u.Agent),
		zap.Stringer("tier", tier),
		zap.Int("chars", len(u.Text)))

	if s.output == nil {
		_, err = io.Copy(io.Discard, resp.Audio)
		return err
	}
	return s.output.WriteAudio(ctx, u.SessionID, resp.Format, resp.Audio)
}

var _ SpeechSink = (*PooledSpeaker)(nil)
