package voice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/BaSui01/turnflow/internal/pool"
	"github.com/BaSui01/turnflow/llm/speech"
	"github.com/BaSui01/turnflow/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type bufferOutput struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *bufferOutput) WriteAudio(_ context.Context, _, _ string, audio io.Reader) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := io.Copy(&o.buf, audio)
	return err
}

func synthesisPool(t *testing.T, tts speech.TTSProvider) *pool.Pool[*speech.SynthesisClient] {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.Name = "tts"
	cfg.WarmPoolSize = 0
	p, err := pool.New(cfg, speech.NewFactory(tts), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPooledSpeaker_ReusesSessionHandle(t *testing.T) {
	tts := mocks.NewMockTTSProvider()
	p := synthesisPool(t, tts)
	out := &bufferOutput{}
	speaker := NewPooledSpeaker(p, out, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, speaker.Speak(ctx, Utterance{SessionID: "s1", Agent: "Billing", Voice: "onyx", Text: "One. "}))
	require.NoError(t, speaker.Speak(ctx, Utterance{SessionID: "s1", Agent: "Billing", Voice: "onyx", Text: "Two."}))

	assert.Equal(t, "One. Two.", out.buf.String())
	reqs := tts.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "onyx", reqs[1].Voice)
	assert.Equal(t, "s1", reqs[1].Metadata["session_id"])

	snap := p.Snapshot()
	assert.Equal(t, int64(1), snap.ColdAllocations)
	assert.Equal(t, int64(1), snap.DedicatedAllocations)
	assert.Equal(t, 0, snap.Leased)
}

func TestPooledSpeaker_ReleasesOnSynthesisFailure(t *testing.T) {
	tts := mocks.NewMockTTSProvider().WithError(errors.New("voice not found"))
	p := synthesisPool(t, tts)
	speaker := NewPooledSpeaker(p, nil, nil)

	err := speaker.Speak(context.Background(), Utterance{SessionID: "s1", Text: "Hello."})
	require.Error(t, err)
	assert.Equal(t, 0, p.Snapshot().Leased)
}

func TestPooledSpeaker_DiscardsWithoutOutput(t *testing.T) {
	p := synthesisPool(t, mocks.NewMockTTSProvider())
	speaker := NewPooledSpeaker(p, nil, nil)
	require.NoError(t, speaker.Speak(context.Background(), Utterance{SessionID: "s1", Text: "Hello."}))
}
