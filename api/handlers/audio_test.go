package handlers

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAudioHub_DiscardsWithoutListener(t *testing.T) {
	hub := NewAudioHub(zaptest.NewLogger(t))
	r := strings.NewReader("pcm-bytes")
	require.NoError(t, hub.WriteAudio(context.Background(), "nobody", "pcm", r))
	assert.Zero(t, r.Len())
}

func TestAudioHub_StreamsToListener(t *testing.T) {
	hub := NewAudioHub(zaptest.NewLogger(t))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/{id}/audio", hub.HandleStream)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions/call-1/audio")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	// 等待订阅登记完成
	require.Eventually(t, func() bool { return hub.listener("call-1") != nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.WriteAudio(context.Background(), "call-1", "pcm", strings.NewReader("hello-audio")))

	got := make([]byte, len("hello-audio"))
	_, err = io.ReadFull(bufio.NewReader(resp.Body), got)
	require.NoError(t, err)
	assert.Equal(t, "hello-audio", string(got))

	hub.Disconnect(context.Background(), "call-1")
	assert.Nil(t, hub.listener("call-1"))
}

func TestAudioHub_NewListenerReplacesOld(t *testing.T) {
	hub := NewAudioHub(nil)
	first := hub.subscribe("s")
	second := hub.subscribe("s")

	select {
	case <-first.done:
	default:
		t.Fatal("first listener should be closed")
	}
	assert.Same(t, second, hub.listener("s"))

	// 旧订阅退出时不能移除新订阅
	hub.unsubscribe("s", first)
	assert.Same(t, second, hub.listener("s"))
}
