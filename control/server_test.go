package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec"
)

type fakeRecorder struct {
	flushes   atomic.Int32
	shutdowns atomic.Int32
	frames    atomic.Uint64
}

var _ screenrec.Recorder = (*fakeRecorder)(nil)

func (r *fakeRecorder) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *fakeRecorder) RequestFlush() {
	r.flushes.Add(1)
}

func (r *fakeRecorder) RequestShutdown() {
	r.shutdowns.Add(1)
}

func (r *fakeRecorder) GetStats(ctx context.Context) *screenrec.Stats {
	return &screenrec.Stats{
		SessionID:      "test",
		State:          "Capturing",
		Mode:           "buffering",
		FramesCaptured: r.frames.Add(1),
	}
}

func TestFlushAndStop(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(context.Background(), rec, 0)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/flush", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.EqualValues(t, 1, rec.flushes.Load())
	require.EqualValues(t, 0, rec.shutdowns.Load())

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stop", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.EqualValues(t, 1, rec.shutdowns.Load())

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/flush", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.EqualValues(t, 1, rec.flushes.Load())
}

func TestStats(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(context.Background(), rec, 0)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats screenrec.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, "test", stats.SessionID)
	require.Equal(t, "buffering", stats.Mode)
	require.EqualValues(t, 1, stats.FramesCaptured)
}

func TestStatsWebSocket(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(context.Background(), rec, 10*time.Millisecond)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/stats/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var prev uint64
	for i := 0; i < 3; i++ {
		var stats screenrec.Stats
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&stats))
		require.Greater(t, stats.FramesCaptured, prev)
		prev = stats.FramesCaptured
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, &fakeRecorder{}, 0)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx, listener)
	}()

	resp, err := http.Post("http://"+listener.Addr().String()+"/flush", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after the cancellation")
	}
}

func TestIsLocalOrigin(t *testing.T) {
	for origin, expected := range map[string]bool{
		"":                      true,
		"http://localhost:8080": true,
		"http://127.0.0.1":      true,
		"http://[::1]:80":       true,
		"https://example.com":   false,
		"http://192.168.1.2":    false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/stats/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		require.Equal(t, expected, isLocalOrigin(r), origin)
	}
}
