package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/clip-upload-service/internal/audio"
	"github.com/skypro1111/clip-upload-service/internal/config"
	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/protocol"
	"github.com/skypro1111/clip-upload-service/internal/storage"
	"github.com/skypro1111/clip-upload-service/internal/stream"
	"github.com/skypro1111/clip-upload-service/internal/upload"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// storeWriter writes straight to a memory store with fixed credentials
type storeWriter struct {
	store *storage.MemoryStore
}

func (w storeWriter) WriteObject(ctx context.Context, obj storage.Object) error {
	return w.store.Put(ctx, obj, credentials.State{AccessKeyID: "k", SecretKey: "s"})
}

func newManager(t *testing.T, store *storage.MemoryStore) *stream.Manager {
	t.Helper()
	mgr, err := stream.NewManager(newLogger(), stream.ManagerConfig{
		SampleRate: 16000,
		Segmentation: audio.SegmentationConfig{
			PreferredFrames: 156, DesperateFrames: 312, MaxFrames: 468,
			ShortSilenceFrames: 3, LongSilenceFrames: 7,
		},
		Encoder: audio.WAVEncoder{},
		Writer:  storeWriter{store: store},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func startUDP(t *testing.T, mgr *stream.Manager, m *metrics.Metrics) (*UDPServer, net.Conn) {
	t.Helper()
	srv := NewUDPServer(&config.ServerConfig{
		BindAddress: "127.0.0.1",
		UDPPort:     0,
		BufferSize:  65536,
		Workers:     2,
	}, newLogger(), mgr, m)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func send(t *testing.T, conn net.Conn, packet []byte, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := conn.Write(packet); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUDPSessionLifecycle(t *testing.T) {
	store := storage.NewMemoryStore()
	mgr := newManager(t, store)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	srv, conn := startUDP(t, mgr, m)

	packet, err := protocol.EncodeStart(42, "call-42", "biz-1", "dictation")
	send(t, conn, packet, err)
	waitFor(t, "session", func() bool { _, ok := mgr.GetSession(42); return ok })

	session, _ := mgr.GetSession(42)
	if session.ID != "call-42" || session.BusinessID != "biz-1" {
		t.Errorf("session = %s/%s", session.ID, session.BusinessID)
	}

	samples := make([]float32, 160)
	for seq := uint32(1); seq <= 20; seq++ {
		packet, err := protocol.EncodeFrame(42, protocol.FramePayload{Sequence: seq, Probability: 0.9, Samples: samples})
		send(t, conn, packet, err)
	}
	waitFor(t, "frames", func() bool { return session.Totals().RawFrames == 20 })

	packet, err = protocol.EncodeControl(protocol.PacketTypeEnd, 42)
	send(t, conn, packet, err)
	waitFor(t, "end result", func() bool { _, ok := session.EndResult(); return ok })

	if res, _ := session.EndResult(); !res.OK() {
		t.Fatalf("end result = %+v", res)
	}
	for _, name := range []string{"start.json", "1.wav", "end.json"} {
		if _, ok := store.Get(session.PathPrefix + "/" + name); !ok {
			t.Errorf("%s not stored", name)
		}
	}

	stats := srv.GetStatistics()
	if stats.PacketsProcessed != 22 || stats.ParseErrors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if got := testutil.ToFloat64(m.PacketsReceived.WithLabelValues("frame")); got != 20 {
		t.Errorf("frame packets metric = %v", got)
	}
}

func TestUDPPauseResumeAndParseErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	mgr := newManager(t, store)
	srv, conn := startUDP(t, mgr, nil)

	packet, err := protocol.EncodeStart(7, "", "", "dictation")
	send(t, conn, packet, err)
	waitFor(t, "session", func() bool { _, ok := mgr.GetSession(7); return ok })
	session, _ := mgr.GetSession(7)

	frame, _ := protocol.EncodeFrame(7, protocol.FramePayload{Sequence: 1, Probability: 0.9, Samples: make([]float32, 160)})
	send(t, conn, frame, nil)

	packet, _ = protocol.EncodeControl(protocol.PacketTypePause, 7)
	send(t, conn, packet, nil)
	waitFor(t, "pause", func() bool { return session.State() == stream.StatePaused })

	packet, _ = protocol.EncodeControl(protocol.PacketTypeResume, 7)
	send(t, conn, packet, nil)
	waitFor(t, "resume", func() bool { return session.State() == stream.StateRecording })

	send(t, conn, []byte{0xff, 0x00}, nil)
	waitFor(t, "parse error", func() bool { return srv.GetStatistics().ParseErrors == 1 })
}

func TestUDPCommandsKeepStreamOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	mgr := newManager(t, store)
	srv := NewUDPServer(&config.ServerConfig{BindAddress: "127.0.0.1", BufferSize: 65536}, newLogger(), mgr, nil)

	// packets handled back to back, as one worker does for one stream
	handle := func(packet []byte, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		srv.handlePacket(&incomingPacket{data: packet, timestamp: time.Now()}, 0)
	}
	samples := make([]float32, 160)
	frame := func(seq uint32) ([]byte, error) {
		return protocol.EncodeFrame(9, protocol.FramePayload{Sequence: seq, Probability: 0.9, Samples: samples})
	}

	handle(protocol.EncodeStart(9, "call-9", "", "dictation"))
	handle(frame(1))
	handle(protocol.EncodeControl(protocol.PacketTypePause, 9))
	handle(frame(2))
	handle(protocol.EncodeControl(protocol.PacketTypeResume, 9))
	handle(frame(3))
	srv.commands.Wait()

	first, ok := mgr.GetSession(9)
	if !ok {
		t.Fatal("session not created")
	}
	if first.State() != stream.StateRecording {
		t.Fatalf("state after pause+resume = %s, want recording", first.State())
	}
	if got := first.Totals().RawFrames; got != 2 {
		t.Errorf("recorded %d frames, want 2 (the frame sent while paused is ignored)", got)
	}

	handle(protocol.EncodeControl(protocol.PacketTypeEnd, 9))
	handle(frame(4))
	handle(protocol.EncodeStart(9, "call-9b", "", "dictation"))
	srv.commands.Wait()

	if first.State() != stream.StateEnded {
		t.Errorf("first session state = %s, want ended", first.State())
	}
	if res, ok := first.EndResult(); !ok || !res.OK() {
		t.Errorf("first session end result = %+v, %v", res, ok)
	}
	if got := first.Totals().RawFrames; got != 2 {
		t.Errorf("ended session recorded %d frames, want 2", got)
	}
	for _, name := range []string{"1.wav", "2.wav", "end.json"} {
		if _, ok := store.Get(first.PathPrefix + "/" + name); !ok {
			t.Errorf("%s not stored", name)
		}
	}

	next, ok := mgr.GetSession(9)
	if !ok || next == first || next.ID != "call-9b" || next.State() != stream.StateRecording {
		t.Errorf("start after end did not open a new session: %+v", next)
	}
}

func TestUDPRejectsStartsOverCapacity(t *testing.T) {
	mgr := newManager(t, storage.NewMemoryStore())
	srv := NewUDPServer(&config.ServerConfig{
		BindAddress:          "127.0.0.1",
		BufferSize:           65536,
		MaxConcurrentStreams: 1,
	}, newLogger(), mgr, nil)

	header := func(streamID uint32) *protocol.Header {
		return &protocol.Header{PacketType: protocol.PacketTypeStart, StreamID: streamID}
	}
	payload := &protocol.StartPayload{}

	srv.processStart(header(1), payload, 0)
	srv.processStart(header(2), payload, 0)
	// a repeated start for an open stream is not a new stream
	srv.processStart(header(1), payload, 0)

	if _, ok := mgr.GetSession(2); ok {
		t.Error("second stream was admitted over capacity")
	}
	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("active sessions = %d", mgr.GetActiveSessionCount())
	}
}

type fakeJournal struct {
	events []upload.Event
	err    error
}

func (j fakeJournal) ListClipEvents(_ context.Context, sessionID string, _ int) ([]upload.Event, error) {
	var out []upload.Event
	for _, ev := range j.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, j.err
}

func newHTTP(t *testing.T, mgr *stream.Manager, opts HTTPServerOptions) (http.Handler, *prometheus.Registry, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	opts.Config = config.Default()
	opts.Config.Credentials.SecretKey = "super-secret"
	opts.Config.Credentials.AuthToken = "token-secret"
	opts.Sessions = mgr
	opts.Metrics = m
	opts.Gatherer = reg
	return NewHTTPServer(opts.Config.HTTP, newLogger(), opts).Handler(), reg, m
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPSessions(t *testing.T) {
	store := storage.NewMemoryStore()
	mgr := newManager(t, store)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, 5, "biz", "dictation")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		session.ProcessFrame(0.9, make([]float32, 160))
	}

	h, _, m := newHTTP(t, mgr, HTTPServerOptions{
		Journal: fakeJournal{events: []upload.Event{{SessionID: session.ID, FileName: "1.wav", Status: upload.StatusSuccess}}},
	})

	rec := get(t, h, http.MethodGet, "/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /sessions = %d", rec.Code)
	}
	var list struct {
		Total    int                  `json:"total_sessions"`
		Sessions []stream.SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Sessions[0].ID != session.ID || list.Sessions[0].Totals.RawFrames != 10 {
		t.Errorf("sessions = %+v", list)
	}

	for _, path := range []string{"/sessions/" + session.ID, "/sessions/5"} {
		rec = get(t, h, http.MethodGet, path)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), session.ID) {
			t.Errorf("GET %s = %d %s", path, rec.Code, rec.Body.String())
		}
	}

	if rec := get(t, h, http.MethodGet, "/sessions/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d", rec.Code)
	}

	rec = get(t, h, http.MethodGet, "/sessions/"+session.ID+"/events")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"file_name":"1.wav"`) {
		t.Errorf("events = %d %s", rec.Code, rec.Body.String())
	}

	mgr.EndSession(ctx, 5)
	rec = get(t, h, http.MethodPost, "/sessions/"+session.ID+"/retry")
	if rec.Code != http.StatusOK {
		t.Errorf("retry = %d %s", rec.Code, rec.Body.String())
	}

	if got := testutil.ToFloat64(m.HTTPErrors.WithLabelValues("GET", "/sessions/{id}", "client_error")); got != 1 {
		t.Errorf("http client errors = %v", got)
	}
}

func TestHTTPEventsErrors(t *testing.T) {
	mgr := newManager(t, storage.NewMemoryStore())

	h, _, _ := newHTTP(t, mgr, HTTPServerOptions{})
	if rec := get(t, h, http.MethodGet, "/sessions/x/events"); rec.Code != http.StatusNotFound {
		t.Errorf("events without journal = %d", rec.Code)
	}

	h, _, _ = newHTTP(t, mgr, HTTPServerOptions{Journal: fakeJournal{err: errors.New("disk")}})
	if rec := get(t, h, http.MethodGet, "/sessions/x/events"); rec.Code != http.StatusInternalServerError {
		t.Errorf("events with failing journal = %d", rec.Code)
	}
	if rec := get(t, h, http.MethodGet, "/sessions/x/events?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rec.Code)
	}
}

func TestHTTPHealthConfigAndMetrics(t *testing.T) {
	mgr := newManager(t, storage.NewMemoryStore())

	broken := false
	h, _, m := newHTTP(t, mgr, HTTPServerOptions{
		Health: map[string]HealthCheck{
			"bridge": func(context.Context) error {
				if broken {
					return errors.New("disconnected")
				}
				return nil
			},
		},
	})

	if rec := get(t, h, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Errorf("healthy = %d", rec.Code)
	}
	broken = true
	rec := get(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "disconnected") {
		t.Errorf("degraded = %d %s", rec.Code, rec.Body.String())
	}

	rec = get(t, h, http.MethodGet, "/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /config = %d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "super-secret") || strings.Contains(body, "token-secret") {
		t.Error("config leaks secrets")
	}

	if rec := get(t, h, http.MethodGet, "/stats"); rec.Code != http.StatusOK {
		t.Errorf("GET /stats = %d", rec.Code)
	}
	if rec := get(t, h, http.MethodGet, "/"); rec.Code != http.StatusOK {
		t.Errorf("GET / = %d", rec.Code)
	}
	if rec := get(t, h, http.MethodGet, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d", rec.Code)
	}

	rec = get(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "clipupload_http_requests_total") {
		t.Errorf("GET /metrics = %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "503")); got != 1 {
		t.Errorf("degraded health requests = %v", got)
	}
}
