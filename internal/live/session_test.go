package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/versevoice/platform/internal/apperr"
	"github.com/versevoice/platform/internal/audio"
	"github.com/versevoice/platform/internal/audio/codec"
)

// wsTestURL converts an httptest server HTTP URL to a WebSocket URL.
func wsTestURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a mock live endpoint. The handler receives the
// accepted connection.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serverReadJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
}

func serverWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("server write: %v (may be expected on close)", err)
	}
}

func ackSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup setupMessage
	serverReadJSON(t, conn, &setup)
	serverWriteJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

type fakeCapture struct {
	mu      sync.Mutex
	started bool
	stopped bool
	out     chan audio.Packet
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{out: make(chan audio.Packet, 8)}
}

func (f *fakeCapture) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeCapture) Output() <-chan audio.Packet { return f.out }

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeCapture) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeSink struct {
	mu         sync.Mutex
	enqueued   []*codec.Buffer
	interrupts int
	shutdowns  int
}

func (f *fakeSink) Enqueue(buf *codec.Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, buf)
	return nil
}

func (f *fakeSink) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeSink) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

// statusRecorder collects state transitions.
type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *statusRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// levelRecorder remembers the last reported level.
type levelRecorder struct {
	mu   sync.Mutex
	last float64
	seen bool
}

func (r *levelRecorder) record(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last, r.seen = v, true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(srv *httptest.Server, capture *fakeCapture, out *fakeSink, status *statusRecorder, levels *levelRecorder) *Session {
	cfg := Config{
		APIKey:           "test-key",
		Model:            "test-model",
		VoiceName:        "Puck",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		CaptureBuffer:    8,
	}
	if srv != nil {
		cfg.BaseURL = wsTestURL(srv)
	}
	var onStatus StatusFunc
	if status != nil {
		onStatus = status.record
	}
	var onLevel audio.LevelFunc
	if levels != nil {
		onLevel = levels.record
	}
	s := NewSession(cfg, onStatus, onLevel)
	s.newCapture = func() capturer { return capture }
	s.newSink = func() (sink, error) { return out, nil }
	return s
}

func TestConnectWithoutCredentialFailsFast(t *testing.T) {
	status := &statusRecorder{}
	s := newTestSession(nil, newFakeCapture(), &fakeSink{}, status, nil)
	s.cfg.APIKey = ""

	err := s.Connect(context.Background())
	if !apperr.IsCode(err, apperr.CodeCredentialMissing) {
		t.Fatalf("error code = %v, want CREDENTIAL_MISSING", apperr.CodeOf(err))
	}

	states := status.snapshot()
	if len(states) != 2 || states[0] != StateError || states[1] != StateDisconnected {
		t.Errorf("states = %v, want [error disconnected]", states)
	}
}

func TestConnectSendsSetupAndReachesConnected(t *testing.T) {
	setupCh := make(chan setupMessage, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMessage
		serverReadJSON(t, conn, &setup)
		setupCh <- setup
		serverWriteJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	capture := newFakeCapture()
	status := &statusRecorder{}
	s := newTestSession(srv, capture, &fakeSink{}, status, nil)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	setup := <-setupCh
	if setup.Setup.Model != "models/test-model" {
		t.Errorf("setup model = %q", setup.Setup.Model)
	}
	if sc := setup.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Errorf("voice config = %+v", sc)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}

	capture.mu.Lock()
	started := capture.started
	capture.mu.Unlock()
	if !started {
		t.Error("capture not started")
	}

	states := status.snapshot()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("states = %v, want [connecting connected]", states)
	}
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	s := newTestSession(srv, newFakeCapture(), &fakeSink{}, nil, nil)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}
}

func TestCaptureFramesForwardedToWire(t *testing.T) {
	frameCh := make(chan realtimeInputMessage, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		var msg realtimeInputMessage
		serverReadJSON(t, conn, &msg)
		frameCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	capture := newFakeCapture()
	s := newTestSession(srv, capture, &fakeSink{}, nil, nil)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	capture.out <- audio.Packet{Payload: "AAAA", MIMEType: "audio/pcm;rate=16000"}

	select {
	case msg := <-frameCh:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 || chunks[0].Data != "AAAA" || chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunks = %+v", chunks)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the wire")
	}
}

func TestInboundAudioEnqueuedInOrder(t *testing.T) {
	first := codec.EncodeBase64(codec.FloatToPCM16([]float32{0.1, 0.2}))
	second := codec.EncodeBase64(codec.FloatToPCM16([]float32{0.3, 0.4, 0.5}))

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		for _, data := range []string{first, second} {
			serverWriteJSON(t, conn, map[string]any{
				"serverContent": map[string]any{
					"modelTurn": map[string]any{
						"parts": []map[string]any{
							{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": data}},
						},
					},
				},
			})
		}
		serverWriteJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	out := &fakeSink{}
	s := newTestSession(srv, newFakeCapture(), out, nil, nil)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "two enqueued buffers", func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return len(out.enqueued) == 2
	})

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.enqueued[0].Frames() != 2 || out.enqueued[1].Frames() != 3 {
		t.Errorf("frame counts = %d, %d, want 2, 3", out.enqueued[0].Frames(), out.enqueued[1].Frames())
	}
	if out.enqueued[0].SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", out.enqueued[0].SampleRate)
	}
}

func TestInterruptedSignalStopsPlayback(t *testing.T) {
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		serverWriteJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	out := &fakeSink{}
	s := newTestSession(srv, newFakeCapture(), out, nil, nil)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "interrupt", func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return out.interrupts == 1
	})
}

func TestDisconnectTearsDownIdempotently(t *testing.T) {
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	capture := newFakeCapture()
	out := &fakeSink{}
	levels := &levelRecorder{}
	s := newTestSession(srv, capture, out, nil, levels)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.Disconnect()
	s.Disconnect() // safe to repeat

	if !capture.isStopped() {
		t.Error("capture not stopped")
	}
	out.mu.Lock()
	shutdowns := out.shutdowns
	out.mu.Unlock()
	if shutdowns == 0 {
		t.Error("sink not shut down")
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}

	levels.mu.Lock()
	defer levels.mu.Unlock()
	if !levels.seen || levels.last != 0 {
		t.Errorf("level not forced to 0 on disconnect (last=%v seen=%v)", levels.last, levels.seen)
	}
}

func TestCleanPeerCloseDisconnectsWithoutError(t *testing.T) {
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Returning closes the connection with a normal-closure status.
		ackSetup(t, conn)
	})

	capture := newFakeCapture()
	status := &statusRecorder{}
	s := newTestSession(srv, capture, &fakeSink{}, status, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "teardown after peer close", func() bool {
		return s.State() == StateDisconnected && capture.isStopped()
	})

	states := status.snapshot()
	for _, st := range states {
		if st == StateError {
			t.Fatalf("states = %v, clean close must not pass through error", states)
		}
	}
	if states[len(states)-1] != StateDisconnected {
		t.Errorf("states = %v, want final disconnected", states)
	}
}

func TestServerErrorRunsTeardown(t *testing.T) {
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		serverWriteJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	capture := newFakeCapture()
	out := &fakeSink{}
	status := &statusRecorder{}
	s := newTestSession(srv, capture, out, status, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "teardown after server error", func() bool {
		return s.State() == StateDisconnected && capture.isStopped()
	})

	states := status.snapshot()
	sawError := false
	for _, st := range states {
		if st == StateError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("states = %v, error state never observed", states)
	}
}

func TestSetupRejectionClassified(t *testing.T) {
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMessage
		serverReadJSON(t, conn, &setup)
		serverWriteJSON(t, conn, map[string]any{"error": map[string]any{"code": 401, "message": "invalid key"}})
	})

	s := newTestSession(srv, newFakeCapture(), &fakeSink{}, nil, nil)

	err := s.Connect(context.Background())
	if !apperr.IsCode(err, apperr.CodeCredentialInvalid) {
		t.Errorf("error code = %v, want CREDENTIAL_INVALID", apperr.CodeOf(err))
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
}
