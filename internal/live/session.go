// Package live owns the bidirectional voice session: microphone capture in,
// streamed model audio out, with a strict connection state machine and one
// idempotent teardown path for every way a session can end.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/versevoice/platform/internal/apperr"
	"github.com/versevoice/platform/internal/audio"
	"github.com/versevoice/platform/internal/audio/codec"
	"github.com/versevoice/platform/internal/audio/playback"
)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	setupTimeout = 10 * time.Second
)

// State is the session connection state. Exactly one at a time.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	return [...]string{"disconnected", "connecting", "connected", "error"}[s]
}

// StatusFunc observes every state transition.
type StatusFunc func(State)

// Config carries everything needed to open a session.
type Config struct {
	APIKey    string
	Model     string
	VoiceName string
	BaseURL   string // override for tests; default is the Gemini Live endpoint

	InputSampleRate  int
	OutputSampleRate int
	CaptureBuffer    int
}

// capturer is the microphone side, satisfied by audio.Capture.
type capturer interface {
	Start(ctx context.Context) error
	Output() <-chan audio.Packet
	Stop()
}

// sink is the playback side, satisfied by playback.Scheduler.
type sink interface {
	Enqueue(*codec.Buffer) error
	Interrupt()
	Shutdown()
}

// Session is the voice session state machine. One instance owns the
// microphone and speaker; a second Connect while not disconnected is
// rejected rather than creating a second owner.
type Session struct {
	cfg      Config
	onStatus StatusFunc
	onLevel  audio.LevelFunc

	// Factories, swappable in tests.
	newCapture func() capturer
	newSink    func() (sink, error)

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	capture capturer
	out     sink
	cancel  context.CancelFunc
}

// NewSession builds a session using the real audio devices. Callbacks may be
// nil.
func NewSession(cfg Config, onStatus StatusFunc, onLevel audio.LevelFunc) *Session {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	s := &Session{cfg: cfg, onStatus: onStatus, onLevel: onLevel}
	s.newCapture = func() capturer {
		return audio.NewCapture(cfg.InputSampleRate, cfg.CaptureBuffer, s.level)
	}
	s.newSink = func() (sink, error) {
		player, err := playback.NewDevicePlayer(cfg.OutputSampleRate)
		if err != nil {
			return nil, err
		}
		return playback.NewScheduler(player), nil
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the session. A no-op when already connecting or connected.
// Fails fast before any I/O when no credential is configured.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	if s.cfg.APIKey == "" {
		s.mu.Unlock()
		err := apperr.New(apperr.CodeCredentialMissing, "no API key configured")
		s.fail(err)
		return err
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	out, err := s.newSink()
	if err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "audio output unavailable")
		err = apperr.Wrap(err, apperr.CodeUnknown, "open audio output")
		s.fail(err)
		return err
	}

	capture := s.newCapture()
	if err := capture.Start(sessCtx); err != nil {
		cancel()
		out.Shutdown()
		_ = conn.Close(websocket.StatusInternalError, "microphone unavailable")
		err = apperr.Wrap(err, apperr.CodeUnknown, "open microphone")
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// A disconnect raced the connect; release everything just acquired.
		s.mu.Unlock()
		cancel()
		capture.Stop()
		out.Shutdown()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	s.conn = conn
	s.capture = capture
	s.out = out
	s.cancel = cancel
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	go s.sendLoop(sessCtx, conn, capture.Output())
	go s.receiveLoop(sessCtx, conn, out)
	go s.keepaliveLoop(sessCtx, conn)

	slog.Info("voice session connected", "model", s.cfg.Model, "voice", s.cfg.VoiceName)
	return nil
}

// dial opens the WebSocket, sends setup and waits for setupComplete.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		s.cfg.BaseURL, s.cfg.APIKey,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeNetworkError, "dial live endpoint")
	}

	setup := setupMessage{
		Setup: setupConfig{
			Model: "models/" + s.cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: s.cfg.VoiceName},
					},
				},
			},
		},
	}
	if err := writeJSON(ctx, conn, setup); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, apperr.Wrap(err, apperr.CodeNetworkError, "send setup")
	}

	// The first server frame must acknowledge setup.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "setup failed")
			return nil, apperr.Wrap(err, apperr.CodeNetworkTimeout, "await setup ack")
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			_ = conn.Close(websocket.StatusInternalError, "setup rejected")
			return nil, classifyServerError(msg.Error)
		}
		if msg.SetupComplete != nil {
			return conn, nil
		}
	}
}

// sendLoop forwards encoded capture packets to the wire. Send failures are
// logged and dropped; the capture tick must never stall on the network.
func (s *Session) sendLoop(ctx context.Context, conn *websocket.Conn, packets <-chan audio.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{MIMEType: pkt.MIMEType, Data: pkt.Payload}},
				},
			}
			if err := writeJSON(ctx, conn, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Debug("dropped outbound audio frame", "error", err)
			}
		}
	}
}

// receiveLoop dispatches inbound frames until the wire or the session dies.
// Every exit runs the shared teardown.
func (s *Session) receiveLoop(ctx context.Context, conn *websocket.Conn, out sink) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				// A clean remote close is a disconnect, not a failure.
				slog.Info("voice session closed by peer")
				s.Disconnect()
			default:
				s.fail(apperr.Wrap(err, apperr.CodeNetworkError, "session closed by peer"))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			s.fail(classifyServerError(msg.Error))
			return
		}
		if msg.ServerContent != nil {
			s.handleServerContent(msg.ServerContent, out)
		}
	}
}

// handleServerContent enqueues audio parts in arrival order and honors
// interruption before any further enqueue.
func (s *Session) handleServerContent(sc *serverContent, out sink) {
	if sc.Interrupted {
		out.Interrupt()
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			pcm, err := codec.DecodeBase64(p.InlineData.Data)
			if err != nil {
				slog.Debug("dropped undecodable audio chunk", "error", err)
				continue
			}
			buf, err := codec.PCM16ToFloat(pcm, s.cfg.OutputSampleRate, 1)
			if err != nil {
				slog.Debug("dropped malformed audio chunk", "error", err)
				continue
			}
			if err := out.Enqueue(buf); err != nil {
				return // sink already shut down
			}
		}
	}
	// TurnComplete carries no playback action.
}

func (s *Session) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

// Disconnect ends the session from any state. Safe to call repeatedly.
func (s *Session) Disconnect() {
	s.teardown(websocket.StatusNormalClosure, "client disconnect")
	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
}

// fail reports a session failure and runs the same teardown as Disconnect.
// The error state is observable before the final transition back to
// disconnected.
func (s *Session) fail(err error) {
	slog.Error("voice session failed", "error", err)
	s.mu.Lock()
	s.setStateLocked(StateError)
	s.mu.Unlock()

	s.teardown(websocket.StatusInternalError, "session error")

	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
}

// teardown releases everything a connect acquired. Idempotent: after the
// first run there is nothing left to release.
func (s *Session) teardown(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conn, capture, out, cancel := s.conn, s.capture, s.out, s.cancel
	s.conn, s.capture, s.out, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capture != nil {
		capture.Stop()
	}
	if out != nil {
		out.Shutdown()
	}
	if conn != nil {
		_ = conn.Close(code, reason) // best-effort
	}
	s.level(0)
}

// setStateLocked transitions and notifies. Callers hold s.mu.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.onStatus != nil {
		s.onStatus(next)
	}
}

func (s *Session) level(v float64) {
	if s.onLevel != nil {
		s.onLevel(v)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// classifyServerError maps protocol-level errors onto the taxonomy.
func classifyServerError(se *serverError) error {
	msg := se.Message
	if msg == "" {
		msg = "unknown server error"
	}
	var code apperr.Code
	switch se.Code {
	case http.StatusTooManyRequests:
		code = apperr.CodeQuotaExhausted
	case http.StatusUnauthorized:
		code = apperr.CodeCredentialInvalid
	case http.StatusForbidden:
		code = apperr.CodeCredentialBlocked
	default:
		code = apperr.CodeNetworkError
	}
	return apperr.Newf(code, "live session: %s", msg)
}
