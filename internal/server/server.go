// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/versevoice/platform/internal/apperr"
	"github.com/versevoice/platform/internal/importer"
	"github.com/versevoice/platform/internal/live"
	"github.com/versevoice/platform/internal/scripture"
	"github.com/versevoice/platform/internal/store"
	"github.com/versevoice/platform/internal/trace"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

type StatusMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type LevelMessage struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type ErrorMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

type chapterResponse struct {
	Book     string            `json:"book"`
	BookName string            `json:"bookName"`
	Chapter  int               `json:"chapter"`
	Verses   []scripture.Verse `json:"verses"`
}

type searchResponse struct {
	Results []scripture.SearchResult `json:"results"`
}

// voiceSession is the session surface the server drives, satisfied by
// live.Session.
type voiceSession interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// client is one connected WebSocket with serialized writes.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = wsjson.Write(ctx, c.conn, msg)
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	resolver *scripture.Resolver
	store    store.Store

	mu         sync.RWMutex
	session    voiceSession
	conns      map[*client]struct{}
	rateLimits map[*client]*rateLimiter
}

// New creates a new server. The voice session is attached separately because
// its status and level callbacks broadcast through the server.
func New(resolver *scripture.Resolver, st store.Store) *Server {
	return &Server{
		resolver:   resolver,
		store:      st,
		conns:      make(map[*client]struct{}),
		rateLimits: make(map[*client]*rateLimiter),
	}
}

// SetSession attaches the voice session driven by WebSocket commands.
func (s *Server) SetSession(sess voiceSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

// BroadcastStatus pushes a session state change to every connected client.
func (s *Server) BroadcastStatus(state live.State) {
	s.broadcast(StatusMessage{Type: "status", State: state.String()})
}

// BroadcastLevel pushes the current mic level to every connected client.
func (s *Server) BroadcastLevel(level float64) {
	s.broadcast(LevelMessage{Type: "level", Level: level})
}

func (s *Server) broadcast(msg any) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		go c.send(msg)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/books", s.handleBooks)
	mux.HandleFunc("GET /api/chapter", s.handleChapter)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/import", s.handleImport)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	c := &client{conn: conn}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.rateLimits[c] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		delete(s.rateLimits, c)
		s.mu.Unlock()
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		s.mu.RLock()
		rl := s.rateLimits[c]
		s.mu.RUnlock()

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			c.send(ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "connect":
			s.handleConnect(baseCtx, c)
		case "disconnect":
			s.handleDisconnect()
		}
	}
}

func (s *Server) handleConnect(ctx context.Context, c *client) {
	ctx, span := trace.StartSpan(ctx, "session_connect")
	defer span.End()

	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess == nil {
		c.send(ErrorMessage{Type: "error", Message: "voice session unavailable"})
		return
	}

	// The session outlives this WebSocket read; dial on a fresh context.
	if err := sess.Connect(context.Background()); err != nil {
		span.SetAttr("error", err.Error())
		trace.Logger(ctx).Error("session connect failed", "error", err)
		c.send(ErrorMessage{
			Type:        "error",
			Message:     err.Error(),
			Remediation: apperr.Remediation(err),
		})
	}
}

func (s *Server) handleDisconnect() {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess != nil {
		sess.Disconnect()
	}
}

func (s *Server) handleBooks(w http.ResponseWriter, _ *http.Request) {
	type bookEntry struct {
		Key      string `json:"key"`
		Name     string `json:"name"`
		CUVName  string `json:"cuvName"`
		Chapters int    `json:"chapters"`
	}
	books := make([]bookEntry, len(scripture.Books))
	for i, b := range scripture.Books {
		books[i] = bookEntry{Key: b.Key, Name: b.Name, CUVName: b.CUVName, Chapters: b.Chapters}
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

func (s *Server) handleChapter(w http.ResponseWriter, r *http.Request) {
	ctx, span := trace.StartSpan(r.Context(), "get_chapter")
	defer span.End()

	book, ok := scripture.BookByKey(r.URL.Query().Get("book"))
	if !ok {
		writeError(w, apperr.New(apperr.CodeEmptyResult, "unknown book"))
		return
	}
	chapter, err := strconv.Atoi(r.URL.Query().Get("chapter"))
	if err != nil || chapter <= 0 || chapter > book.Chapters {
		writeError(w, apperr.New(apperr.CodeEmptyResult, "chapter out of range"))
		return
	}
	span.SetAttr("book", book.Key)

	verses, err := s.resolver.GetChapter(ctx, book, chapter)
	if err != nil {
		trace.Logger(ctx).Error("chapter resolution failed", "book", book.Key, "chapter", chapter, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chapterResponse{
		Book:     book.Key,
		BookName: book.CUVName,
		Chapter:  chapter,
		Verses:   verses,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, span := trace.StartSpan(r.Context(), "search")
	defer span.End()

	results, err := s.resolver.Search(ctx, r.URL.Query().Get("q"))
	if err != nil && !apperr.IsCode(err, apperr.CodeEmptyResult) {
		trace.Logger(ctx).Error("search failed", "error", err)
		writeError(w, err)
		return
	}
	if results == nil {
		results = []scripture.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx, span := trace.StartSpan(r.Context(), "import")
	defer span.End()

	data, err := io.ReadAll(io.LimitReader(r.Body, MaxImportBytes))
	if err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeDecode, "read import body"))
		return
	}

	report, err := importer.Import(ctx, s.store, data)
	if err != nil {
		trace.Logger(ctx).Warn("import failed", "error", err)
		writeError(w, err)
		return
	}
	trace.Logger(ctx).Info("import complete", "chapters", report.ChaptersWritten)
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the taxonomy onto HTTP statuses and always carries the
// remediation hint for terminal classes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch apperr.CodeOf(err) {
	case apperr.CodeCredentialMissing, apperr.CodeCredentialInvalid:
		status = http.StatusUnauthorized
	case apperr.CodeCredentialBlocked:
		status = http.StatusForbidden
	case apperr.CodeQuotaExhausted:
		status = http.StatusTooManyRequests
	case apperr.CodeEmptyResult:
		status = http.StatusNotFound
	case apperr.CodeParse, apperr.CodeDecode:
		status = http.StatusUnprocessableEntity
	}

	var appErr *apperr.AppError
	msg := err.Error()
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	writeJSON(w, status, ErrorMessage{
		Type:        "error",
		Message:     msg,
		Remediation: apperr.Remediation(err),
	})
}
