// Package chattest is an in-process chat server speaking the same REST and
// websocket contract as the real one. It stores messages in memory and can be
// told to fail, drop ids or change how it broadcasts.
package chattest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/livechannel"
	"github.com/go-go-golems/chatsync/pkg/transcript"
)

// BroadcastMode is what the server pushes after a successful POST /messages.
type BroadcastMode int

const (
	// BroadcastNone leaves fan-out to client announcements.
	BroadcastNone BroadcastMode = iota
	// BroadcastPayload pushes the stored message.
	BroadcastPayload
	// BroadcastMarker pushes {"type":"refresh"}.
	BroadcastMarker
)

var refreshMarker = []byte(`{"type":"refresh"}`)

type Server struct {
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	pool     *ConnectionPool
	ts       *httptest.Server

	broadcast   BroadcastMode
	relay       bool
	relaySender bool

	mu          sync.Mutex
	messages    []transcript.Incoming
	lastID      int
	names       map[string]struct{}
	byKey       map[string]transcript.Incoming
	omitIDs     bool
	failPosts   int
	failHistory int
	posts       int
	fetches     int
	announced   []livechannel.Outbound
}

type Option func(*Server)

func WithBroadcast(mode BroadcastMode) Option {
	return func(s *Server) {
		s.broadcast = mode
	}
}

// WithRelay controls whether frames sent by clients are relayed to the other
// connections, and whether the sender gets its own frame back.
func WithRelay(enabled, includeSender bool) Option {
	return func(s *Server) {
		s.relay = enabled
		s.relaySender = includeSender
	}
}

// WithoutIDs makes every response and history entry id-less.
func WithoutIDs() Option {
	return func(s *Server) {
		s.omitIDs = true
	}
}

func WithHistory(msgs ...transcript.Incoming) Option {
	return func(s *Server) {
		for _, m := range msgs {
			s.store(m.Author, m.Text)
		}
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		pool:        NewConnectionPool(),
		relay:       true,
		relaySender: true,
		names:       map[string]struct{}{},
		byKey:       map[string]transcript.Incoming{},
	}
	s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/messages", s.handleMessages)
	s.mux.HandleFunc("/name", s.handleName)
	s.mux.HandleFunc("/ws", s.handleWS)
	return s
}

// NewServer starts s on a loopback listener.
func NewServer(opts ...Option) *Server {
	s := New(opts...)
	s.ts = httptest.NewServer(s)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) URL() string {
	if s.ts == nil {
		return ""
	}
	return s.ts.URL
}

func (s *Server) LiveURL() string {
	return "ws" + strings.TrimPrefix(s.URL(), "http") + "/ws"
}

func (s *Server) Close() {
	s.pool.CloseAll()
	if s.ts != nil {
		s.ts.Close()
	}
}

// FailPosts makes the next n POST /messages calls fail with 500.
func (s *Server) FailPosts(n int) {
	s.mu.Lock()
	s.failPosts = n
	s.mu.Unlock()
}

// FailHistory makes the next n GET /messages calls fail with 503.
func (s *Server) FailHistory(n int) {
	s.mu.Lock()
	s.failHistory = n
	s.mu.Unlock()
}

// Inject stores a message as if another client had posted it and broadcasts
// it according to the broadcast mode.
func (s *Server) Inject(author, text string) transcript.Incoming {
	s.mu.Lock()
	m := s.store(author, text)
	s.mu.Unlock()
	s.afterPost(m)
	return m
}

// Push writes a raw frame to every live connection.
func (s *Server) Push(frame []byte) {
	s.pool.Broadcast(frame, nil)
}

// DropConnections closes every websocket, as a network blip would.
func (s *Server) DropConnections() {
	s.pool.CloseAll()
}

func (s *Server) Connections() int { return s.pool.Count() }

func (s *Server) Messages() []transcript.Incoming {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.Incoming, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Server) Posts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *Server) Announcements() []livechannel.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]livechannel.Outbound, len(s.announced))
	copy(out, s.announced)
	return out
}

func (s *Server) HasName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[name]
	return ok
}

// store must be called with s.mu held.
func (s *Server) store(author, text string) transcript.Incoming {
	s.lastID++
	m := transcript.Incoming{Author: author, Text: text}
	if !s.omitIDs {
		m.ServerID = strconv.Itoa(s.lastID)
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleHistory(w)
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter) {
	s.mu.Lock()
	s.fetches++
	if s.failHistory > 0 {
		s.failHistory--
		s.mu.Unlock()
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	msgs := make([]transcript.Incoming, len(s.messages))
	copy(msgs, s.messages)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var in transcript.Incoming
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(in.Author) == "" || strings.TrimSpace(in.Text) == "" {
		http.Error(w, "author and text are required", http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	s.mu.Lock()
	s.posts++
	if s.failPosts > 0 {
		s.failPosts--
		s.mu.Unlock()
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	if prev, ok := s.byKey[key]; ok && key != "" {
		s.mu.Unlock()
		log.Debug().Str("component", "chattest").Str("idempotency_key", key).Msg("replayed post")
		writeJSON(w, http.StatusOK, prev)
		return
	}
	m := s.store(in.Author, in.Text)
	if key != "" {
		s.byKey[key] = m
	}
	s.mu.Unlock()

	s.afterPost(m)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) afterPost(m transcript.Incoming) {
	switch s.broadcast {
	case BroadcastPayload:
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		s.pool.Broadcast(b, nil)
	case BroadcastMarker:
		s.pool.Broadcast(refreshMarker, nil)
	case BroadcastNone:
	}
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req nameRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	_, taken := s.names[req.Name]
	if !taken {
		s.names[req.Name] = struct{}{}
	}
	s.mu.Unlock()
	if taken {
		http.Error(w, "name taken", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "chattest").Msg("websocket upgrade failed")
		return
	}
	s.pool.Add(conn)
	defer s.pool.Remove(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var out livechannel.Outbound
		if err := json.Unmarshal(data, &out); err == nil {
			s.mu.Lock()
			s.announced = append(s.announced, out)
			s.mu.Unlock()
		}
		if !s.relay {
			continue
		}
		var skip *websocket.Conn
		if !s.relaySender {
			skip = conn
		}
		s.pool.Broadcast(data, skip)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
