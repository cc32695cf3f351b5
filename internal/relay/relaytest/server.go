// Package relaytest provides an in-process relay server used by the engine
// test suites: a gorilla/mux REST surface plus a WebSocket live channel,
// with per-conversation position assignment and clientMessageId
// deduplication matching the relay wire contract.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/relay"
	"github.com/dmitrijs2005/chatsync/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server is an in-process relay. All state lives in memory.
type Server struct {
	httpServer *httptest.Server
	secret     []byte

	mu            sync.Mutex
	lastPosition  map[string]int64
	messages      map[string][]relay.Incoming
	receipts      map[string]relay.DeliveryReceipt
	publicKeys    map[string][]byte
	proposals     map[string][]*session.Proposal
	conns         map[*clientConn]struct{}
	rejectKeys    bool
	failNextSends int
	failStatus    int
}

type clientConn struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *clientConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewServer starts an in-process relay signing tokens with secret.
func NewServer(secret []byte) *Server {
	s := &Server{
		secret:       secret,
		lastPosition: make(map[string]int64),
		messages:     make(map[string][]relay.Incoming),
		receipts:     make(map[string]relay.DeliveryReceipt),
		publicKeys:   make(map[string][]byte),
		proposals:    make(map[string][]*session.Proposal),
		conns:        make(map[*clientConn]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.requireAuth(s.handleSend)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.requireAuth(s.handlePull)).Methods(http.MethodGet)
	r.HandleFunc("/keys/public", s.requireAuth(s.handleRegisterKey)).Methods(http.MethodPost)
	r.HandleFunc("/keys/public/{userId}", s.requireAuth(s.handleFetchKey)).Methods(http.MethodGet)
	r.HandleFunc("/keys/session", s.requireAuth(s.handlePropose)).Methods(http.MethodPost)
	r.HandleFunc("/keys/session/{conversationId}", s.requireAuth(s.handleProposals)).Methods(http.MethodGet)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)

	s.httpServer = httptest.NewServer(r)
	return s
}

// URL returns the relay's base URL.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts the relay down.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.httpServer.Close()
}

// DropConnections closes every live channel without shutting the relay
// down, simulating a network drop.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.conn.Close()
		delete(s.conns, c)
	}
}

// RejectProposals makes all subsequent session-key proposals fail with 409.
func (s *Server) RejectProposals(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectKeys = reject
}

// FailNextSends makes the next n REST sends fail with the given HTTP
// status. Used to exercise retriable (5xx) and fatal (4xx) classification.
func (s *Server) FailNextSends(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextSends = n
	s.failStatus = status
}

// Inject delivers an envelope with an explicit position to every connected
// client and records it for pulls, without going through dedup. Tests use
// it to create gaps and out-of-order arrivals.
func (s *Server) Inject(inc relay.Incoming) {
	s.mu.Lock()
	s.messages[inc.ConversationID] = append(s.messages[inc.ConversationID], inc)
	if inc.ServerPosition > s.lastPosition[inc.ConversationID] {
		s.lastPosition[inc.ConversationID] = inc.ServerPosition
	}
	conns := s.snapshotConnsLocked()
	s.mu.Unlock()

	s.fanOut(conns, inc)
}

// MessageCount returns how many distinct envelopes the relay holds for a
// conversation.
func (s *Server) MessageCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID])
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}
	token, err := relay.MintToken(s.secret, req.UserID, time.Hour)
	if err != nil {
		http.Error(w, "failed to mint token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get(common.AccessTokenHeaderName), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get(common.AccessTokenQueryParam)
	}
	if token == "" {
		return "", false
	}
	userID, err := relay.ParseToken(s.secret, token)
	if err != nil {
		return "", false
	}
	return userID, true
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.authenticate(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// accept runs the shared delivery path: dedup on clientMessageId, position
// assignment (control frames get none), persistence and fan-out.
func (s *Server) accept(env relay.Envelope) relay.DeliveryReceipt {
	s.mu.Lock()
	if receipt, ok := s.receipts[env.ClientMessageID]; ok {
		s.mu.Unlock()
		return receipt
	}

	var position int64
	if env.Kind == relay.KindMessage {
		s.lastPosition[env.ConversationID]++
		position = s.lastPosition[env.ConversationID]
	}

	inc := relay.Incoming{Envelope: env, ServerPosition: position}
	receipt := relay.DeliveryReceipt{ClientMessageID: env.ClientMessageID, ServerPosition: position}
	s.receipts[env.ClientMessageID] = receipt
	if env.Kind == relay.KindMessage {
		s.messages[env.ConversationID] = append(s.messages[env.ConversationID], inc)
	}
	conns := s.snapshotConnsLocked()
	s.mu.Unlock()

	s.fanOut(conns, inc)
	return receipt
}

func (s *Server) snapshotConnsLocked() []*clientConn {
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// fanOut pushes the envelope to every connected client, the sender
// included, so clients exercise self-echo deduplication.
func (s *Server) fanOut(conns []*clientConn, inc relay.Incoming) {
	frame := relay.Frame{Type: "envelope", Envelope: &inc}
	for _, c := range conns {
		_ = c.writeJSON(frame)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failNextSends > 0 {
		s.failNextSends--
		status := s.failStatus
		s.mu.Unlock()
		http.Error(w, "induced failure", status)
		return
	}
	s.mu.Unlock()

	var env relay.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if env.ClientMessageID == "" || env.ConversationID == "" {
		http.Error(w, "missing ids", http.StatusBadRequest)
		return
	}
	env.ConversationID = mux.Vars(r)["id"]
	writeJSON(w, s.accept(env))
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	conversationID := mux.Vars(r)["id"]

	s.mu.Lock()
	var result []relay.Incoming
	for _, inc := range s.messages[conversationID] {
		if inc.ServerPosition > after {
			result = append(result, inc)
		}
	}
	s.mu.Unlock()

	if result == nil {
		result = []relay.Incoming{}
	}
	writeJSON(w, result)
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		PublicKey []byte `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "bad key registration", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.publicKeys[req.UserID] = req.PublicKey
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFetchKey(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	s.mu.Lock()
	key, ok := s.publicKeys[userID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no key for user", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"publicKey": key})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var p session.Proposal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.KeyID == "" {
		http.Error(w, "bad proposal", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if s.rejectKeys {
		s.mu.Unlock()
		http.Error(w, "proposal rejected", http.StatusConflict)
		return
	}
	s.proposals[p.ConversationID] = append(s.proposals[p.ConversationID], &p)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	s.mu.Lock()
	result := s.proposals[conversationID]
	s.mu.Unlock()
	if result == nil {
		result = []*session.Proposal{}
	}
	writeJSON(w, result)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &clientConn{userID: userID, conn: conn}
	s.mu.Lock()
	s.conns[client] = struct{}{}
	s.mu.Unlock()

	go s.readClient(client)
}

func (s *Server) readClient(client *clientConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, client)
		s.mu.Unlock()
		_ = client.conn.Close()
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Envelope == nil {
			continue
		}
		receipt := s.accept(frame.Envelope.Envelope)
		_ = client.writeJSON(relay.Frame{Type: "receipt", Receipt: &receipt})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
