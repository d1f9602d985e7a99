// Planning poker sessions.
//
// Each session is an independently voted estimation round with its own
// roster, identified by a human-readable random id that doubles as the
// shareable URL. Participants are identified by a per-session cookie and
// receive live updates over server-sent events. The events are named
// triggers without meaningful payloads; clients react by re-fetching the
// affected fragment over plain HTTP, so every view is always rendered
// from a consistent snapshot.
//
// Features:
// - Sessions created via /newSession, ids collision-checked against live sessions
// - Clients join by submitting a name; re-joining with the same cookie renames
// - Votes stay hidden until revealed; only a voted/not-voted flag is shown
// - Reveal and reset are open to every participant, there is no moderator role
// - A client's roster entry is dropped once its last SSE connection is gone,
//   after a configurable grace period so page reloads don't lose votes
// - Idle sessions are reaped after a configurable timeout
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// SSE event names, consumed as htmx sse triggers
const (
	eventSessions = "sessions"
	eventVotes    = "votes"
	eventReset    = "reset"
)

const (
	sessionCookieName = "session"
	clientCookieName  = "client"

	defaultSessionName = "Neue Session"

	// attempts at generating an unused session id before giving up
	createAttempts = 10
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrClientNotFound   = errors.New("client not found in session")
	ErrIDSpaceExhausted = errors.New("could not generate an unused session id")
)

// cardValues are the selectable estimation cards. The empty string is
// not a card; it retracts the current vote.
var cardValues = []string{"1", "2", "3", "5", "8", "13", "21", "?", "☕"}

func validCard(value string) bool {
	for _, c := range cardValues {
		if c == value {
			return true
		}
	}
	return false
}

// Client is a participant's identity within one session.
type Client struct {
	ID       string
	Name     string
	Vote     string // "" until a card is selected
	JoinedAt time.Time
}

type sseEvent struct {
	Name string
	Data string
}

// Connection is one open SSE channel belonging to a client. A client may
// hold several at once, one per browser tab.
type Connection struct {
	ID       string
	ClientID string
	events   chan sseEvent
}

// Session holds the state of one estimation round: the roster in join
// order, the reveal flag, and the set of open SSE connections. All
// mutation happens under mu, and the matching broadcast is sent before
// the lock is released, so no observer ever pulls a partial state.
type Session struct {
	mu sync.RWMutex

	id       string
	name     string
	revealed bool
	clients  []*Client
	conns    map[string]*Connection

	lastActive    time.Time
	clientTimeout time.Duration
}

func newSession(id, name string, clientTimeout time.Duration) *Session {
	return &Session{
		id:            id,
		name:          name,
		conns:         make(map[string]*Connection),
		lastActive:    time.Now(),
		clientTimeout: clientTimeout,
	}
}

func (s *Session) ID() string { return s.id }

// Client returns a copy of the roster entry for the given id.
func (s *Session) Client(id string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c := s.findClientLocked(id); c != nil {
		return *c, true
	}
	return Client{}, false
}

func (s *Session) findClientLocked(id string) *Client {
	if id == "" {
		return nil
	}
	for _, c := range s.clients {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Join adds a new client to the roster, or renames the existing entry
// when the id already belongs to this session (a page refresh re-submits
// the name form). Returns the roster entry so callers can hand the id
// back to the browser.
func (s *Session) Join(clientID, name string) Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if c := s.findClientLocked(clientID); c != nil {
		c.Name = name
		s.broadcastLocked(eventSessions)
		return *c
	}

	c := &Client{
		ID:       uuid.NewString(),
		Name:     name,
		JoinedAt: time.Now(),
	}
	s.clients = append(s.clients, c)

	s.broadcastLocked(eventSessions)

	return *c
}

// Vote records a card selection. An empty value retracts the current
// vote. Unknown clients and unknown card values are ignored; a stale
// client id after a reset is an expected race, not an error.
func (s *Session) Vote(clientID, value string) {
	if value != "" && !validCard(value) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	c := s.findClientLocked(clientID)
	if c == nil {
		return
	}
	c.Vote = value

	s.broadcastLocked(eventVotes)
}

// Reveal exposes all collected votes. Revealing twice is a no-op.
func (s *Session) Reveal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.revealed {
		return
	}
	s.revealed = true

	s.broadcastLocked(eventVotes)
}

// Reset clears every vote and returns to the hidden-voting state in one
// step. The dedicated reset event exists because the card form has to be
// force-cleared client-side; re-rendering alone would leave the old
// selection sticky.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	s.revealed = false
	for _, c := range s.clients {
		c.Vote = ""
	}

	s.broadcastLocked(eventVotes)
	s.broadcastLocked(eventSessions)
	s.broadcastLocked(eventReset)
}

// Subscribe registers a new SSE connection for the given client. Clients
// that are not part of the roster are rejected so a stale cookie closes
// the channel instead of holding it open.
func (s *Session) Subscribe(clientID string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.findClientLocked(clientID) == nil {
		return nil, ErrClientNotFound
	}

	conn := &Connection{
		ID:       uuid.NewString(),
		ClientID: clientID,
		events:   make(chan sseEvent, 16),
	}
	s.conns[conn.ID] = conn

	s.broadcastLocked(eventSessions)
	s.broadcastLocked(eventVotes)

	return conn, nil
}

// Unsubscribe removes a connection. If it was the client's last open
// connection, the client is dropped from the roster, either immediately
// or once the grace period passes without a reconnect.
func (s *Session) Unsubscribe(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if _, ok := s.conns[conn.ID]; ok {
		delete(s.conns, conn.ID)
		close(conn.events)
	}

	if s.countConnsLocked(conn.ClientID) > 0 {
		s.broadcastLocked(eventSessions)
		return
	}

	if s.clientTimeout <= 0 {
		s.removeClientLocked(conn.ClientID)
		return
	}

	s.broadcastLocked(eventSessions)
	go s.scheduleRemoval(conn.ClientID, s.clientTimeout)
}

func (s *Session) countConnsLocked(clientID string) int {
	count := 0
	for _, c := range s.conns {
		if c.ClientID == clientID {
			count++
		}
	}
	return count
}

// scheduleRemoval waits for d, and if the client still has no open
// connection, removes its roster entry. A reload reconnects within the
// grace period and keeps name and vote intact.
func (s *Session) scheduleRemoval(clientID string, d time.Duration) {
	time.Sleep(d)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countConnsLocked(clientID) > 0 {
		return
	}

	s.removeClientLocked(clientID)
}

func (s *Session) removeClientLocked(clientID string) {
	dst := s.clients[:0]
	changed := false

	for _, c := range s.clients {
		if c.ID == clientID {
			changed = true
			continue
		}
		dst = append(dst, c)
	}
	s.clients = dst

	if !changed {
		return
	}

	s.lastActive = time.Now()

	s.broadcastLocked(eventSessions)
	s.broadcastLocked(eventVotes)
}

// broadcastLocked fans an event out to every open connection of this
// session. The payload is just the connection count; observers only use
// the event as a trigger to re-fetch. Sends never block: a connection
// with a full buffer is dead and gets evicted, which must not affect
// delivery to the remaining connections.
func (s *Session) broadcastLocked(event string) {
	data := strconv.Itoa(len(s.conns))

	for id, conn := range s.conns {
		select {
		case conn.events <- sseEvent{Name: event, Data: data}:
		default:
			delete(s.conns, id)
			close(conn.events)
		}
	}
}

// closeAll disconnects every open connection of this session (used by
// the registry reaper).
func (s *Session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, conn := range s.conns {
		close(conn.events)
		delete(s.conns, id)
	}
}

// ClientSnapshot is one roster entry as seen by an observer.
type ClientSnapshot struct {
	Name  string
	Voted bool
	Value string
}

// SessionSnapshot is a consistent point-in-time view of a session. While
// votes are hidden it carries only the voted flag per client; the raw
// values never leave the session before a reveal.
type SessionSnapshot struct {
	ID       string
	Name     string
	Revealed bool
	Clients  []ClientSnapshot
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:       s.id,
		Name:     s.name,
		Revealed: s.revealed,
		Clients:  make([]ClientSnapshot, 0, len(s.clients)),
	}

	for _, c := range s.clients {
		cs := ClientSnapshot{
			Name:  c.Name,
			Voted: c.Vote != "",
		}
		if s.revealed {
			cs.Value = c.Vote
		}
		snap.Clients = append(snap.Clients, cs)
	}

	return snap
}

// Registry holds all live sessions. It is created once in ServePage and
// handed to the handlers, so tests can run against isolated instances.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	newID         func() string
	clientTimeout time.Duration
}

func newRegistry(clientTimeout, sessionTimeout time.Duration) *Registry {
	reg := &Registry{
		sessions:      make(map[string]*Session),
		newID:         randomName,
		clientTimeout: clientTimeout,
	}
	if sessionTimeout > 0 {
		go reg.reaperLoop(sessionTimeout)
	}
	return reg
}

// Create generates a session id, retrying on collision against live
// sessions. The generator's cardinality makes running out of attempts
// near-impossible, but it still surfaces as an error rather than an
// invalid id.
func (reg *Registry) Create(name string) (*Session, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for i := 0; i < createAttempts; i++ {
		id := reg.newID()
		if _, exists := reg.sessions[id]; exists {
			continue
		}

		s := newSession(id, name, reg.clientTimeout)
		reg.sessions[id] = s
		return s, nil
	}

	return nil, ErrIDSpaceExhausted
}

// Find is the sole read path used by identity resolution.
func (reg *Registry) Find(id string) (*Session, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	s, ok := reg.sessions[id]
	return s, ok
}

// reaperLoop periodically removes sessions that have been idle longer
// than idleTimeout.
func (reg *Registry) reaperLoop(idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-idleTimeout)

		reg.mu.Lock()
		for id, s := range reg.sessions {
			s.mu.RLock()
			last := s.lastActive
			s.mu.RUnlock()

			if last.Before(cutoff) {
				delete(reg.sessions, id)
				go s.closeAll()
			}
		}
		reg.mu.Unlock()
	}
}

// ---- HTTP handlers ----

func sessionPath(cfg *Config, id string) string {
	return sessionPathPrefix(cfg.prefix, id)
}

func expiredPath(cfg *Config) string {
	return cfg.prefix + "/sessionExpired.html"
}

// redirectExpired is the canonical response whenever a session id no
// longer resolves: htmx requests get an HX-Redirect to the expired page,
// everything else a plain redirect. Never an error status.
func redirectExpired(cfg *Config, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("HX-Redirect", expiredPath(cfg))

	if r.Header.Get("HX-Request") == "" {
		http.Redirect(w, r, expiredPath(cfg), http.StatusSeeOther)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// findClient resolves the client cookie within the given session only; a
// client id from one session is meaningless in another. A missing client
// is not an error, it just means a first-time visitor.
func findClient(r *http.Request, s *Session) (Client, bool) {
	cookie, err := r.Cookie(clientCookieName)
	if err != nil || cookie.Value == "" {
		return Client{}, false
	}
	return s.Client(cookie.Value)
}

func htmlResponse(cfg *Config, w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	securityHeaders(cfg, w)
	_, _ = fmt.Fprint(w, body)
}

func serveIndex(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		htmlResponse(cfg, w, renderIndex(cfg.prefix))
	}
}

func serveExpiredPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		htmlResponse(cfg, w, renderExpired(cfg.prefix))
	}
}

func serveNewSession(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		name := strings.TrimSpace(r.FormValue("sessionname"))
		if name == "" {
			name = defaultSessionName
		}

		s, err := reg.Create(name)
		if err != nil {
			http.Error(w, "could not create a session, please try again", http.StatusServiceUnavailable)
			return
		}

		logf(cfg, "SESSIONS: Created session %s (%q)", s.ID(), name)

		if r.Method == http.MethodPost {
			w.Header().Set("HX-Redirect", sessionPath(cfg, s.ID()))
			w.WriteHeader(http.StatusOK)
			return
		}

		http.Redirect(w, r, sessionPath(cfg, s.ID()), http.StatusTemporaryRedirect)
	}
}

func serveSession(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    s.ID(),
			Path:     sessionPath(cfg, s.ID()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		if client, ok := findClient(r, s); ok {
			htmlResponse(cfg, w, renderSessionJoinedPage(cfg.prefix, s.Snapshot(), client))
			return
		}

		htmlResponse(cfg, w, renderSessionPage(cfg.prefix, s.ID()))
	}
}

func serveClientName(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}

		clientID := ""
		if cookie, err := r.Cookie(clientCookieName); err == nil {
			clientID = cookie.Value
		}

		client := s.Join(clientID, name)

		if client.ID != clientID {
			http.SetCookie(w, &http.Cookie{
				Name:     clientCookieName,
				Value:    client.ID,
				Path:     sessionPath(cfg, s.ID()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
			logf(cfg, "SESSIONS: Client %s joined %s as %q", client.ID, s.ID(), name)
		}

		htmlResponse(cfg, w, renderJoined(cfg.prefix, s.Snapshot(), client))
	}
}

func serveSelect(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		value := r.FormValue("value")
		if client, ok := findClient(r, s); ok {
			s.Vote(client.ID, value)
		}

		htmlResponse(cfg, w, renderCards(cfg.prefix, s.ID(), value))
	}
}

func serveCards(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		htmlResponse(cfg, w, renderCards(cfg.prefix, s.ID(), ""))
	}
}

func serveVotes(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		htmlResponse(cfg, w, renderVotes(cfg.prefix, s.Snapshot()))
	}
}

func serveSessionState(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		htmlResponse(cfg, w, renderSessionState(s.Snapshot()))
	}
}

func serveClientInfo(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		client, _ := findClient(r, s)
		htmlResponse(cfg, w, renderClientInfo(client))
	}
}

func serveReveal(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		s.Reveal()
		logf(cfg, "SESSIONS: Revealed votes in %s", s.ID())
		w.WriteHeader(http.StatusOK)
	}
}

func serveReset(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		s.Reset()
		logf(cfg, "SESSIONS: Reset votes in %s", s.ID())
		w.WriteHeader(http.StatusOK)
	}
}

func serveEvents(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s, ok := reg.Find(ps.ByName("id"))
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		client, ok := findClient(r, s)
		if !ok {
			redirectExpired(cfg, w, r)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		conn, err := s.Subscribe(client.ID)
		if err != nil {
			redirectExpired(cfg, w, r)
			return
		}
		defer s.Unsubscribe(conn)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		logf(cfg, "EVENTS: Client %s opened connection %s at session %s", client.ID, conn.ID, s.ID())
		defer logf(cfg, "EVENTS: Client %s closed connection %s at session %s", client.ID, conn.ID, s.ID())

		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case event, ok := <-conn.events:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, event.Data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// registerPoker sets up all routes:
//   - /                        → index with new-session form
//   - /newSession              → create a session, redirect into it
//   - /session/:id             → name form for new visitors, live view for known clients
//   - /session/:id/*           → fragments, state changes, SSE events, QR code
//   - /sessionExpired.html     → canonical fallback for vanished sessions
func registerPoker(cfg *Config, reg *Registry, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/", serveIndex(cfg))
	mux.GET(cfg.prefix+"/newSession", serveNewSession(cfg, reg))
	mux.POST(cfg.prefix+"/newSession", serveNewSession(cfg, reg))
	mux.GET(cfg.prefix+"/sessionExpired.html", serveExpiredPage(cfg))

	mux.GET(cfg.prefix+"/session/:id", serveSession(cfg, reg))
	mux.POST(cfg.prefix+"/session/:id/clientname", serveClientName(cfg, reg))
	mux.POST(cfg.prefix+"/session/:id/select", serveSelect(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/cards", serveCards(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/votes", serveVotes(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/sessionstate", serveSessionState(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/clientinfo", serveClientInfo(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/reveal", serveReveal(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/reset", serveReset(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/events", serveEvents(cfg, reg))
	mux.GET(cfg.prefix+"/session/:id/qr", qrHandler)
}
