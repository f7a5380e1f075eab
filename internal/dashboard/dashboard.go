// Package dashboard serves the read-only local status UI over HTTP (§6
// "Dashboard HTTP"): loopback-only by default, GET routes plus one
// throttled integrity POST, every string passed through the redactor.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/redact"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

// ErrNonLoopbackBind rejects binds outside 127.0.0.1/::1/localhost unless
// explicitly allowed.
var ErrNonLoopbackBind = errors.New("dashboard: refusing non-loopback bind (set allow_non_loopback to override)")

// verifyCooldown throttles the integrity POST.
const verifyCooldown = 10 * time.Second

// Server is the dashboard HTTP server. It opens the database read-only;
// the audit writer's transactions are never blocked by a dashboard query.
type Server struct {
	db   *store.DB
	bind string

	upgrader websocket.Upgrader

	mu          sync.Mutex
	lastVerify  time.Time
	subscribers map[*websocket.Conn]bool

	httpServer *http.Server
}

// New builds a Server over a read-only database handle.
func New(db *store.DB, bind string, allowNonLoopback bool) (*Server, error) {
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		return nil, fmt.Errorf("dashboard: parse bind address: %w", err)
	}
	if !isLoopbackHost(host) && !allowNonLoopback {
		return nil, ErrNonLoopbackBind
	}
	return &Server{
		db:   db,
		bind: bind,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return isLoopbackHost(hostOnly(r.Host))
			},
		},
		subscribers: make(map[*websocket.Conn]bool),
	}, nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// Routes builds the handler. Core edition: GET only, plus the single
// throttled POST.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/integrity/verify", s.handleVerify)
	return mux
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.bind,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	slog.Info("dashboard listening", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	version, err := s.db.SchemaVersion()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": version,
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.db.ListSessions(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.db.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such session"})
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func sessionView(sess store.SessionRow) map[string]any {
	return map[string]any{
		"id":         sess.ID,
		"tool":       sess.Tool,
		"label":      redact.Redact(sess.Label),
		"cwd":        redact.Redact(sess.Cwd),
		"status":     sess.Status,
		"pid":        sess.PID,
		"started_at": sess.StartedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := audit.ListEvents(r.Context(), s.db.SQL(), r.PathValue("id"), 500)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, eventViews(events))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := audit.ListEvents(r.Context(), s.db.SQL(), "", limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, eventViews(events))
}

func eventViews(events []audit.Event) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		payload := make(map[string]any, len(ev.Payload))
		for k, v := range ev.Payload {
			if str, ok := v.(string); ok {
				payload[k] = redact.Redact(str)
			} else {
				payload[k] = v
			}
		}
		out = append(out, map[string]any{
			"id":         ev.ID,
			"event_type": ev.Type,
			"session_id": ev.SessionID,
			"prompt_id":  ev.PromptID,
			"payload":    payload,
			"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

// handleVerify runs the full-chain verification, throttled to one run per
// cooldown window.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if since := time.Since(s.lastVerify); since < verifyCooldown {
		s.mu.Unlock()
		w.Header().Set("Retry-After", strconv.Itoa(int((verifyCooldown - since).Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "verification ran recently; try again shortly",
		})
		return
	}
	s.lastVerify = time.Now()
	s.mu.Unlock()

	ok, problems := audit.VerifyAll(r.Context(), s.db)
	redacted := make([]string, len(problems))
	for i, p := range problems {
		redacted[i] = redact.Redact(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "problems": redacted})
}

// handleWS upgrades to a websocket and streams session snapshots pushed
// via Broadcast.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.subscribers[conn] = true
	s.mu.Unlock()

	// Reader loop exists only to notice the close.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subscribers, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes a redacted JSON payload to every connected subscriber.
func (s *Server) Broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = []byte(redact.Redact(string(b)))
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.subscribers {
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			delete(s.subscribers, conn)
			conn.Close()
		}
	}
}
