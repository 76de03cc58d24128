// Package devrelay is a local stand-in for the marketplace messaging backend.
// It serves the unread REST endpoints and the notification socket so the
// client stack can run end to end without the real service.
package devrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/unread"
)

type Config struct {
	JWTSecret       string
	WSPath          string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WriteTimeout    time.Duration
	Clock           clock.Clock
	Logger          *zerolog.Logger
}

type Server struct {
	cfg         Config
	clock       clock.Clock
	logger      zerolog.Logger
	rateLimiter *rateLimiter

	mu            sync.Mutex
	accounts      map[string]*account
	conversations map[liveconn.ID]conversation
	clients       map[string]map[*client]struct{}
	nextMessageID int64
}

// account keeps unread counts per role and conversation.
type account struct {
	unread map[unread.Role]map[liveconn.ID]int
}

type conversation struct {
	ownerID        string
	professionalID string
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WSPath == "" {
		cfg.WSPath = liveconn.DefaultPath
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:           cfg,
		clock:         cfg.Clock,
		logger:        logger.With().Str("component", "devrelay").Logger(),
		rateLimiter:   limiter,
		accounts:      map[string]*account{},
		conversations: map[liveconn.ID]conversation{},
		clients:       map[string]map[*client]struct{}{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == s.cfg.WSPath && r.Method == http.MethodGet {
		s.handleSocket(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/api/messages/unread-count/" && r.Method == http.MethodGet:
		route = "unread_count"
	case r.URL.Path == "/api/messages/mark-read/" && r.Method == http.MethodPost:
		route = "mark_read"
	case r.URL.Path == "/api/messages/send/" && r.Method == http.MethodPost:
		route = "send"
	case r.URL.Path == "/api/dev/push" && r.Method == http.MethodPost:
		requiredScope = ScopePush
		route = "push"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.clock.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.clock.Now()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "unread_count":
		s.handleUnreadCount(w, r, claims.Subject, correlationID)
	case "mark_read":
		s.handleMarkRead(w, r, claims.Subject, correlationID)
	case "send":
		s.handleSend(w, r, claims.Subject, correlationID)
	case "push":
		s.handlePush(w, r, correlationID)
	}
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var role unread.Role
	if raw := strings.TrimSpace(r.URL.Query().Get("role")); raw != "" {
		parsed, err := unread.ParseRole(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown role", correlationID)
			return
		}
		role = parsed
	}
	writeJSON(w, http.StatusOK, s.Counts(userID, role))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var body liveconn.MarkRead
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "conversation_id is required", correlationID)
		return
	}
	s.MarkRead(userID, body.ConversationID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var body struct {
		ConversationID liveconn.ID `json:"conversation_id"`
		Content        string      `json:"content"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.ConversationID == "" || strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "conversation_id and content are required", correlationID)
		return
	}
	sent, err := s.Deliver(userID, body.ConversationID, body.Content)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownConversation):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, ErrNotParticipant):
			writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusCreated, sent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		UserID string          `json:"user_id"`
		Type   string          `json:"type"`
		Data   json.RawMessage `json:"data"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.UserID) == "" || strings.TrimSpace(body.Type) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id and type are required", correlationID)
		return
	}
	var data any
	if len(body.Data) > 0 {
		data = body.Data
	}
	delivered := s.Push(body.UserID, body.Type, data)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// decodeJSONBody writes the error response itself and reports false when
// the body is oversized or not JSON.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", fmt.Sprintf("body exceeds %d bytes", s.cfg.MaxBodyBytes), correlationID)
	case err != nil:
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", correlationID)
	case json.Unmarshal(raw, dst) != nil:
		writeError(w, http.StatusBadRequest, "bad_request", "body is not valid JSON for this route", correlationID)
	default:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
