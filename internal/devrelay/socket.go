package devrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/unread"
)

type client struct {
	id     string
	userID string
	conn   *websocket.Conn

	// role scopes the unread snapshots this socket receives; empty means
	// all roles.
	role unread.Role

	writeMu sync.Mutex
}

// handleSocket authenticates the token query parameter, sends the current
// counts and then answers heartbeats and read receipts until the peer
// leaves.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		raw, _ = bearerToken(r.Header.Get("Authorization"))
	}
	claims, authErr := parseToken(raw, s.cfg.JWTSecret, s.clock.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to accept websocket connection")
		return
	}
	c := &client{id: uuid.NewString(), userID: claims.Subject, conn: conn}
	if parsed, err := unread.ParseRole(r.URL.Query().Get("role")); err == nil {
		c.role = parsed
	}
	s.addClient(c)
	defer s.removeClient(c)

	logger := s.logger.With().Str("user", c.userID).Str("client", c.id).Logger()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("socket connected")

	if err := s.send(c, liveconn.TypeUnreadUpdate, s.Counts(c.userID, c.role)); err != nil {
		logger.Warn().Err(err).Msg("initial counts not delivered")
	}

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info().Err(err).Msg("socket closed")
			break
		}
		s.handleFrame(c, data)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleFrame(c *client, data []byte) {
	env, err := liveconn.DecodeEnvelope(data, s.clock.Now())
	if err != nil {
		s.logger.Warn().Err(err).Str("user", c.userID).Msg("dropping malformed frame")
		return
	}
	switch env.Type {
	case liveconn.TypeHeartbeat:
		ack := liveconn.HeartbeatAck{ServerTime: s.clock.Now().UnixMilli()}
		if err := s.send(c, liveconn.TypeHeartbeatAck, ack); err != nil {
			s.logger.Debug().Err(err).Str("user", c.userID).Msg("heartbeat ack not delivered")
		}
	case liveconn.TypeMarkRead:
		var receipt liveconn.MarkRead
		if unknown, ok := env.Event.(liveconn.Unknown); ok {
			_ = json.Unmarshal(unknown.Data, &receipt)
		}
		if receipt.ConversationID == "" {
			s.logger.Warn().Str("user", c.userID).Msg("mark_read without conversation_id")
			return
		}
		s.MarkRead(c.userID, receipt.ConversationID)
	default:
		s.logger.Debug().Str("type", env.Type).Msg("ignoring client frame")
	}
}

// Push sends one envelope to every socket userID has open and reports how
// many accepted it.
func (s *Server) Push(userID, msgType string, data any) int {
	payload, err := liveconn.EncodeEnvelope(msgType, data, s.clock.Now())
	if err != nil {
		s.logger.Warn().Err(err).Str("type", msgType).Msg("push not encoded")
		return 0
	}
	delivered := 0
	for _, c := range s.clientsFor(userID) {
		if err := s.write(c, payload); err != nil {
			s.logger.Debug().Err(err).Str("client", c.id).Msg("push not delivered")
			continue
		}
		delivered++
	}
	return delivered
}

// DropClients closes every socket of userID as a server restart would.
func (s *Server) DropClients(userID string) int {
	clients := s.clientsFor(userID)
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "relay dropped connection")
	}
	return len(clients)
}

func (s *Server) ConnectedClients(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients[userID])
}

// Close disconnects every socket.
func (s *Server) Close() {
	s.mu.Lock()
	var all []*client
	for _, set := range s.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		_ = c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func (s *Server) send(c *client, msgType string, data any) error {
	payload, err := liveconn.EncodeEnvelope(msgType, data, s.clock.Now())
	if err != nil {
		return err
	}
	return s.write(c, payload)
}

func (s *Server) write(c *client, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.clients[c.userID]
	if !ok {
		set = map[*client]struct{}{}
		s.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.clients[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(s.clients, c.userID)
	}
}

func (s *Server) clientsFor(userID string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients[userID]))
	for c := range s.clients[userID] {
		out = append(out, c)
	}
	return out
}
