package devrelay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/unread"
)

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotParticipant      = errors.New("not a participant of the conversation")
)

// OpenConversation registers a conversation between a pet owner and a
// professional.
func (s *Server) OpenConversation(id liveconn.ID, ownerID, professionalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = conversation{
		ownerID:        strings.TrimSpace(ownerID),
		professionalID: strings.TrimSpace(professionalID),
	}
}

// Seed sets the unread count of one conversation for userID acting as role.
func (s *Server) Seed(userID string, role unread.Role, conversationID liveconn.ID, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accountLocked(userID)
	if _, ok := acct.unread[role]; !ok {
		role = unread.RoleOwner
	}
	if count <= 0 {
		delete(acct.unread[role], conversationID)
		return
	}
	acct.unread[role][conversationID] = count
}

// Counts reports userID's unread counts for role, or for both roles when
// role is empty. The per-role totals are always included.
func (s *Server) Counts(userID string, role unread.Role) unread.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accountLocked(userID)

	owner := sumCounts(acct.unread[unread.RoleOwner])
	professional := sumCounts(acct.unread[unread.RoleProfessional])
	byConversation := map[liveconn.ID]int{}
	total := 0
	for _, r := range []unread.Role{unread.RoleOwner, unread.RoleProfessional} {
		if role != "" && r != role {
			continue
		}
		for id, count := range acct.unread[r] {
			byConversation[id] += count
			total += count
		}
	}
	return unread.Counts{
		UnreadCount:             total,
		ConversationCounts:      byConversation,
		OwnerUnreadCount:        &owner,
		ProfessionalUnreadCount: &professional,
		Role:                    role,
	}
}

// MarkRead clears a conversation for userID and pushes the new counts to
// every socket the user has open.
func (s *Server) MarkRead(userID string, conversationID liveconn.ID) {
	s.mu.Lock()
	acct := s.accountLocked(userID)
	for _, counts := range acct.unread {
		delete(counts, conversationID)
	}
	s.mu.Unlock()

	s.logger.Debug().Str("user", userID).Str("conversation", conversationID.String()).Msg("conversation marked read")
	s.pushCounts(userID)
}

// Deliver stores a message from senderID, counts it as unread for the other
// participant and notifies both sides.
func (s *Server) Deliver(senderID string, conversationID liveconn.ID, content string) (unread.SentMessage, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return unread.SentMessage{}, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	var recipientID string
	var recipientRole unread.Role
	switch senderID {
	case conv.ownerID:
		recipientID, recipientRole = conv.professionalID, unread.RoleProfessional
	case conv.professionalID:
		recipientID, recipientRole = conv.ownerID, unread.RoleOwner
	default:
		s.mu.Unlock()
		return unread.SentMessage{}, fmt.Errorf("%w: %s", ErrNotParticipant, conversationID)
	}
	s.nextMessageID++
	messageID := liveconn.ID(strconv.FormatInt(s.nextMessageID, 10))
	s.accountLocked(recipientID).unread[recipientRole][conversationID]++
	s.mu.Unlock()

	msg := liveconn.NewMessage{
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       liveconn.ID(senderID),
		Content:        content,
		RecipientRole:  string(recipientRole),
		CreatedAt:      s.clock.Now().UTC().Format(time.RFC3339),
	}
	s.Push(recipientID, liveconn.TypeNewMessage, msg)
	own := msg
	own.IsOwnMessage = true
	s.Push(senderID, liveconn.TypeNewMessage, own)

	return unread.SentMessage{MessageID: messageID, ConversationID: conversationID}, nil
}

// pushCounts sends every socket of userID the counts for the role it
// connected with.
func (s *Server) pushCounts(userID string) {
	for _, c := range s.clientsFor(userID) {
		if err := s.send(c, liveconn.TypeUnreadUpdate, s.Counts(userID, c.role)); err != nil {
			s.logger.Debug().Err(err).Str("client", c.id).Msg("counts not delivered")
		}
	}
}

func (s *Server) accountLocked(userID string) *account {
	acct, ok := s.accounts[userID]
	if !ok {
		acct = &account{unread: map[unread.Role]map[liveconn.ID]int{
			unread.RoleOwner:        {},
			unread.RoleProfessional: {},
		}}
		s.accounts[userID] = acct
	}
	return acct
}

func sumCounts(counts map[liveconn.ID]int) int {
	total := 0
	for _, count := range counts {
		total += count
	}
	return total
}
