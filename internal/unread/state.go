package unread

import (
	"fmt"
	"strings"
	"time"

	"github.com/pawpal/livenotify/internal/liveconn"
)

// Role is the capacity the signed-in account is acting in. Unread counts are
// kept per role because one account can be both.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleProfessional Role = "professional"
)

func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "owner", "pet_owner":
		return RoleOwner, nil
	case "professional", "pro", "provider":
		return RoleProfessional, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, value)
	}
}

type DataSource int

const (
	SourceUnknown DataSource = iota
	SourceLiveConnection
	SourceRestFallback
)

func (d DataSource) String() string {
	switch d {
	case SourceLiveConnection:
		return "live"
	case SourceRestFallback:
		return "rest"
	default:
		return "unknown"
	}
}

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseBootstrapping
	PhaseTrustedLive
	PhaseDegraded
	PhaseRestPolling
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrapping:
		return "bootstrapping"
	case PhaseTrustedLive:
		return "trusted_live"
	case PhaseDegraded:
		return "degraded"
	case PhaseRestPolling:
		return "rest_polling"
	default:
		return "uninitialized"
	}
}

// Counts is an authoritative unread snapshot, from REST or an unread_update
// push.
type Counts struct {
	UnreadCount             int                 `json:"unread_count"`
	ConversationCounts      map[liveconn.ID]int `json:"conversation_counts,omitempty"`
	OwnerUnreadCount        *int                `json:"owner_unread_count,omitempty"`
	ProfessionalUnreadCount *int                `json:"professional_unread_count,omitempty"`
	// Role is the role UnreadCount and ConversationCounts are scoped to.
	// Empty means the sender did not say.
	Role Role `json:"role,omitempty"`
}

func countsFromUpdate(update liveconn.UnreadUpdate) Counts {
	counts := Counts{
		UnreadCount:             update.UnreadCount,
		ConversationCounts:      update.ConversationCounts,
		OwnerUnreadCount:        update.OwnerUnreadCount,
		ProfessionalUnreadCount: update.ProfessionalUnreadCount,
	}
	if role, err := ParseRole(update.Role); err == nil {
		counts.Role = role
	}
	return counts
}

// Snapshot is a copy of the store's state safe to hand to callers.
type Snapshot struct {
	Role                     Role
	Phase                    Phase
	Total                    int
	ByRole                   map[Role]int
	ByConversation           map[liveconn.ID]int
	HasUnread                bool
	DataSource               DataSource
	LastAuthoritativeCheckAt time.Time
}

// State holds the unread counters. Its methods are the only way to change
// them and none of them is safe for concurrent use; Store serialises access.
type State struct {
	role               Role
	total              int
	byRole             map[Role]int
	byConversation     map[liveconn.ID]int
	conversationsKnown bool
	source             DataSource
	lastAuthoritative  time.Time
}

func NewState(role Role) *State {
	if role == "" {
		role = RoleOwner
	}
	s := &State{role: role}
	s.reset()
	return s
}

func (s *State) Role() Role {
	return s.role
}

func (s *State) Total() int {
	return s.total
}

func (s *State) HasUnread() bool {
	return s.byRole[s.role] > 0
}

func (s *State) ConversationCount(id liveconn.ID) int {
	return s.byConversation[id]
}

// applyNewMessage counts one unread message. The total and the conversation
// each grow by exactly one; the returned roles are the ones credited.
func (s *State) applyNewMessage(msg liveconn.NewMessage) []Role {
	roles := attribute(msg)
	s.total++
	for _, role := range roles {
		s.byRole[role]++
	}
	if msg.ConversationID != "" {
		s.byConversation[msg.ConversationID]++
	}
	return roles
}

// attribute picks the role a message belongs to: explicit role, then
// recipient role, then the is_professional flag. Without any signal both
// roles are credited.
func attribute(msg liveconn.NewMessage) []Role {
	if role, err := ParseRole(msg.Role); err == nil {
		return []Role{role}
	}
	if role, err := ParseRole(msg.RecipientRole); err == nil {
		return []Role{role}
	}
	if msg.IsProfessional != nil {
		if *msg.IsProfessional {
			return []Role{RoleProfessional}
		}
		return []Role{RoleOwner}
	}
	return []Role{RoleOwner, RoleProfessional}
}

// applyReadReceipt clears a conversation and subtracts its prior count from
// the total and from the active role only, clamped at zero.
func (s *State) applyReadReceipt(id liveconn.ID) int {
	prior, ok := s.byConversation[id]
	if !ok {
		return 0
	}
	delete(s.byConversation, id)
	s.total = clampZero(s.total - prior)
	s.byRole[s.role] = clampZero(s.byRole[s.role] - prior)
	return prior
}

// applyAuthoritativeSnapshot overwrites local counts with counts and reports
// whether it did. Counts scoped to another role are ignored. REST reads are
// requested for the active role, so they count as scoped even when the
// server does not echo it. Unscoped live counts that carry the active role's
// own counter only refresh the counters: their conversation counts mix both
// roles, so local conversations are capped by them but never extended.
func (s *State) applyAuthoritativeSnapshot(counts Counts, source DataSource, now time.Time) bool {
	if counts.Role != "" && counts.Role != s.role {
		return false
	}
	if counts.OwnerUnreadCount != nil {
		s.byRole[RoleOwner] = clampZero(*counts.OwnerUnreadCount)
	}
	if counts.ProfessionalUnreadCount != nil {
		s.byRole[RoleProfessional] = clampZero(*counts.ProfessionalUnreadCount)
	}
	own := s.explicitRoleCount(counts)
	scoped := counts.Role == s.role || source == SourceRestFallback
	if scoped || own == nil {
		s.total = clampZero(counts.UnreadCount)
		s.byConversation = map[liveconn.ID]int{}
		s.conversationsKnown = counts.ConversationCounts != nil
		for id, count := range counts.ConversationCounts {
			if count > 0 {
				s.byConversation[id] = count
			}
		}
		if own == nil {
			s.byRole[s.role] = s.total
		}
	} else {
		s.total = clampZero(*own)
		s.conversationsKnown = false
		if counts.ConversationCounts != nil {
			for id, prior := range s.byConversation {
				limit := counts.ConversationCounts[id]
				switch {
				case limit <= 0:
					delete(s.byConversation, id)
				case limit < prior:
					s.byConversation[id] = limit
				}
			}
		}
	}
	s.source = source
	if source == SourceRestFallback {
		s.lastAuthoritative = now
	}
	return true
}

func (s *State) explicitRoleCount(counts Counts) *int {
	if s.role == RoleProfessional {
		return counts.ProfessionalUnreadCount
	}
	return counts.OwnerUnreadCount
}
// switchRole reports whether the active role changed.
func (s *State) switchRole(role Role) bool {
	if role == "" || role == s.role {
		return false
	}
	s.role = role
	return true
}

// diverged reports a total that disagrees with the known conversation
// counts.
func (s *State) diverged() bool {
	if !s.conversationsKnown {
		return false
	}
	sum := 0
	for _, count := range s.byConversation {
		sum += count
	}
	return sum != s.total
}

func (s *State) reset() {
	s.total = 0
	s.byRole = map[Role]int{RoleOwner: 0, RoleProfessional: 0}
	s.byConversation = map[liveconn.ID]int{}
	s.conversationsKnown = false
	s.source = SourceUnknown
	s.lastAuthoritative = time.Time{}
}

func (s *State) snapshot(phase Phase) Snapshot {
	byRole := make(map[Role]int, len(s.byRole))
	for role, count := range s.byRole {
		byRole[role] = count
	}
	byConversation := make(map[liveconn.ID]int, len(s.byConversation))
	for id, count := range s.byConversation {
		byConversation[id] = count
	}
	return Snapshot{
		Role:                     s.role,
		Phase:                    phase,
		Total:                    s.total,
		ByRole:                   byRole,
		ByConversation:           byConversation,
		HasUnread:                s.HasUnread(),
		DataSource:               s.source,
		LastAuthoritativeCheckAt: s.lastAuthoritative,
	}
}

func clampZero(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
