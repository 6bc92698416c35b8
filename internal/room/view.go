package room

import "circle/internal/models"

// Read-only accessors. Every result is a copy the caller may keep.

func (s *Store) LocalUserID() string {
	return s.localUserID
}

func (s *Store) Meta() models.RoomMeta {
	return s.meta
}

func (s *Store) Messages() []models.Message {
	s.mux.RLock()
	defer s.mux.RUnlock()

	result := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		result[i] = copyMessage(m)
	}
	return result
}

func (s *Store) Message(id string) (models.Message, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return copyMessage(m), true
}

func (s *Store) Members() []models.RoomMember {
	s.mux.RLock()
	defer s.mux.RUnlock()

	result := make([]models.RoomMember, len(s.members))
	copy(result, s.members)
	return result
}

func (s *Store) Member(id string) (models.RoomMember, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	for _, m := range s.members {
		if m.ID == id {
			return m, true
		}
	}
	return models.RoomMember{}, false
}

func (s *Store) AdminID() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.adminID
}

// IsLocalAdmin reports whether the latest snapshot names the local user admin.
func (s *Store) IsLocalAdmin() bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.adminID != "" && s.adminID == s.localUserID
}

func (s *Store) ConnectionState() models.ConnectionState {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.connState
}

func (s *Store) Closed() bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.closed
}

func copyMessage(m *models.Message) models.Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make([]models.ReactionSummary, len(m.Reactions))
		copy(c.Reactions, m.Reactions)
	}
	return c
}
