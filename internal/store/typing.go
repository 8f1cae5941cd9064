package store

import (
	"fmt"
	"sort"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

// SetTyping records a remote typing indicator.
func (s *Store) SetTyping(roomId, userId int, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomId]
	if !ok {
		return fmt.Errorf("%w: room %d not loaded", types.ErrReconcileMismatch, roomId)
	}

	if typing {
		rs.typing[userId] = true
	} else {
		delete(rs.typing, userId)
	}

	return nil
}

// Typing returns the users typing in a room, never including selfId.
func (s *Store) Typing(roomId, selfId int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomId]
	if !ok {
		return nil
	}

	users := make([]int, 0, len(rs.typing))
	for id := range rs.typing {
		if id != selfId {
			users = append(users, id)
		}
	}
	sort.Ints(users)

	return users
}

// ClearTyping forgets every typing indicator, e.g. after a disconnect.
func (s *Store) ClearTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rs := range s.rooms {
		clear(rs.typing)
	}
}
