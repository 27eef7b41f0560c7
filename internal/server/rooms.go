package server

import "sync"

// RoomDirectory resolves a conversation id to the sessions subscribed to it.
type RoomDirectory interface {
	SessionsIn(roomID string) []*Session
}

// RoomIndex maps conversation ids to the sessions that explicitly joined
// them. It is a delivery cache rebuilt from join signals, not an access
// control list.
type RoomIndex struct {
	mu        sync.RWMutex
	rooms     map[string]map[*Session]struct{}
	bySession map[*Session]map[string]struct{}
}

// NewRoomIndex returns an empty index.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		rooms:     make(map[string]map[*Session]struct{}),
		bySession: make(map[*Session]map[string]struct{}),
	}
}

// Join subscribes s to roomID and reports whether it was not already a member.
func (x *RoomIndex) Join(s *Session, roomID string) bool {
	if s == nil || roomID == "" {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	members := x.rooms[roomID]
	if members == nil {
		members = make(map[*Session]struct{})
		x.rooms[roomID] = members
	}
	if _, ok := members[s]; ok {
		return false
	}
	members[s] = struct{}{}

	joined := x.bySession[s]
	if joined == nil {
		joined = make(map[string]struct{})
		x.bySession[s] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

// Leave unsubscribes s from roomID and reports whether it was a member.
func (x *RoomIndex) Leave(s *Session, roomID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.leaveLocked(s, roomID)
}

// LeaveAll unsubscribes s from every room and returns the rooms it left.
func (x *RoomIndex) LeaveAll(s *Session) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	joined := x.bySession[s]
	if len(joined) == 0 {
		delete(x.bySession, s)
		return nil
	}
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		x.leaveLocked(s, roomID)
	}
	return left
}

func (x *RoomIndex) leaveLocked(s *Session, roomID string) bool {
	members := x.rooms[roomID]
	if _, ok := members[s]; !ok {
		return false
	}
	delete(members, s)
	if len(members) == 0 {
		delete(x.rooms, roomID)
	}
	if joined := x.bySession[s]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(x.bySession, s)
		}
	}
	return true
}

// SessionsIn returns a snapshot of the sessions subscribed to roomID.
func (x *RoomIndex) SessionsIn(roomID string) []*Session {
	x.mu.RLock()
	defer x.mu.RUnlock()

	members := x.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// Rooms returns the number of rooms with at least one subscriber.
func (x *RoomIndex) Rooms() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}
