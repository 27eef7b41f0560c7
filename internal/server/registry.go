package server

import "sync"

// SessionDirectory resolves a user to the live sessions that should receive
// deliveries for that user. The local Registry implements it; a directory
// backed by a shared store can replace it without touching the Router.
type SessionDirectory interface {
	SessionsFor(userID string) []*Session
}

// Registry maps user identities to their bound sessions. A user may hold any
// number of sessions at once (one per device or tab).
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]map[*Session]struct{}
	bySession map[*Session]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[string]map[*Session]struct{}),
		bySession: make(map[*Session]string),
	}
}

// Bind associates s with userID. Binding the same pair again is a no-op;
// binding s to a different user moves it. The returned flag is true when
// this made s the user's first live session.
func (r *Registry) Bind(s *Session, userID string) bool {
	if s == nil || userID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[s]; ok {
		if prev == userID {
			return false
		}
		r.removeLocked(s, prev)
	}

	set := r.byUser[userID]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byUser[userID] = set
	}
	set[s] = struct{}{}
	r.bySession[s] = userID
	return len(set) == 1
}

// Unbind removes s from its user's set. It reports the user s was bound to
// and whether that user has no sessions left. Unbinding a session that was
// never bound returns ("", false).
func (r *Registry) Unbind(s *Session) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.bySession[s]
	if !ok {
		return "", false
	}
	last := r.removeLocked(s, userID)
	return userID, last
}

func (r *Registry) removeLocked(s *Session, userID string) bool {
	delete(r.bySession, s)
	set := r.byUser[userID]
	if set == nil {
		return true
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// SessionsFor returns a snapshot of the live sessions bound to userID.
func (r *Registry) SessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// UserOf returns the user s is bound to.
func (r *Registry) UserOf(s *Session) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.bySession[s]
	return userID, ok
}

// Users returns the number of users with at least one bound session.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
