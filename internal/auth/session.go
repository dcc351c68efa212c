package auth

import "sync"

// Identity is the opaque, stable handle of an authenticated user.
type Identity string

// Session tracks the signed-in identity of one client and notifies
// listeners when it changes. The zero value is signed out.
type Session struct {
	mu        sync.Mutex
	current   Identity
	listeners map[int]func(Identity)
	nextID    int
}

func NewSession() *Session {
	return &Session{}
}

// Current returns the signed-in identity, or false when signed out.
func (s *Session) Current() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

func (s *Session) SignIn(identity Identity) {
	s.set(identity)
}

func (s *Session) SignOut() {
	s.set("")
}

// OnChange registers fn to be called with the new identity ("" when signed
// out) after every change. The returned func removes the listener.
func (s *Session) OnChange(fn func(Identity)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[int]func(Identity))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) set(identity Identity) {
	s.mu.Lock()
	if s.current == identity {
		s.mu.Unlock()
		return
	}
	s.current = identity
	listeners := make([]func(Identity), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(identity)
	}
}
