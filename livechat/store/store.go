// Package store holds the widget state and notifies subscribers on every write.
package store

import (
	"slices"
	"sync"
)

// State is a full snapshot of the widget.
type State struct {
	Token             string    `json:"token,omitempty"`
	User              *User     `json:"user,omitempty"`
	Room              *Room     `json:"room,omitempty"`
	Agent             *Agent    `json:"agent,omitempty"`
	TriggerAgent      *Agent    `json:"triggerAgent,omitempty"`
	Messages          []Message `json:"messages"`
	Typing            []string  `json:"typing"`
	Sound             Sound     `json:"sound"`
	Config            Config    `json:"config"`
	Iframe            Iframe    `json:"iframe"`
	Loading           bool      `json:"loading"`
	NoMoreMessages    bool      `json:"noMoreMessages"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
	Unread            int       `json:"unread"`
	Expanded          bool      `json:"expanded"`
	Minimized         bool      `json:"minimized"`
	Visible           bool      `json:"visible"`
	Route             string    `json:"route,omitempty"`
}

// Initial returns the state a freshly loaded widget starts from.
func Initial() State {
	return State{
		Messages:  []Message{},
		Typing:    []string{},
		Sound:     Sound{Enabled: true},
		Iframe:    Iframe{Visible: true},
		Minimized: true,
		Visible:   true,
		Route:     "/",
	}
}

// RoomID returns the active room id or "" when no room is active.
func (s State) RoomID() string {
	if s.Room == nil {
		return ""
	}
	return s.Room.ID
}

// Clone returns a copy that shares no mutable memory with s.
func (s State) Clone() State {
	out := s
	out.Messages = cloneMessages(s.Messages)
	out.Typing = slices.Clone(s.Typing)
	out.Config.Departments = slices.Clone(s.Config.Departments)
	if s.User != nil {
		u := *s.User
		u.VisitorEmails = slices.Clone(s.User.VisitorEmails)
		out.User = &u
	}
	if s.Room != nil {
		r := *s.Room
		if s.Room.ServedBy != nil {
			sb := *s.Room.ServedBy
			r.ServedBy = &sb
		}
		out.Room = &r
	}
	if s.Agent != nil {
		a := *s.Agent
		out.Agent = &a
	}
	if s.TriggerAgent != nil {
		a := *s.TriggerAgent
		out.TriggerAgent = &a
	}
	return out
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		if m.U != nil {
			u := *m.U
			m.U = &u
		}
		if m.EditedAt != nil {
			e := *m.EditedAt
			m.EditedAt = &e
		}
		out[i] = m
	}
	return out
}

// Store is the single mutable snapshot shared by the widget components.
// Writes are atomic per Update call; there is no cross-call transaction.
type Store struct {
	mu    sync.RWMutex
	state State

	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int
}

func New(initial State) *Store {
	return &Store{state: initial.Clone(), subs: map[int]func(State){}}
}

// State returns a snapshot of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Update applies fn to the state under the write lock, then notifies
// subscribers with the resulting snapshot. Subscribers run on the
// caller's goroutine after the lock is released.
func (s *Store) Update(fn func(*State)) State {
	s.mu.Lock()
	fn(&s.state)
	snap := s.state.Clone()
	s.mu.Unlock()

	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(State), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
	return snap
}

// Subscribe registers fn for every subsequent write. The returned func
// removes it and may be called from inside fn.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}
