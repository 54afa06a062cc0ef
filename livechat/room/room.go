// Package room keeps the active livechat room in sync with the backend:
// stream subscriptions, message merging, typing state, unread tracking
// and the close flow.
package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/store"
)

// Backend is the subset of the livechat backend client the room needs.
type Backend interface {
	SetToken(token string)
	SubscribeRoom(ctx context.Context, rid string) error
	UnsubscribeAll()
	OnAgentChange(rid string, fn func(store.Agent))
	OnAgentStatusChange(rid string, fn func(status string))
	OnTyping(fn func(username string, typing bool))
	OnMessage(fn func(store.Message))
	Agent(ctx context.Context, rid string) (*store.Agent, error)
	LoadMessages(ctx context.Context, rid string, limit int) ([]store.Message, error)
	Config(ctx context.Context, token string) (*api.Config, error)
	RequestTranscript(ctx context.Context, req api.TranscriptRequest) error
}

// Parent receives notifications for the hosting page.
type Parent interface {
	Call(fn string, args ...any)
}

// Cookies persists the session pair for the active room.
type Cookies interface {
	SetCookies(rid, token string) error
}

// Navigator switches the widget to another view.
type Navigator interface {
	Navigate(path string)
}

type Phase string

const (
	PhaseInactive    Phase = "inactive"
	PhaseSubscribing Phase = "subscribing"
	PhaseActive      Phase = "active"
	PhaseClosing     Phase = "closing"
)

const ChatFinishedRoute = "/chat-finished"

// Options carries the optional collaborators; nil fields get defaults.
type Options struct {
	Parent     Parent
	Cookies    Cookies
	Navigator  Navigator
	Normalize  Normalizer
	Transcript *Transcript
	Commands   *Commands
}

// Sync binds the store to the backend streams for the active room.
// Transitions are not reentrant: callers wait for InitRoom or CloseChat
// to return before starting another one.
type Sync struct {
	store      *store.Store
	backend    Backend
	parent     Parent
	cookies    Cookies
	navigator  Navigator
	normalize  Normalizer
	transcript *Transcript
	commands   *Commands

	registerOnce sync.Once

	phaseMu sync.Mutex
	phase   Phase
}

func New(st *store.Store, backend Backend, opts Options) *Sync {
	s := &Sync{
		store:      st,
		backend:    backend,
		parent:     opts.Parent,
		cookies:    opts.Cookies,
		navigator:  opts.Navigator,
		normalize:  opts.Normalize,
		transcript: opts.Transcript,
		commands:   opts.Commands,
		phase:      PhaseInactive,
	}
	if s.parent == nil {
		s.parent = noopParent{}
	}
	if s.cookies == nil {
		s.cookies = noopCookies{}
	}
	if s.navigator == nil {
		s.navigator = storeNavigator{st}
	}
	if s.normalize == nil {
		s.normalize = Normalize
	}
	if s.transcript == nil {
		s.transcript = NewTranscript(st, backend, nil)
	}
	if s.commands == nil {
		s.commands = NewCommands()
	}
	s.commands.registerDefault("promptTranscript", s.transcript.Handle)
	return s
}

// Register installs the process-wide message and typing handlers.
// Only the first call has an effect.
func (s *Sync) Register(ctx context.Context) {
	s.registerOnce.Do(func() {
		s.backend.OnMessage(func(m store.Message) {
			if err := s.HandleMessage(ctx, m); err != nil {
				log.Warn().Err(err).Str("id", m.ID).Msg("[room] handle message")
			}
		})
		s.backend.OnTyping(s.HandleTyping)
	})
}

func (s *Sync) Phase() Phase {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	return s.phase
}

func (s *Sync) setPhase(p Phase) {
	s.phaseMu.Lock()
	s.phase = p
	s.phaseMu.Unlock()
	log.Debug().Str("phase", string(p)).Msg("[room] phase")
}

// InitRoom subscribes to the active room and resolves its agent.
// It is a no-op when no room is active.
func (s *Sync) InitRoom(ctx context.Context) error {
	st := s.store.State()
	if st.Room == nil {
		return nil
	}
	rid := st.Room.ID

	s.setPhase(PhaseSubscribing)
	s.backend.UnsubscribeAll()
	if err := s.backend.SubscribeRoom(ctx, rid); err != nil {
		s.setPhase(PhaseInactive)
		return fmt.Errorf("subscribe room %s: %w", rid, err)
	}

	if st.Agent == nil && st.Room.ServedBy != nil {
		agent, err := s.backend.Agent(ctx, rid)
		if err != nil {
			s.setPhase(PhaseInactive)
			return fmt.Errorf("resolve agent for %s: %w", rid, err)
		}
		s.store.Update(func(st *store.State) { st.Agent = agent })
	}

	s.backend.OnAgentChange(rid, func(agent store.Agent) {
		s.store.Update(func(st *store.State) { st.Agent = &agent })
	})
	s.backend.OnAgentStatusChange(rid, func(status string) {
		s.store.Update(func(st *store.State) {
			if st.Agent != nil {
				st.Agent.Status = status
			}
		})
	})

	if err := s.cookies.SetCookies(rid, st.Token); err != nil {
		log.Warn().Err(err).Str("rid", rid).Msg("[room] persist session cookies")
	}
	s.parent.Call("callback", "chat-started")
	s.setPhase(PhaseActive)
	return nil
}

// LoadConfig fetches the widget configuration for the current token and
// resets the conversation state to it.
func (s *Sync) LoadConfig(ctx context.Context) error {
	token := s.store.State().Token
	s.backend.SetToken(token)
	cfg, err := s.backend.Config(ctx, token)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.store.Update(func(st *store.State) {
		st.Config = cfg.Config
		st.Agent = cfg.Agent
		st.Room = cfg.Room
		st.User = cfg.Guest
		st.Sound = store.Sound{Src: cfg.Resources.Sound.Src, Enabled: true}
		st.Messages = []store.Message{}
		st.Typing = []string{}
		st.NoMoreMessages = false
		st.Visible = true
		st.Unread = 0
	})
	return nil
}

// CloseChat ends the conversation: transcript, config reload, parent
// notification and the finished view, in that order.
func (s *Sync) CloseChat(ctx context.Context) error {
	s.setPhase(PhaseClosing)
	defer s.setPhase(PhaseInactive)

	if err := s.transcript.Handle(ctx); err != nil {
		return fmt.Errorf("close chat: %w", err)
	}
	if err := s.LoadConfig(ctx); err != nil {
		return fmt.Errorf("close chat: %w", err)
	}
	s.parent.Call("callback", "chat-ended")
	s.navigator.Navigate(ChatFinishedRoute)
	return nil
}

// DefaultRoomParams returns the parameters used when opening a new room.
func (s *Sync) DefaultRoomParams() map[string]string {
	params := map[string]string{}
	if a := s.store.State().TriggerAgent; a != nil && a.ID != "" {
		params["agentId"] = a.ID
	}
	return params
}

type noopParent struct{}

func (noopParent) Call(string, ...any) {}

type noopCookies struct{}

func (noopCookies) SetCookies(string, string) error { return nil }

type storeNavigator struct{ st *store.Store }

func (n storeNavigator) Navigate(path string) {
	n.st.Update(func(st *store.State) { st.Route = path })
}
