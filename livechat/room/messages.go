package room

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/metrics"
	"github.com/gosuda/portal-livechat/livechat/store"
)

const morePageStep = 10

// HandleMessage merges a streamed message into the store and runs its
// side effects. Messages the normalizer rejects are dropped silently.
func (s *Sync) HandleMessage(ctx context.Context, m store.Message) error {
	m, ok := s.normalize(m)
	if !ok {
		metrics.MessagesReceived.WithLabelValues("dropped").Inc()
		return nil
	}
	s.store.Update(func(st *store.State) {
		st.Messages = store.Upsert(st.Messages, m)
	})
	metrics.MessagesReceived.WithLabelValues("stored").Inc()

	if err := s.processMessage(ctx, m); err != nil {
		return err
	}
	if !m.CanRender() || m.Edited() {
		return nil
	}
	s.processUnread()
	s.playSound(m)
	return nil
}

func (s *Sync) processMessage(ctx context.Context, m store.Message) error {
	switch m.T {
	case store.TypeLivechatClose:
		// the message is still counted and announced when closing fails
		if err := s.CloseChat(ctx); err != nil {
			log.Warn().Err(err).Str("id", m.ID).Msg("[room] close chat")
		}
	case store.TypeCommand:
		if _, err := s.commands.Run(ctx, m.Msg); err != nil {
			return fmt.Errorf("command %q: %w", m.Msg, err)
		}
	}
	return nil
}

// processUnread counts rendered messages after the last read marker
// while the widget is out of sight.
func (s *Sync) processUnread() {
	st := s.store.Update(func(st *store.State) {
		if !st.Minimized && st.Visible {
			return
		}
		last := -1
		rendered := 0
		for _, m := range st.Messages {
			if !m.CanRender() {
				continue
			}
			if m.ID == st.LastReadMessageID {
				last = rendered
			}
			rendered++
		}
		st.Unread = rendered - (last + 1)
	})
	metrics.UnreadMessages.Set(float64(st.Unread))
}

func (s *Sync) playSound(m store.Message) {
	s.store.Update(func(st *store.State) {
		if !st.Sound.Enabled {
			return
		}
		if st.User != nil && m.U != nil && m.U.ID == st.User.ID {
			return
		}
		st.Sound.Play = true
	})
}

// HandleTyping tracks who is typing in the active room. The local user
// is never added and repeated events leave the set unchanged.
func (s *Sync) HandleTyping(username string, typing bool) {
	s.store.Update(func(st *store.State) {
		if st.User != nil && st.User.Username != "" && st.User.Username == username {
			return
		}
		present := slices.Contains(st.Typing, username)
		switch {
		case typing && !present:
			st.Typing = append(slices.Clone(st.Typing), username)
		case !typing && present:
			st.Typing = slices.DeleteFunc(slices.Clone(st.Typing), func(u string) bool { return u == username })
		}
	})
}

// LoadMessages replaces the conversation with the room history and
// (re)initializes the room subscriptions. Without an active room it
// returns immediately and leaves the store untouched.
func (s *Sync) LoadMessages(ctx context.Context) error {
	rid := s.store.State().RoomID()
	if rid == "" {
		return nil
	}

	s.store.Update(func(st *store.State) { st.Loading = true })
	raw, err := s.backend.LoadMessages(ctx, rid, 0)
	if err != nil {
		return fmt.Errorf("load messages for %s: %w", rid, err)
	}
	msgs := s.normalizeAll(raw)
	if err := s.InitRoom(ctx); err != nil {
		return err
	}

	// history arrives newest first
	slices.Reverse(msgs)
	s.store.Update(func(st *store.State) {
		st.Messages = msgs
		st.NoMoreMessages = false
	})
	s.store.Update(func(st *store.State) { st.Loading = false })
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1].ID
		s.store.Update(func(st *store.State) { st.LastReadMessageID = last })
	}
	metrics.HistoryLoads.WithLabelValues("initial").Inc()
	return nil
}

// LoadMoreMessages widens the history window by one page. It stops once
// the backend returns fewer messages than requested.
func (s *Sync) LoadMoreMessages(ctx context.Context) error {
	st := s.store.State()
	rid := st.RoomID()
	if rid == "" || st.NoMoreMessages {
		return nil
	}

	s.store.Update(func(st *store.State) { st.Loading = true })
	limit := len(st.Messages) + morePageStep
	raw, err := s.backend.LoadMessages(ctx, rid, limit)
	if err != nil {
		return fmt.Errorf("load more messages for %s: %w", rid, err)
	}
	msgs := s.normalizeAll(raw)
	slices.Reverse(msgs)
	s.store.Update(func(st *store.State) {
		st.Messages = msgs
		st.NoMoreMessages = limit > len(raw)
	})
	s.store.Update(func(st *store.State) { st.Loading = false })
	metrics.HistoryLoads.WithLabelValues("more").Inc()
	return nil
}

func (s *Sync) normalizeAll(raw []store.Message) []store.Message {
	out := make([]store.Message, 0, len(raw))
	for _, m := range raw {
		if n, ok := s.normalize(m); ok {
			out = append(out, n)
		}
	}
	return out
}
