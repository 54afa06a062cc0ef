package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/bridge"
	"github.com/gosuda/portal-livechat/livechat/hooks"
	"github.com/gosuda/portal-livechat/livechat/room"
	"github.com/gosuda/portal-livechat/livechat/session"
	"github.com/gosuda/portal-livechat/livechat/store"
)

type widgetConfig struct {
	BackendURL string
	Source     string
	Token      string
	Session    session.Options
}

// widget owns one visitor's state and every component bound to it.
type widget struct {
	store    *store.Store
	client   *api.Client
	room     *room.Sync
	hooks    *hooks.Dispatcher
	hub      *bridge.Hub
	sessions session.Store
}

func newWidget(ctx context.Context, cfg widgetConfig) (*widget, error) {
	sessions, err := session.Open(ctx, cfg.Session)
	if err != nil {
		return nil, err
	}
	token, err := resolveToken(cfg.Token, sessions)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	client, err := api.New(cfg.BackendURL)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	initial := store.Initial()
	initial.Token = token
	st := store.New(initial)
	hub := bridge.New(cfg.Source)

	roomSync := room.New(st, client, room.Options{
		Parent:  hub,
		Cookies: sessions,
	})
	dispatcher := hooks.New(ctx, st, client, roomSync, hooks.Options{
		Source: cfg.Source,
		Parent: hub,
		OnLanguage: func(language string) {
			log.Info().Str("language", language).Msg("[livechat] language changed")
		},
	})

	return &widget{
		store:    st,
		client:   client,
		room:     roomSync,
		hooks:    dispatcher,
		hub:      hub,
		sessions: sessions,
	}, nil
}

// resolveToken prefers an explicit token, then the persisted session,
// and generates a fresh one otherwise.
func resolveToken(explicit string, sessions session.Store) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	cookies, err := sessions.Load()
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if cookies.Token != "" {
		log.Info().Str("rid", cookies.RID).Msg("[livechat] resuming session")
		return cookies.Token, nil
	}
	return uuid.NewString(), nil
}

// start connects the streams, loads the configuration and, when a room
// is already open, its history.
func (w *widget) start(ctx context.Context) error {
	if err := w.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	w.room.Register(ctx)
	if err := w.room.LoadConfig(ctx); err != nil {
		return err
	}
	if err := w.room.LoadMessages(ctx); err != nil {
		return err
	}
	w.hooks.Init(w.hub)
	log.Info().
		Str("token", w.store.State().Token).
		Str("rid", w.store.State().RoomID()).
		Msg("[livechat] widget ready")
	return nil
}

func (w *widget) close() {
	w.hooks.Reset()
	w.hub.CloseAll()
	w.hub.Wait()
	w.hooks.Wait()
	if err := w.client.Close(); err != nil {
		log.Debug().Err(err).Msg("[livechat] close stream")
	}
	if err := w.sessions.Close(); err != nil {
		log.Warn().Err(err).Msg("[livechat] close session store")
	}
}
