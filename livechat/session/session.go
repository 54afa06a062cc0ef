// Package session persists the visitor's room cookie pair so a restarted
// widget can resume the conversation.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Cookie names written for the active room.
const (
	CookieRoom     = "rc_rid"
	CookieToken    = "rc_token"
	CookieRoomType = "rc_room_type"

	// RoomTypeLivechat is the room type stored with every session.
	RoomTypeLivechat = "l"
)

const opTimeout = 5 * time.Second

// Cookies is the persisted session pair. Missing values are empty.
type Cookies struct {
	RID      string `json:"rid"`
	Token    string `json:"token"`
	RoomType string `json:"roomType"`
}

// Store keeps the cookies of one widget.
type Store interface {
	SetCookies(rid, token string) error
	Load() (Cookies, error)
	Close() error
}

type Options struct {
	// RedisURL selects the Redis store when set.
	RedisURL string
	// DataPath selects the Pebble store when set and RedisURL is empty.
	DataPath string
	// Namespace separates widgets sharing one Redis database.
	Namespace string
}

// Open returns the store selected by opts, falling back to memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch {
	case opts.RedisURL != "":
		s, err := OpenRedis(ctx, opts.RedisURL, opts.Namespace)
		if err != nil {
			return nil, fmt.Errorf("open redis session store: %w", err)
		}
		log.Info().Str("namespace", s.prefix).Msg("[session] using redis")
		return s, nil
	case opts.DataPath != "":
		s, err := OpenPebble(opts.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open pebble session store: %w", err)
		}
		log.Info().Str("path", opts.DataPath).Msg("[session] using pebble")
		return s, nil
	default:
		log.Info().Msg("[session] using memory")
		return NewMemory(), nil
	}
}

// Memory keeps the cookies in process memory.
type Memory struct {
	mu      sync.RWMutex
	cookies Cookies
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) SetCookies(rid, token string) error {
	m.mu.Lock()
	m.cookies = Cookies{RID: rid, Token: token, RoomType: RoomTypeLivechat}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load() (Cookies, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cookies, nil
}

func (m *Memory) Close() error { return nil }
