package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// Pebble stores each cookie under its own key.
type Pebble struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*Pebble, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(dir, "session"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) SetCookies(rid, token string) error {
	b := p.db.NewBatch()
	defer b.Close()
	for k, v := range map[string]string{
		CookieRoom:     rid,
		CookieToken:    token,
		CookieRoomType: RoomTypeLivechat,
	} {
		if err := b.Set([]byte(k), []byte(v), nil); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit cookies: %w", err)
	}
	return nil
}

func (p *Pebble) Load() (Cookies, error) {
	var c Cookies
	for k, dst := range map[string]*string{
		CookieRoom:     &c.RID,
		CookieToken:    &c.Token,
		CookieRoomType: &c.RoomType,
	} {
		v, err := p.get(k)
		if err != nil {
			return Cookies{}, err
		}
		*dst = v
	}
	return c, nil
}

func (p *Pebble) get(key string) (string, error) {
	data, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	return string(data), nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
