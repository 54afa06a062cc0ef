package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/store"
)

const (
	collRoomMessages = "stream-room-messages"
	collNotifyRoom   = "stream-notify-room"
	collLivechatRoom = "stream-livechat-room"

	writeWait   = 10 * time.Second
	connectWait = 10 * time.Second
)

type frame struct {
	Msg        string          `json:"msg"`
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Params     []any           `json:"params,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     *eventFields    `json:"fields,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type eventFields struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

type livechatRoomEvent struct {
	Type   string       `json:"type"`
	Data   *store.Agent `json:"data,omitempty"`
	Status string       `json:"status,omitempty"`
}

type streamState struct {
	writeMu sync.Mutex

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
	subs map[string]string // "collection|event" -> sub id

	onMessage   []func(store.Message)
	onTyping    []func(username string, typing bool)
	agentChange map[string][]func(store.Agent)
	agentStatus map[string][]func(status string)
}

func newStreamState() streamState {
	return streamState{
		subs:        map[string]string{},
		agentChange: map[string][]func(store.Agent){},
		agentStatus: map[string][]func(string){},
	}
}

// Connect opens the stream websocket and completes the DDP handshake.
// Stream handlers run on a single reader goroutine in arrival order.
func (c *Client) Connect(ctx context.Context) error {
	s := &c.stream
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame{Msg: "connect", Version: "1", Support: []string{"1"}}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ddp connect: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(connectWait))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			_ = conn.Close()
			return fmt.Errorf("ddp handshake: %w", err)
		}
		if f.Msg == "connected" {
			break
		}
		if f.Msg == "failed" {
			_ = conn.Close()
			return fmt.Errorf("ddp handshake: server refused protocol version")
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go c.readLoop(conn, done)
	log.Info().Str("url", c.streamURL()).Msg("[api] stream connected")
	return nil
}

// Close tears down the stream connection. Registered handlers are kept.
func (c *Client) Close() error {
	s := &c.stream
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn = nil
	s.subs = map[string]string{}
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	err := conn.Close()
	<-done
	return err
}

// Done is closed when the current stream connection ends.
func (c *Client) Done() <-chan struct{} {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	if c.stream.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.stream.done
}

func (c *Client) SubscribeRoom(ctx context.Context, rid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.subscribe(collRoomMessages, rid); err != nil {
		return err
	}
	return c.subscribe(collNotifyRoom, rid+"/typing")
}

// UnsubscribeAll drops every stream subscription and the room-level
// agent handlers. Message and typing handlers stay registered.
func (c *Client) UnsubscribeAll() {
	s := &c.stream
	s.mu.Lock()
	conn := s.conn
	subs := s.subs
	s.subs = map[string]string{}
	s.agentChange = map[string][]func(store.Agent){}
	s.agentStatus = map[string][]func(string){}
	s.mu.Unlock()

	if conn == nil {
		return
	}
	for key, id := range subs {
		if err := c.write(conn, frame{Msg: "unsub", ID: id}); err != nil {
			log.Debug().Err(err).Str("sub", key).Msg("[api] unsub")
		}
	}
}

func (c *Client) OnMessage(fn func(store.Message)) {
	c.stream.mu.Lock()
	c.stream.onMessage = append(c.stream.onMessage, fn)
	c.stream.mu.Unlock()
}

func (c *Client) OnTyping(fn func(username string, typing bool)) {
	c.stream.mu.Lock()
	c.stream.onTyping = append(c.stream.onTyping, fn)
	c.stream.mu.Unlock()
}

func (c *Client) OnAgentChange(rid string, fn func(store.Agent)) {
	c.stream.mu.Lock()
	c.stream.agentChange[rid] = append(c.stream.agentChange[rid], fn)
	c.stream.mu.Unlock()
	if err := c.subscribe(collLivechatRoom, rid); err != nil {
		log.Warn().Err(err).Str("rid", rid).Msg("[api] subscribe livechat room")
	}
}

func (c *Client) OnAgentStatusChange(rid string, fn func(status string)) {
	c.stream.mu.Lock()
	c.stream.agentStatus[rid] = append(c.stream.agentStatus[rid], fn)
	c.stream.mu.Unlock()
	if err := c.subscribe(collLivechatRoom, rid); err != nil {
		log.Warn().Err(err).Str("rid", rid).Msg("[api] subscribe livechat room")
	}
}

func (c *Client) subscribe(collection, event string) error {
	s := &c.stream
	key := collection + "|" + event
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		return nil
	}
	id := uuid.NewString()
	s.subs[key] = id
	s.mu.Unlock()

	params := []any{event, map[string]any{
		"useCollection": false,
		"args":          []any{map[string]string{"token": c.Token()}},
	}}
	if err := c.write(conn, frame{Msg: "sub", ID: id, Name: collection, Params: params}); err != nil {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.stream.writeMu.Lock()
	defer c.stream.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.stream.mu.Lock()
		if c.stream.conn == conn {
			c.stream.conn = nil
			c.stream.subs = map[string]string{}
		}
		c.stream.mu.Unlock()
		_ = conn.Close()
		close(done)
	}()
	conn.SetReadLimit(4 << 20)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("[api] stream read")
			return
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			log.Debug().Err(err).Msg("[api] bad stream frame")
			continue
		}
		switch f.Msg {
		case "ping":
			if err := c.write(conn, frame{Msg: "pong", ID: f.ID}); err != nil {
				return
			}
		case "changed":
			c.route(f)
		case "nosub", "error":
			log.Warn().Str("msg", f.Msg).Str("id", f.ID).RawJSON("error", nonEmptyJSON(f.Error)).Msg("[api] stream error")
		}
	}
}

func (c *Client) route(f frame) {
	if f.Fields == nil {
		return
	}
	s := &c.stream
	ev := f.Fields
	switch f.Collection {
	case collRoomMessages:
		s.mu.Lock()
		handlers := append([]func(store.Message){}, s.onMessage...)
		s.mu.Unlock()
		for _, raw := range ev.Args {
			var m store.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				log.Debug().Err(err).Msg("[api] bad message event")
				continue
			}
			for _, h := range handlers {
				h(m)
			}
		}
	case collNotifyRoom:
		if !strings.HasSuffix(ev.EventName, "/typing") || len(ev.Args) < 2 {
			return
		}
		var username string
		var typing bool
		if json.Unmarshal(ev.Args[0], &username) != nil || json.Unmarshal(ev.Args[1], &typing) != nil {
			return
		}
		s.mu.Lock()
		handlers := append([]func(string, bool){}, s.onTyping...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(username, typing)
		}
	case collLivechatRoom:
		rid := ev.EventName
		for _, raw := range ev.Args {
			var e livechatRoomEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			switch e.Type {
			case "agentData":
				if e.Data == nil {
					continue
				}
				s.mu.Lock()
				handlers := append([]func(store.Agent){}, s.agentChange[rid]...)
				s.mu.Unlock()
				for _, h := range handlers {
					h(*e.Data)
				}
			case "agentStatus":
				s.mu.Lock()
				handlers := append([]func(string){}, s.agentStatus[rid]...)
				s.mu.Unlock()
				for _, h := range handlers {
					h(e.Status)
				}
			}
		}
	}
}

func nonEmptyJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
