// Package bridge connects the hosting page to the widget over websockets.
//
// Every frame a page sends is handed to the registered listeners. Calls
// made by the widget are broadcast to every connected page as
// {src, fn, args} frames.
package bridge

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/hooks"
	"github.com/gosuda/portal-livechat/livechat/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxFrameSize   = 1 << 20
)

// Frame is a widget to page call.
type Frame struct {
	Src  string `json:"src"`
	Fn   string `json:"fn"`
	Args []any  `json:"args"`
}

type listener struct {
	id int
	fn func(hooks.Event)
}

type Hub struct {
	src      string
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*client]struct{}

	lmu       sync.RWMutex
	listeners []listener
	nextID    int

	wg sync.WaitGroup
}

func New(src string) *Hub {
	if src == "" {
		src = hooks.DefaultSource
	}
	return &Hub{
		src:   src,
		conns: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// AddListener registers fn for inbound frames. Listeners run on the
// reading connection's goroutine in registration order.
func (h *Hub) AddListener(fn func(hooks.Event)) (remove func()) {
	h.lmu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners = append(h.listeners, listener{id: id, fn: fn})
	h.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.lmu.Lock()
			h.listeners = slices.DeleteFunc(h.listeners, func(l listener) bool { return l.id == id })
			h.lmu.Unlock()
		})
	}
}

// Call broadcasts fn to every connected page. Args is always encoded as
// an array.
func (h *Hub) Call(fn string, args ...any) {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(Frame{Src: h.src, Fn: fn, Args: args})
	if err != nil {
		log.Error().Err(err).Str("fn", fn).Msg("[bridge] encode call")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.push(payload)
	}
}

// Connections reports the number of connected pages.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("[bridge] upgrade")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.BridgeConnections.Inc()
	log.Debug().Str("remote", r.RemoteAddr).Msg("[bridge] page connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer h.wg.Done()
		c.readLoop()
	}()
}

// CloseAll asks every connection to close.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// Wait blocks until every connection goroutine has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) deliver(data []byte) {
	h.lmu.RLock()
	fns := make([]func(hooks.Event), len(h.listeners))
	for i, l := range h.listeners {
		fns[i] = l.fn
	}
	h.lmu.RUnlock()

	ev := hooks.Event{Data: json.RawMessage(data)}
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		metrics.BridgeConnections.Dec()
	}
}
