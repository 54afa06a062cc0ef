package hooks

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/store"
)

type fieldSender interface {
	SendCustomField(ctx context.Context, f api.CustomField) error
}

type pendingField struct {
	key       string
	value     string
	overwrite bool
}

// CustomFields holds custom fields set before a visitor exists and
// sends them once one is registered. Later writes to a queued key
// replace the earlier value.
type CustomFields struct {
	store  *store.Store
	sender fieldSender

	mu          sync.Mutex
	started     bool
	queue       []pendingField
	unsubscribe func()
}

func NewCustomFields(st *store.Store, sender fieldSender) *CustomFields {
	return &CustomFields{store: st, sender: sender}
}

// Init waits for a visitor and then flushes the queue.
func (c *CustomFields) Init(ctx context.Context) {
	var (
		once  sync.Once
		unsub func()
		ready = make(chan struct{})
	)
	unsub = c.store.Subscribe(func(st store.State) {
		if st.User == nil {
			return
		}
		once.Do(func() {
			<-ready
			unsub()
			c.start(ctx)
		})
	})
	c.mu.Lock()
	c.unsubscribe = unsub
	c.mu.Unlock()
	close(ready)

	if c.store.State().User != nil {
		once.Do(func() {
			unsub()
			c.start(ctx)
		})
	}
}

// Reset drops the subscription and any queued fields.
func (c *CustomFields) Reset() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.started = false
	c.queue = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Set sends a field right away when a visitor exists and queues it
// otherwise.
func (c *CustomFields) Set(ctx context.Context, key, value string, overwrite bool) error {
	c.mu.Lock()
	if !c.started {
		c.enqueue(pendingField{key: key, value: value, overwrite: overwrite})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.send(ctx, pendingField{key: key, value: value, overwrite: overwrite})
}

func (c *CustomFields) enqueue(f pendingField) {
	for i := range c.queue {
		if c.queue[i].key == f.key {
			c.queue[i] = f
			return
		}
	}
	c.queue = append(c.queue, f)
}

func (c *CustomFields) start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	queue := c.queue
	c.queue = nil
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, f := range queue {
		if err := c.send(ctx, f); err != nil {
			log.Warn().Err(err).Str("key", f.key).Msg("[hooks] send custom field")
		}
	}
}

func (c *CustomFields) send(ctx context.Context, f pendingField) error {
	return c.sender.SendCustomField(ctx, api.CustomField{
		Token:     c.store.State().Token,
		Key:       f.key,
		Value:     f.value,
		Overwrite: f.overwrite,
	})
}
