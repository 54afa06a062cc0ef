// Package hooks executes commands sent by the page hosting the widget.
//
// A frame is accepted only when its data is an object tagged with the
// trusted source; it names a registered command and carries its
// arguments. Anything else is dropped without a reply.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/metrics"
	"github.com/gosuda/portal-livechat/livechat/store"
)

// DefaultSource is the source tag trusted frames carry.
const DefaultSource = "rocketchat"

// Event is one frame delivered by the hosting page.
type Event struct {
	Data json.RawMessage `json:"data"`
}

type payload struct {
	Src  *string         `json:"src"`
	Fn   string          `json:"fn"`
	Args json.RawMessage `json:"args"`
}

// Target delivers frames to registered listeners.
type Target interface {
	AddListener(fn func(Event)) (remove func())
}

// Backend is the subset of the livechat backend the commands use.
type Backend interface {
	GrantVisitor(ctx context.Context, guest store.Guest) (*store.User, error)
	SendVisitorNavigation(ctx context.Context, nav api.Navigation) error
	SendCustomField(ctx context.Context, f api.CustomField) error
}

type ConfigLoader interface {
	LoadConfig(ctx context.Context) error
}

type Parent interface {
	Call(fn string, args ...any)
}

// Command runs one hosting page request.
type Command func(ctx context.Context, args []json.RawMessage) error

type Options struct {
	// Source overrides DefaultSource.
	Source string
	Parent Parent
	// NewToken creates visitor tokens for registerGuest.
	NewToken func() string
	// OnURLChange receives page visits that changed the URL.
	OnURLChange func(api.PageInfo)
	// OnLanguage is told about language switches.
	OnLanguage func(language string)
}

// Dispatcher maps trusted frames to commands. It is meant to be created
// once per widget; Init and Reset control its listener registration.
type Dispatcher struct {
	ctx     context.Context
	src     string
	store   *store.Store
	backend Backend
	loader  ConfigLoader
	parent  Parent
	fields  *CustomFields

	newToken    func() string
	onURLChange func(api.PageInfo)
	onLanguage  func(string)

	mu      sync.Mutex
	started bool
	remove  func()

	cmdMu    sync.RWMutex
	commands map[string]Command

	wg sync.WaitGroup
}

func New(ctx context.Context, st *store.Store, backend Backend, loader ConfigLoader, opts Options) *Dispatcher {
	d := &Dispatcher{
		ctx:         ctx,
		src:         opts.Source,
		store:       st,
		backend:     backend,
		loader:      loader,
		parent:      opts.Parent,
		fields:      NewCustomFields(st, backend),
		newToken:    opts.NewToken,
		onURLChange: opts.OnURLChange,
		onLanguage:  opts.OnLanguage,
		commands:    map[string]Command{},
	}
	if d.src == "" {
		d.src = DefaultSource
	}
	if d.parent == nil {
		d.parent = noopParent{}
	}
	if d.newToken == nil {
		d.newToken = uuid.NewString
	}
	d.registerBuiltins()
	return d
}

// Init starts listening on target. Calls while already started are no-ops.
func (d *Dispatcher) Init(target Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.fields.Init(d.ctx)
	d.remove = target.AddListener(d.Deliver)
	log.Debug().Str("src", d.src).Msg("[hooks] listening")
}

// Reset stops listening so Init can be called again.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	if d.remove != nil {
		d.remove()
		d.remove = nil
	}
	d.fields.Reset()
}

func (d *Dispatcher) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Register adds or replaces a command.
func (d *Dispatcher) Register(name string, cmd Command) {
	d.cmdMu.Lock()
	d.commands[name] = cmd
	d.cmdMu.Unlock()
}

// Wait blocks until background guest updates have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Deliver runs the command named by a trusted frame. Malformed or
// untrusted frames and unknown commands are ignored.
func (d *Dispatcher) Deliver(ev Event) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 || data[0] != '{' {
		metrics.FramesRejected.WithLabelValues("malformed").Inc()
		return
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		metrics.FramesRejected.WithLabelValues("malformed").Inc()
		return
	}
	if p.Src == nil || *p.Src != d.src {
		metrics.FramesRejected.WithLabelValues("untrusted").Inc()
		return
	}

	d.cmdMu.RLock()
	cmd, ok := d.commands[p.Fn]
	d.cmdMu.RUnlock()
	if !ok {
		metrics.FramesRejected.WithLabelValues("unknown_fn").Inc()
		return
	}

	metrics.CommandsDispatched.WithLabelValues(p.Fn).Inc()
	if err := cmd(d.ctx, splitArgs(p.Args)); err != nil {
		log.Warn().Err(err).Str("fn", p.Fn).Msg("[hooks] command failed")
	}
}

// splitArgs turns the args field into positional arguments. A missing
// value means none; a non-array value is a single argument.
func splitArgs(raw json.RawMessage) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '[' {
		return []json.RawMessage{raw}
	}
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

// arg decodes the i-th argument. ok is false when it is missing or has
// the wrong shape.
func arg[T any](args []json.RawMessage, i int) (v T, ok bool) {
	if i >= len(args) {
		return v, false
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, false
	}
	return v, true
}

type noopParent struct{}

func (noopParent) Call(string, ...any) {}
