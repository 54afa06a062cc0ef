package room

import (
	"context"
	"sync"
)

// Command is a local action a backend "command" message can trigger.
type Command func(ctx context.Context) error

// Commands is the table of locally registered commands.
type Commands struct {
	mu sync.RWMutex
	m  map[string]Command
}

func NewCommands() *Commands {
	return &Commands{m: map[string]Command{}}
}

func (c *Commands) Register(name string, cmd Command) {
	c.mu.Lock()
	c.m[name] = cmd
	c.mu.Unlock()
}

func (c *Commands) registerDefault(name string, cmd Command) {
	c.mu.Lock()
	if _, ok := c.m[name]; !ok {
		c.m[name] = cmd
	}
	c.mu.Unlock()
}

// Run invokes the named command. Unknown names are a no-op and report false.
func (c *Commands) Run(ctx context.Context, name string) (bool, error) {
	c.mu.RLock()
	cmd, ok := c.m[name]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, cmd(ctx)
}
