// Package channelgroup implements a set of named channels sharing a
// directory, with atomic start/stop and directory cleanup.
package channelgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mtzanidakis/queen/internal/channel"
)

// ErrGroupStartFailed is returned by Start when any channel in the group
// fails to bind; already-started channels are stopped before returning.
var ErrGroupStartFailed = errors.New("channelgroup: start failed")

// Spec describes one channel to create within the group.
type Spec struct {
	Name string
}

// Group is a set of named channels rooted at a single directory.
type Group struct {
	Path string

	mu       sync.Mutex
	channels map[string]*channel.Channel
	started  bool
}

// New creates a Group at path with one Channel per entry in specs. No
// filesystem or socket operations happen until Start is called.
func New(path string, specs []Spec) *Group {
	g := &Group{
		Path:     path,
		channels: make(map[string]*channel.Channel, len(specs)),
	}
	for _, s := range specs {
		g.channels[s.Name] = channel.New(s.Name, filepath.Join(path, s.Name+".sock"))
	}
	return g
}

// Start creates the group directory (mode 0o700) and starts every
// channel. If any channel fails to bind, every channel started so far is
// stopped and the directory is removed before ErrGroupStartFailed is
// returned.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := os.MkdirAll(g.Path, 0o700); err != nil {
		return fmt.Errorf("channelgroup: create dir: %w", err)
	}

	started := make([]*channel.Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		if err := ch.Start(); err != nil {
			for _, s := range started {
				_ = s.Stop(false)
			}
			_ = os.RemoveAll(g.Path)
			return fmt.Errorf("%w: %s: %v", ErrGroupStartFailed, ch.Name, err)
		}
		started = append(started, ch)
	}

	g.started = true
	return nil
}

// Stop stops every channel in the group and optionally removes the
// group directory. Channels are stopped without waiting on each other;
// the directory is only removed after all have returned.
func (g *Group) Stop(removeDir bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return nil
	}

	var wg sync.WaitGroup
	for _, ch := range g.channels {
		wg.Add(1)
		go func(c *channel.Channel) {
			defer wg.Done()
			_ = c.Stop(false)
		}(ch)
	}
	wg.Wait()

	g.started = false

	if removeDir {
		return os.RemoveAll(g.Path)
	}
	return nil
}

// Channel returns the named channel, or nil if no such channel was
// configured for this group.
func (g *Group) Channel(name string) *channel.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channels[name]
}

// SocketPath returns the socket path a client would dial to join the
// named channel.
func (g *Group) SocketPath(name string) string {
	return filepath.Join(g.Path, name+".sock")
}
