// Package notify implements the notification-buffering invariant: a
// lifecycle.Notifier that holds messages while an interactive overlay
// is open and drains them in order, 500ms apart, once it closes — plus
// an optional Telegram sink so swarm lifecycle events (crash reports,
// registration timeouts) can relay to a chat.
package notify

import (
	"sync"
	"time"
)

// Sink delivers a single notification to wherever it ultimately goes
// (a Telegram chat, a log line, a test spy).
type Sink interface {
	Notify(msg string)
}

const flushInterval = 500 * time.Millisecond

// Buffer sits in front of a Sink and satisfies lifecycle.Notifier. While
// muted, Notify calls queue up instead of reaching the sink; unmuting
// drains the queue one message per flushInterval tick so a sink that
// rate-limits (Telegram) never sees a burst.
type Buffer struct {
	sink Sink

	mu      sync.Mutex
	muted   bool
	queue   []string
	draining bool
}

func NewBuffer(sink Sink) *Buffer {
	return &Buffer{sink: sink}
}

// Notify queues msg if muted, otherwise delivers it immediately.
func (b *Buffer) Notify(msg string) {
	b.mu.Lock()
	if b.muted {
		b.queue = append(b.queue, msg)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.sink.Notify(msg)
}

// SetMuted toggles buffering. Muting takes effect immediately; unmuting
// starts (or leaves running) a drain loop that flushes the queue at
// flushInterval.
func (b *Buffer) SetMuted(muted bool) {
	b.mu.Lock()
	b.muted = muted
	shouldDrain := !muted && len(b.queue) > 0 && !b.draining
	if shouldDrain {
		b.draining = true
	}
	b.mu.Unlock()

	if shouldDrain {
		go b.drain()
	}
}

func (b *Buffer) drain() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		msg := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.sink.Notify(msg)
	}
}
