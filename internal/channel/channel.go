// Package channel implements a named fan-out bus: one listener on a local
// Unix domain stream socket, any number of connected clients, broadcasting
// every inbound message to all other connected clients.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/mtzanidakis/queen/internal/transport"
)

// ErrAlreadyStarted is returned by Start when the socket path already
// exists and was not cleaned up by the caller first.
var ErrAlreadyStarted = errors.New("channel: socket path already exists")

// sendBufferSize bounds how many framed messages can queue for a single
// slow client before further sends to it are dropped.
const sendBufferSize = 64

// Channel is a named fan-out bus backed by a listener on
// <groupDir>/<name>.sock.
type Channel struct {
	Name string
	Path string

	mu      sync.Mutex
	ln      net.Listener
	clients map[*Client]struct{}
	nextID  uint64
	log     *slog.Logger
}

// New creates a Channel bound to path once Start is called.
func New(name, path string) *Channel {
	return &Channel{
		Name:    name,
		Path:    path,
		clients: make(map[*Client]struct{}),
		log:     slog.Default().With("channel", name),
	}
}

// Start binds and listens on the channel's socket path. It fails if the
// path already exists; callers must remove stale sockets first.
func (ch *Channel) Start() error {
	if _, err := os.Stat(ch.Path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, ch.Path)
	}

	ln, err := net.Listen("unix", ch.Path)
	if err != nil {
		return fmt.Errorf("channel %s: listen: %w", ch.Name, err)
	}

	ch.mu.Lock()
	ch.ln = ln
	ch.mu.Unlock()

	go ch.acceptLoop(ln)
	return nil
}

// Stop closes every connected client, unlinks the socket, and optionally
// removes the parent directory.
func (ch *Channel) Stop(removeDir bool) error {
	ch.mu.Lock()
	ln := ch.ln
	ch.ln = nil
	clients := make([]*Client, 0, len(ch.clients))
	for c := range ch.clients {
		clients = append(clients, c)
	}
	ch.clients = make(map[*Client]struct{})
	ch.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range clients {
		c.disconnectLocal()
	}
	_ = os.Remove(ch.Path)

	if removeDir {
		return os.RemoveAll(dirOf(ch.Path))
	}
	return nil
}

func dirOf(path string) string {
	idx := len(path)
	for idx > 0 && path[idx-1] != '/' {
		idx--
	}
	if idx == 0 {
		return "."
	}
	return path[:idx-1]
}

func (ch *Channel) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch.mu.Lock()
		ch.nextID++
		id := ch.nextID
		ch.mu.Unlock()

		c := &Client{
			id:         id,
			channel:    ch,
			serverSide: true,
			conn:       conn,
			dec:        transport.NewDecoder(transport.ModeLengthPrefixed),
			send:       make(chan []byte, sendBufferSize),
			done:       make(chan struct{}),
		}
		ch.mu.Lock()
		ch.clients[c] = struct{}{}
		ch.mu.Unlock()

		go c.writeLoop()
		go c.readLoop()
	}
}

// broadcast fans msg out to every client other than from. Called from a
// server-side client's readLoop once a frame decodes, and from Send when
// a server-side client (rather than its peer's readLoop) originates a
// message locally. Delivery is best-effort: a client whose send buffer
// is full is skipped rather than blocking the whole fan-out.
func (ch *Channel) broadcast(from *Client, frame []byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for c := range ch.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- frame:
		default:
			ch.log.Warn("dropping message, receiver buffer full", "client_id", c.id)
		}
	}
}

func (ch *Channel) remove(c *Client) {
	ch.mu.Lock()
	delete(ch.clients, c)
	ch.mu.Unlock()
}

// Client is a connection accepted by a Channel's listener, representing
// one fan-out participant.
type Client struct {
	id         uint64
	channel    *Channel
	serverSide bool
	conn       net.Conn
	dec        *transport.Decoder
	send       chan []byte

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	onMessage func(json.RawMessage)
	onError   func(error)
}

// OnMessage registers the handler invoked for every frame broadcast to
// this client. Only one handler is kept; later calls replace it.
func (c *Client) OnMessage(fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnError registers the handler invoked when the connection fails.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Connected reports whether the underlying connection is still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send frames v and delivers it to every other connected client on this
// channel. An accepted (server-side) client fans out in-process; a
// dialed client writes the frame over the wire for the remote listener
// to fan out on its behalf.
func (c *Client) Send(v any) error {
	frame, err := transport.Encode(transport.ModeLengthPrefixed, v)
	if err != nil {
		return err
	}
	if c.serverSide {
		c.channel.broadcast(c, frame)
		return nil
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("channel: send buffer full")
	}
}

// Disconnect closes this client's connection.
func (c *Client) Disconnect() {
	c.disconnectLocal()
	if c.serverSide {
		c.channel.remove(c)
	}
}

func (c *Client) disconnectLocal() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if _, err := c.conn.Write(frame); err != nil {
				c.fireError(err)
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		if c.serverSide {
			c.channel.remove(c)
		}
		c.disconnectLocal()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, decErr := c.dec.Push(buf[:n])
			for _, m := range msgs {
				if c.serverSide {
					if frame, encErr := transport.Encode(transport.ModeLengthPrefixed, m); encErr == nil {
						c.channel.broadcast(c, frame)
					} else {
						c.fireError(encErr)
					}
				}
				c.fireMessage(m)
			}
			if decErr != nil {
				c.fireError(decErr)
				return
			}
		}
		if err != nil {
			if closeErr := c.dec.Close(); closeErr != nil {
				c.fireError(closeErr)
			}
			return
		}
	}
}

func (c *Client) fireMessage(m json.RawMessage) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (c *Client) fireError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Connect dials an existing channel socket at path and returns a client
// handle wired the same way an accepted server-side client is.
func Connect(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", path, err)
	}

	c := &Client{
		conn: conn,
		dec:  transport.NewDecoder(transport.ModeLengthPrefixed),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}
