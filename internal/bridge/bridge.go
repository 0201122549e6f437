// Package bridge is the optional cross-host extension (C9): an embedded
// NATS broker (Hub) and client (Peer) that carry relay envelopes across a
// host boundary. It is strictly additive to the local channel group — a
// queen with no configured peers never touches this package, and the
// bridge only ever carries relay traffic, never register/instruct/done.
package bridge

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// HubConfig configures the embedded broker a queen can optionally start
// to accept relay traffic from peer queens on other hosts.
type HubConfig struct {
	// Port is the TCP port to listen on; 0 picks a random free port
	// (used by tests).
	Port int
	// DataDir backs JetStream storage; required for durable delivery,
	// unused by the at-most-once relay passthrough this package carries
	// today but kept so a future durable subject can opt in without a
	// Hub API change.
	DataDir string
}

// Hub is an embedded NATS server a queen runs so peer queens on other
// hosts can relay envelopes to it.
type Hub struct {
	server *natsserver.Server
	port   int
}

// NewHub starts an embedded broker and blocks until it is ready to accept
// connections or 5 seconds elapse.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("bridge: create data dir: %w", err)
		}
	}

	opts := &natsserver.Options{
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: cfg.DataDir != "",
		StoreDir:  cfg.DataDir,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bridge: create server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("bridge: server not ready")
	}

	return &Hub{
		server: srv,
		port:   srv.Addr().(*net.TCPAddr).Port,
	}, nil
}

// ClientURL is the URL a Peer on this same host connects to.
func (h *Hub) ClientURL() string {
	return h.server.ClientURL()
}

// Port returns the bound listen port, useful when HubConfig.Port was 0.
func (h *Hub) Port() int {
	return h.port
}

// Close shuts the broker down and waits for it to finish.
func (h *Hub) Close() {
	h.server.Shutdown()
	h.server.WaitForShutdown()
}

// RelaySubject is the NATS subject one swarm's cross-host relay traffic
// is carried on.
func RelaySubject(swarmID string) string {
	return fmt.Sprintf("swarm.%s.relay", swarmID)
}

// Peer is a NATS client publishing and subscribing to relay subjects on
// a Hub, local or remote.
type Peer struct {
	conn *nats.Conn
}

// DialHub connects a Peer to a Hub running in this same process.
func DialHub(h *Hub) (*Peer, error) {
	return Dial(h.ClientURL())
}

// Dial connects a Peer to a Hub at url, local or remote.
func Dial(url string) (*Peer, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", url, err)
	}
	return &Peer{conn: conn}, nil
}

// PublishRelay publishes env on swarmID's relay subject, crossing the
// host boundary to any Hub this Peer is connected to.
func (p *Peer) PublishRelay(swarmID string, env any) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge: marshal relay envelope: %w", err)
	}
	return p.conn.Publish(RelaySubject(swarmID), data)
}

// SubscribeRelay invokes fn for every relay envelope published on
// swarmID's subject by any peer, including ones on remote hosts.
func (p *Peer) SubscribeRelay(swarmID string, fn func(raw json.RawMessage)) (*nats.Subscription, error) {
	return p.conn.Subscribe(RelaySubject(swarmID), func(msg *nats.Msg) {
		fn(msg.Data)
	})
}

// Flush blocks until all buffered publishes have been sent to the
// server, used by tests that need a publish to be visible before
// asserting on it.
func (p *Peer) Flush() error {
	return p.conn.Flush()
}

// Close disconnects the peer.
func (p *Peer) Close() {
	p.conn.Close()
}
