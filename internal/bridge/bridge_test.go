package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/queen/internal/message"
)

func TestHubStartStop(t *testing.T) {
	hub, err := NewHub(HubConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer hub.Close()

	if hub.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	if hub.Port() == 0 {
		t.Fatal("expected a resolved non-zero port")
	}
}

func TestPeerPublishRelayCrossesHub(t *testing.T) {
	hub, err := NewHub(HubConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer hub.Close()

	sender, err := DialHub(hub)
	if err != nil {
		t.Fatalf("DialHub (sender): %v", err)
	}
	defer sender.Close()

	receiver, err := DialHub(hub)
	if err != nil {
		t.Fatalf("DialHub (receiver): %v", err)
	}
	defer receiver.Close()

	received := make(chan json.RawMessage, 1)
	if _, err := receiver.SubscribeRelay("swarm-1", func(raw json.RawMessage) {
		received <- raw
	}); err != nil {
		t.Fatalf("SubscribeRelay: %v", err)
	}

	env := message.Envelope{
		Msg: "relay: done",
		Data: message.Data{
			Type: message.TypeRelay,
			From: "coord",
			Relay: &message.Relay{
				Event: message.RelayDone,
				Name:  "a1",
				Role:  "agent",
				Swarm: "swarm-1",
			},
		},
	}
	if err := sender.PublishRelay("swarm-1", env); err != nil {
		t.Fatalf("PublishRelay: %v", err)
	}
	if err := sender.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case raw := <-received:
		got, err := message.Decode(raw)
		if err != nil {
			t.Fatalf("decode relayed envelope: %v", err)
		}
		if got.Data.Relay == nil || got.Data.Relay.Name != "a1" {
			t.Errorf("relayed envelope = %+v, want relay for a1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for cross-hub relay")
	}
}

func TestRelaySubjectIsScopedPerSwarm(t *testing.T) {
	if got := RelaySubject("abcd"); got != "swarm.abcd.relay" {
		t.Errorf("RelaySubject = %q", got)
	}
	if RelaySubject("one") == RelaySubject("two") {
		t.Error("expected distinct swarms to use distinct subjects")
	}
}

func TestSubscribersOnDifferentSwarmsDoNotCrossTalk(t *testing.T) {
	hub, err := NewHub(HubConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer hub.Close()

	sender, err := DialHub(hub)
	if err != nil {
		t.Fatalf("DialHub: %v", err)
	}
	defer sender.Close()
	receiver, err := DialHub(hub)
	if err != nil {
		t.Fatalf("DialHub: %v", err)
	}
	defer receiver.Close()

	received := make(chan json.RawMessage, 1)
	if _, err := receiver.SubscribeRelay("swarm-A", func(raw json.RawMessage) {
		received <- raw
	}); err != nil {
		t.Fatalf("SubscribeRelay: %v", err)
	}

	if err := sender.PublishRelay("swarm-B", message.Envelope{Data: message.Data{Type: message.TypeRelay}}); err != nil {
		t.Fatalf("PublishRelay: %v", err)
	}
	if err := sender.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case <-received:
		t.Fatal("swarm-A subscriber should never see swarm-B traffic")
	case <-time.After(200 * time.Millisecond):
		// expected: no cross-talk
	}
}
