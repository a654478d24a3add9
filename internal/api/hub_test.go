package api

import (
	"testing"

	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/rs/zerolog"
)

func newBareClient(h *Hub, driver string) *client {
	return &client{id: clientIDCounter.Add(1), hub: h, driver: driver, send: make(chan Message, 1)}
}

func TestHubSendAfterClose(t *testing.T) {
	h := NewHub(zerolog.Nop())
	cl := newBareClient(h, "ABC123")
	h.register(cl)

	if !h.send(cl, Message{Type: MessageTypePong}) {
		t.Fatal("Expected pong queued for a registered client")
	}
	<-cl.send

	h.Close()
	if h.send(cl, Message{Type: MessageTypePong}) {
		t.Error("Expected no send to a closed client")
	}
	h.Publish(monitor.Change{Driver: "ABC123", SlotID: "1"})

	late := newBareClient(h, "")
	h.register(late)
	if _, ok := <-late.send; ok {
		t.Error("Expected a client registering after Close to be closed")
	}
	if h.ClientCount() != 0 {
		t.Errorf("Expected no clients, got %d", h.ClientCount())
	}
}

func TestHubFiltersByDriver(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()
	mine := newBareClient(h, "ABC123")
	all := newBareClient(h, "")
	h.register(mine)
	h.register(all)

	h.Publish(monitor.Change{Driver: "XYZ789", SlotID: "2"})
	if len(mine.send) != 0 || len(all.send) != 1 {
		t.Errorf("Expected only the unfiltered client to receive, got %d and %d", len(mine.send), len(all.send))
	}
}
