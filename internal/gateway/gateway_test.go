package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stellarlinkco/impressiond/internal/bus"
	"github.com/stellarlinkco/impressiond/internal/config"
)

func newTestGateway(t *testing.T) (*Gateway, chan os.Signal) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "impressions.db")
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{SignalChan: sigCh})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	return g, sigCh
}

func TestGateway_InvalidConfigRejected(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "impressions.db")
	cfg.Update.Mode = "bogus"
	if _, err := NewWithOptions(cfg, Options{}); err == nil {
		t.Fatalf("want validation error")
	}
}

func TestGateway_IngestAndCommand(t *testing.T) {
	g, sigCh := newTestGateway(t)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	replies := make(chan bus.OutboundMessage, 1)
	g.bus.SubscribeOutbound("test", func(msg bus.OutboundMessage) {
		replies <- msg
	})

	now := time.Now()
	g.bus.Inbound <- bus.InboundMessage{
		Channel: "test", GroupID: "g1", SenderID: "100", SenderName: "Ming",
		Content: "@200 always the last one to arrive", Timestamp: now,
	}

	deadline := time.After(2 * time.Second)
	for {
		pending, err := g.store.PendingCount("g1")
		if err != nil {
			t.Fatalf("PendingCount: %v", err)
		}
		if pending == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("message never reached the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}

	g.bus.Inbound <- bus.InboundMessage{
		Channel: "test", GroupID: "g1", SenderID: "100", SenderName: "Ming",
		Content: "/impression status", Timestamp: now,
	}
	select {
	case reply := <-replies:
		if reply.GroupID != "g1" || !strings.Contains(reply.Content, "pending messages: 1") {
			t.Fatalf("command reply = %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no command reply")
	}

	// Commands must not enter the message queue.
	pending, _ := g.store.PendingCount("g1")
	if pending != 1 {
		t.Fatalf("pending = %d after command, want 1", pending)
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway did not shut down")
	}
}
