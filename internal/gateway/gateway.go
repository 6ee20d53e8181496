package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/stellarlinkco/impressiond/internal/bus"
	"github.com/stellarlinkco/impressiond/internal/channel"
	"github.com/stellarlinkco/impressiond/internal/config"
	"github.com/stellarlinkco/impressiond/internal/impression"
	"github.com/stellarlinkco/impressiond/internal/store"
)

// Options for creating a Gateway
type Options struct {
	SignalChan chan os.Signal // for testing signal handling
}

// Gateway wires channel adapters to the impression service: inbound
// group messages feed the queue, impression commands get their report
// sent back on the originating channel.
type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	service    *impression.Service
	channels   *channel.ChannelManager
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg}
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	svc, err := impression.NewService(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create impression service: %w", err)
	}
	g.service = svc

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.signalChan = opts.SignalChan
	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	g.service.Start(ctx)

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.GroupID, msg.SenderID, truncate(msg.Content, 80))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if reply, ok := g.service.HandleCommand(ctx, msg.GroupID, msg.Content); ok {
		if reply != "" {
			g.bus.Outbound <- bus.OutboundMessage{
				Channel: msg.Channel,
				GroupID: msg.GroupID,
				Content: reply,
			}
		}
		return
	}

	m := store.Message{
		GroupID:   msg.GroupID,
		SpeakerID: msg.SenderID,
		TS:        msg.Timestamp.Unix(),
		RawText:   strings.TrimSpace(msg.Content),
	}
	if err := g.service.HandleMessage(m, msg.SenderName); err != nil {
		log.Printf("[gateway] ingest message: %v", err)
	}
}

func (g *Gateway) Shutdown() error {
	g.service.Stop()
	_ = g.channels.StopAll()
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
