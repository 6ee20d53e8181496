package channel

import (
	"testing"

	"github.com/stellarlinkco/impressiond/internal/bus"
	"github.com/stellarlinkco/impressiond/internal/config"
)

func TestNewChannelManager_Disabled(t *testing.T) {
	m, err := NewChannelManager(config.ChannelsConfig{}, bus.NewMessageBus(1))
	if err != nil {
		t.Fatalf("NewChannelManager: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Fatalf("channels = %v, want none", m.EnabledChannels())
	}
}

func TestNewChannelManager_TelegramMissingToken(t *testing.T) {
	cfg := config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true}}
	if _, err := NewChannelManager(cfg, bus.NewMessageBus(1)); err == nil {
		t.Fatalf("want error when telegram is enabled without a token")
	}
}

func TestNewChannelManager_TelegramEnabled(t *testing.T) {
	cfg := config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true, Token: "tok"}}
	m, err := NewChannelManager(cfg, bus.NewMessageBus(1))
	if err != nil {
		t.Fatalf("NewChannelManager: %v", err)
	}
	names := m.EnabledChannels()
	if len(names) != 1 || names[0] != "telegram" {
		t.Fatalf("channels = %v", names)
	}
}
