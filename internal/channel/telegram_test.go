package channel

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/impressiond/internal/bus"
	"github.com/stellarlinkco/impressiond/internal/config"
)

type mockTelegramBot struct {
	updates chan tgbotapi.Update
	sent    []tgbotapi.MessageConfig
	stopped bool
}

func newMockTelegramBot() *mockTelegramBot {
	return &mockTelegramBot{updates: make(chan tgbotapi.Update, 10)}
}

func (m *mockTelegramBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockTelegramBot) StopReceivingUpdates() { m.stopped = true }

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "impressiond_bot"}
}

func newMockChannel(t *testing.T, cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, *mockTelegramBot) {
	t.Helper()
	mock := newMockTelegramBot()
	ch, err := NewTelegramChannelWithFactory(cfg, b, func(string, string, *http.Client) (TelegramBot, error) {
		return mock, nil
	})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch, mock
}

func groupMessage(chatID, senderID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID, Type: "group"},
		From: &tgbotapi.User{ID: senderID, FirstName: "Ming"},
		Date: 1700000000,
		Text: text,
	}
}

func TestTelegram_RequiresToken(t *testing.T) {
	if _, err := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus(1)); err == nil {
		t.Fatalf("want error for missing token")
	}
}

func TestTelegram_GroupMessageRendered(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, mock := newMockChannel(t, config.TelegramConfig{Token: "tok"}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()

	msg := groupMessage(-100123, 555, "you two are always late")
	msg.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: 200}}
	msg.Entities = []tgbotapi.MessageEntity{
		{Type: "text_mention", User: &tgbotapi.User{ID: 300}},
	}
	mock.updates <- tgbotapi.Update{Message: msg}

	select {
	case got := <-b.Inbound:
		if got.GroupID != "-100123" || got.SenderID != "555" {
			t.Fatalf("inbound = %+v", got)
		}
		want := "[reply_to:200] @300 you two are always late"
		if got.Content != want {
			t.Fatalf("content = %q, want %q", got.Content, want)
		}
		if got.SenderName != "Ming" {
			t.Fatalf("sender name = %q", got.SenderName)
		}
	case <-time.After(time.Second):
		t.Fatalf("no inbound message")
	}
}

func TestTelegram_PrivateChatIgnored(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, mock := newMockChannel(t, config.TelegramConfig{Token: "tok"}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()

	msg := groupMessage(42, 555, "direct message")
	msg.Chat.Type = "private"
	mock.updates <- tgbotapi.Update{Message: msg}

	select {
	case got := <-b.Inbound:
		t.Fatalf("private chat must be ignored, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTelegram_AllowFrom(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, mock := newMockChannel(t, config.TelegramConfig{Token: "tok", AllowFrom: []string{"-1"}}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()

	mock.updates <- tgbotapi.Update{Message: groupMessage(-2, 555, "not allowed here")}
	mock.updates <- tgbotapi.Update{Message: groupMessage(-1, 555, "allowed here")}

	select {
	case got := <-b.Inbound:
		if got.GroupID != "-1" {
			t.Fatalf("message from rejected group slipped through: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("allowed message never arrived")
	}
}

func TestTelegram_SendChunks(t *testing.T) {
	b := bus.NewMessageBus(1)
	ch, mock := newMockChannel(t, config.TelegramConfig{Token: "tok"}, b)
	ch.SetBot(mock)

	long := strings.Repeat("line of report text\n", 300) // ~6000 chars
	if err := ch.Send(bus.OutboundMessage{GroupID: "-100123", Content: long}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mock.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(mock.sent))
	}
	if mock.sent[0].ChatID != -100123 {
		t.Fatalf("chat id = %d", mock.sent[0].ChatID)
	}
}

func TestTelegram_SendInvalidChatID(t *testing.T) {
	b := bus.NewMessageBus(1)
	ch, mock := newMockChannel(t, config.TelegramConfig{Token: "tok"}, b)
	ch.SetBot(mock)

	if err := ch.Send(bus.OutboundMessage{GroupID: "not-a-number", Content: "x"}); err == nil {
		t.Fatalf("want error for invalid chat id")
	}
}

func TestRenderContent_CaptionFallback(t *testing.T) {
	msg := &tgbotapi.Message{Caption: "photo of the whiteboard"}
	if got := renderContent(msg); got != "photo of the whiteboard" {
		t.Fatalf("renderContent = %q", got)
	}
}
