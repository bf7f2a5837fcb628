package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/relance/internal/alerts"
)

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

type mockSession struct {
	mu    sync.Mutex
	sent  []sentMessage
	errs  []error
	calls int
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "m1"}, nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "1"}); err == nil {
		t.Error("expected error without token or session")
	}
	if _, err := New(Opts{BotToken: "tok"}); err == nil {
		t.Error("expected error without channel")
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	n, err := New(Opts{ChannelID: "chan-1", Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = n.Notify(context.Background(), alerts.Alert{
		Title:    "Follow-up failed",
		Body:     "twilio: status 500",
		Severity: "error",
		Fields:   []alerts.Field{{Name: "Org", Value: "acme", Short: true}, {Name: "Source", Value: ""}},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	msg := sess.sent[0]
	if msg.channelID != "chan-1" {
		t.Errorf("channel = %q", msg.channelID)
	}
	embed := msg.data.Embeds[0]
	if embed.Title != "Follow-up failed" || embed.Color != 0xe53935 {
		t.Errorf("embed = %+v", embed)
	}
	if embed.Fields[1].Value != "-" {
		t.Errorf("empty field value = %q, want -", embed.Fields[1].Value)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), nil}}
	n, _ := New(Opts{ChannelID: "c", Session: sess})
	n.baseBackoff = time.Millisecond

	if err := n.Notify(context.Background(), alerts.Alert{Title: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sess.calls != 2 {
		t.Errorf("calls = %d, want 2", sess.calls)
	}
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	n, _ := New(Opts{ChannelID: "c", Session: sess})
	n.baseBackoff = time.Millisecond

	if err := n.Notify(context.Background(), alerts.Alert{Title: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if sess.calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", sess.calls, maxRetries+1)
	}
}

func TestNotify_OtherErrorNotRetried(t *testing.T) {
	sess := &mockSession{errs: []error{errors.New("missing access")}}
	n, _ := New(Opts{ChannelID: "c", Session: sess})
	if err := n.Notify(context.Background(), alerts.Alert{}); err == nil {
		t.Fatal("expected error")
	}
	if sess.calls != 1 {
		t.Errorf("calls = %d, want 1", sess.calls)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := map[string]int{
		"#36a64f": 0x36a64f,
		"E53935":  0xe53935,
		"":        0,
	}
	for in, want := range tests {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", in, got, want)
		}
	}
}
