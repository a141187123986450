package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"

	"clawgate/pkg/auth"
	"clawgate/pkg/bus"
	"clawgate/pkg/channel"
	"clawgate/pkg/config"
	"clawgate/pkg/plugin"
)

type fakeSession struct {
	userErr error
	openErr error

	mu       sync.Mutex
	token    string
	handlers []any
	closed   int
	sent     []*discordgo.MessageSend
	targets  []string
}

func (s *fakeSession) Open() error { return s.openErr }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) AddHandler(handler any) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
	return func() {}
}

func (s *fakeSession) User(string, ...discordgo.RequestOption) (*discordgo.User, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	return &discordgo.User{ID: "bot-1", Username: "claw", Bot: true}, nil
}

func (s *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, channelID)
	s.sent = append(s.sent, data)
	return &discordgo.Message{ID: "m"}, nil
}

func (s *fakeSession) emitMessage(m *discordgo.MessageCreate) {
	s.mu.Lock()
	handlers := append([]any(nil), s.handlers...)
	s.mu.Unlock()

	for _, handler := range handlers {
		if fn, ok := handler.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			fn(nil, m)
		}
	}
}

func (s *fakeSession) emitDisconnect() {
	s.mu.Lock()
	handlers := append([]any(nil), s.handlers...)
	s.mu.Unlock()

	for _, handler := range handlers {
		if fn, ok := handler.(func(*discordgo.Session, *discordgo.Disconnect)); ok {
			fn(nil, &discordgo.Disconnect{})
		}
	}
}

func useSession(t *testing.T, s *fakeSession) {
	t.Helper()

	previous := newSession
	newSession = func(token string) (session, error) {
		s.mu.Lock()
		s.token = botToken(token)
		s.mu.Unlock()
		return s, nil
	}
	t.Cleanup(func() { newSession = previous })
}

func newTestGateway(t *testing.T, account config.AccountConfig, report func(error)) *Gateway {
	t.Helper()

	gw, err := NewGateway(plugin.GatewayParams{
		Account:       account,
		Credential:    auth.NewStaticHandle("discord:default", "discord-secret-token"),
		ReportFailure: report,
	})
	require.NoError(t, err)
	return gw.(*Gateway)
}

func messageCreate(id string, guildID string, authorID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        id,
		ChannelID: "chan-1",
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "user"},
	}}
}

func TestDescriptor(t *testing.T) {
	desc := New().Descriptor()
	require.Equal(t, channel.Discord, desc.ID)
	require.NotNil(t, desc.Factory)
}

func TestBotToken(t *testing.T) {
	require.Equal(t, "Bot abc", botToken(" abc "))
	require.Equal(t, "Bot abc", botToken("Bot abc"))
	require.Empty(t, botToken(" "))
}

func TestConnectUnauthorized(t *testing.T) {
	useSession(t, &fakeSession{userErr: &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusUnauthorized}}})

	gw := newTestGateway(t, config.AccountConfig{AccountID: "default"}, nil)
	gw.OnInboundEvent(func(context.Context, bus.InboundMessage) {})

	err := gw.Connect(context.Background())
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestConnectOpenFailureIsNotUnauthorized(t *testing.T) {
	useSession(t, &fakeSession{openErr: errors.New("dial tcp: connection refused")})

	gw := newTestGateway(t, config.AccountConfig{AccountID: "default"}, nil)
	gw.OnInboundEvent(func(context.Context, bus.InboundMessage) {})

	err := gw.Connect(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, auth.ErrUnauthorized)
}

func TestInboundOrderAndFiltering(t *testing.T) {
	s := &fakeSession{}
	useSession(t, s)

	gw := newTestGateway(t, config.AccountConfig{AccountID: "main", RequireMention: true}, nil)
	seen := make(chan bus.InboundMessage, 8)
	gw.OnInboundEvent(func(_ context.Context, msg bus.InboundMessage) { seen <- msg })
	require.NoError(t, gw.Connect(context.Background()))
	require.Equal(t, "Bot discord-secret-token", s.token)

	s.emitMessage(messageCreate("1", "", "u1", "direct one"))
	s.emitMessage(messageCreate("2", "g1", "u1", "guild without mention"))
	s.emitMessage(messageCreate("3", "g1", "u1", "hey <@bot-1> there"))
	s.emitMessage(messageCreate("4", "g1", "bot-1", "my own <@bot-1>"))

	for _, want := range []string{"direct one", "hey <@bot-1> there"} {
		select {
		case msg := <-seen:
			require.Equal(t, want, msg.Content)
			require.Equal(t, "main", msg.AccountID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	require.NoError(t, gw.Disconnect(context.Background()))
	select {
	case msg := <-seen:
		t.Fatalf("unexpected message: %+v", msg)
	default:
	}

	s.mu.Lock()
	require.Equal(t, 1, s.closed)
	s.mu.Unlock()
}

func TestLostSessionReportsFailure(t *testing.T) {
	s := &fakeSession{}
	useSession(t, s)

	reported := make(chan error, 2)
	gw := newTestGateway(t, config.AccountConfig{AccountID: "default"}, func(err error) { reported <- err })
	gw.OnInboundEvent(func(context.Context, bus.InboundMessage) {})
	require.NoError(t, gw.Connect(context.Background()))

	s.emitDisconnect()
	require.Len(t, reported, 1)

	require.NoError(t, gw.Disconnect(context.Background()))
	s.emitDisconnect()
	require.Len(t, reported, 1, "disconnect after close is not reported")
}

func TestSendSplitsAndReplies(t *testing.T) {
	s := &fakeSession{}
	useSession(t, s)

	gw := newTestGateway(t, config.AccountConfig{AccountID: "default"}, nil)
	require.Error(t, gw.Send(context.Background(), bus.OutboundMessage{ChatID: "c", Content: "early"}))

	gw.OnInboundEvent(func(context.Context, bus.InboundMessage) {})
	require.NoError(t, gw.Connect(context.Background()))
	defer gw.Disconnect(context.Background())

	long := strings.Repeat("a", maxMessageLength) + "tail"
	err := gw.Send(context.Background(), bus.OutboundMessage{ChatID: "c", ThreadID: "thread-9", ReplyToID: "m1", Content: long})
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.sent, 2)
	require.Equal(t, []string{"thread-9", "thread-9"}, s.targets)
	require.NotNil(t, s.sent[0].Reference)
	require.Equal(t, "m1", s.sent[0].Reference.MessageID)
	require.Nil(t, s.sent[1].Reference)
	require.Equal(t, "tail", s.sent[1].Content)
}

func TestSplitMessage(t *testing.T) {
	require.Nil(t, splitMessage("", 10))
	require.Equal(t, []string{"short"}, splitMessage("short", 10))
	require.Equal(t, []string{"line one", "line two"}, splitMessage("line one\nline two", 12))

	// Never cut inside a multi-byte rune.
	chunks := splitMessage(strings.Repeat("é", 6), 5)
	for _, chunk := range chunks {
		require.True(t, len(chunk) <= 5)
		require.Equal(t, 0, strings.Count(chunk, "�"))
	}
	require.Equal(t, strings.Repeat("é", 6), strings.Join(chunks, ""))
}

func TestToInbound(t *testing.T) {
	_, ok := toInbound(&discordgo.MessageCreate{}, "bot-1")
	require.False(t, ok)

	other := messageCreate("1", "g", "u2", "from a bot")
	other.Author.Bot = true
	_, ok = toInbound(other, "bot-1")
	require.False(t, ok)

	withMention := messageCreate("2", "g", "u2", "ping")
	withMention.Mentions = []*discordgo.User{{ID: "bot-1"}}
	withMention.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn/x.png"}}
	msg, ok := toInbound(withMention, "bot-1")
	require.True(t, ok)
	require.True(t, msg.Mentioned)
	require.Equal(t, string(channel.ChatChannel), msg.ChatType)
	require.Equal(t, []string{"https://cdn/x.png"}, msg.Media)
	require.Equal(t, "g", msg.Metadata["guild_id"])

	dm, ok := toInbound(messageCreate("3", "", "u2", "hi"), "bot-1")
	require.True(t, ok)
	require.Equal(t, string(channel.ChatDirect), dm.ChatType)
	require.Nil(t, dm.Media)
}
