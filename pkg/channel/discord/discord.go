// Package discord is the Discord channel plugin, built on a discordgo websocket session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"clawgate/pkg/auth"
	"clawgate/pkg/bus"
	"clawgate/pkg/channel"
	"clawgate/pkg/plugin"
)

// Discord rejects message bodies longer than this.
const maxMessageLength = 2000

const inboundQueueSize = 64

// session is the part of *discordgo.Session the gateway drives.
type session interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var newSession = func(token string) (session, error) {
	s, err := discordgo.New(botToken(token))
	if err != nil {
		return nil, err
	}

	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent | discordgo.IntentsGuilds
	// Events reach the gateway in arrival order; reconnects go through the manager.
	s.SyncEvents = true
	s.ShouldReconnectOnError = false

	return s, nil
}

// Plugin registers the Discord channel.
type Plugin struct{}

func New() *Plugin {
	return &Plugin{}
}

func (*Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:   channel.Discord,
		Name: "Discord",
		Capabilities: plugin.Capabilities{
			ChatTypes: []channel.ChatType{channel.ChatDirect, channel.ChatGroup, channel.ChatChannel, channel.ChatThread},
			Media:     true,
			Reactions: true,
			Threads:   true,
		},
		Factory: NewGateway,
	}
}

func (*Plugin) Register(api plugin.API) error {
	api.Logger().Debug("Discord plugin registered")
	return nil
}

func (*Plugin) Unregister() error { return nil }

// Gateway is one bot account on the Discord websocket gateway.
type Gateway struct {
	params plugin.GatewayParams
	policy channel.Policy
	log    *slog.Logger

	mu       sync.Mutex
	handler  channel.InboundHandler
	session  session
	botID    string
	closing  bool
	queue    chan bus.InboundMessage
	done     chan struct{}
	removers []func()
}

// NewGateway builds an unconnected gateway for one account.
func NewGateway(params plugin.GatewayParams) (channel.Gateway, error) {
	if params.Credential.IsZero() {
		return nil, fmt.Errorf("discord account %q: bot token is required", params.Account.AccountID)
	}

	log := params.Log
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		params: params,
		policy: channel.NewPolicy(params.Account.AllowedUsers, params.Account.AllowedChannels, params.Account.RequireMention),
		log:    log.With("component", "channel.discord"),
	}, nil
}

func (g *Gateway) OnInboundEvent(handler channel.InboundHandler) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()
}

// Connect checks the token over REST, then opens the websocket session.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session != nil {
		return errors.New("discord gateway already connected")
	}
	if g.handler == nil {
		return errors.New("inbound handler is required")
	}

	s, err := newSession(g.params.Credential.Secret())
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}

	me, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord identify: %w", classify(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	queue := make(chan bus.InboundMessage, inboundQueueSize)
	done := make(chan struct{})
	g.botID = me.ID
	g.queue = queue
	g.done = done
	g.closing = false
	g.removers = []func(){
		s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { g.onMessage(m) }),
		s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) { g.onDisconnect() }),
	}

	if err := s.Open(); err != nil {
		// Handlers blocked on mu see closing once Connect returns.
		g.closing = true
		for _, remove := range g.removers {
			remove()
		}
		g.removers = nil
		return fmt.Errorf("open discord session: %w", classify(err))
	}

	g.session = s
	go g.receive(queue, done)

	g.log.Info("Discord gateway connected", "account", g.params.Account.AccountID, "bot_id", me.ID)
	return nil
}

// onMessage runs on discordgo's event loop and only enqueues.
func (g *Gateway) onMessage(m *discordgo.MessageCreate) {
	g.mu.Lock()
	botID := g.botID
	g.mu.Unlock()

	msg, ok := toInbound(m, botID)
	if !ok {
		return
	}
	msg.AccountID = g.params.Account.AccountID

	if !g.policy.Allows(msg) {
		g.log.Debug("Ignoring filtered message", "chat_id", msg.ChatID, "sender_id", msg.SenderID)
		return
	}

	// The queue is closed under mu, so the send must be too.
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing || g.queue == nil {
		return
	}

	select {
	case g.queue <- msg:
	default:
		g.log.Warn("Dropping inbound message, queue full", "chat_id", msg.ChatID)
	}
}

func (g *Gateway) onDisconnect() {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		return
	}

	g.log.Warn("Discord session lost", "account", g.params.Account.AccountID)
	if g.params.ReportFailure != nil {
		g.params.ReportFailure(errors.New("discord websocket disconnected"))
	}
}

// receive hands queued messages to the inbound handler one at a time.
func (g *Gateway) receive(queue <-chan bus.InboundMessage, done chan struct{}) {
	defer close(done)

	g.mu.Lock()
	handler := g.handler
	g.mu.Unlock()

	for msg := range queue {
		handler(context.Background(), msg)
	}
}

// Disconnect closes the websocket and waits for queued messages to drain.
func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	s, queue, done := g.session, g.queue, g.done
	if s == nil {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	g.session = nil
	g.queue = nil
	close(queue)
	g.mu.Unlock()

	g.removeHandlers()
	closeErr := s.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for discord receive loop: %w", ctx.Err())
	}

	if closeErr != nil {
		return fmt.Errorf("close discord session: %w", closeErr)
	}

	g.log.Info("Discord gateway disconnected", "account", g.params.Account.AccountID)
	return nil
}

// Send posts the content to a channel or thread, split at Discord's length limit.
// Only the first chunk carries the reply reference.
func (g *Gateway) Send(ctx context.Context, msg bus.OutboundMessage) error {
	g.mu.Lock()
	s := g.session
	g.mu.Unlock()
	if s == nil {
		return errors.New("discord gateway is not connected")
	}

	target := strings.TrimSpace(msg.ThreadID)
	if target == "" {
		target = strings.TrimSpace(msg.ChatID)
	}
	if target == "" {
		return errors.New("discord channel id is required")
	}

	chunks := splitMessage(strings.TrimSpace(msg.Content), maxMessageLength)
	if len(chunks) == 0 {
		return errors.New("discord message content is empty")
	}

	for i, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyToID != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: target}
		}

		if _, err := s.ChannelMessageSendComplex(target, data, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", classify(err))
		}
	}

	return nil
}

func (g *Gateway) removeHandlers() {
	g.mu.Lock()
	removers := g.removers
	g.removers = nil
	g.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
}

// toInbound converts a MessageCreate event; the bot's own and other bots' messages
// are skipped, as are empty ones.
func toInbound(m *discordgo.MessageCreate, botID string) (bus.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	if m.Author.ID == botID || m.Author.Bot {
		return bus.InboundMessage{}, false
	}

	media := make([]string, 0, len(m.Attachments))
	for _, attachment := range m.Attachments {
		if attachment != nil && attachment.URL != "" {
			media = append(media, attachment.URL)
		}
	}

	content := strings.TrimSpace(m.Content)
	if content == "" && len(media) == 0 {
		return bus.InboundMessage{}, false
	}

	chatType := channel.ChatChannel
	if m.GuildID == "" {
		chatType = channel.ChatDirect
	}

	msg := bus.InboundMessage{
		Channel:   string(channel.Discord),
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		ChatType:  string(chatType),
		Content:   content,
		Media:     media,
		Mentioned: mentioned(m.Message, botID),
		Metadata: map[string]string{
			"message_id": m.ID,
			"username":   m.Author.Username,
		},
	}
	if m.GuildID != "" {
		msg.Metadata["guild_id"] = m.GuildID
	}
	if len(media) == 0 {
		msg.Media = nil
	}

	return msg, true
}

func mentioned(m *discordgo.Message, botID string) bool {
	if botID == "" {
		return false
	}

	for _, user := range m.Mentions {
		if user != nil && user.ID == botID {
			return true
		}
	}

	return strings.Contains(m.Content, "<@"+botID+">") || strings.Contains(m.Content, "<@!"+botID+">")
}

// splitMessage cuts text into rune-safe chunks of at most limit bytes, preferring
// to break at a newline.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}

	return chunks
}

// botToken adds the "Bot " scheme discordgo expects for bot accounts.
func botToken(token string) string {
	token = strings.TrimSpace(token)
	if token != "" && !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}

	return token
}

// classify wraps REST 401s and the gateway's 4004 close as auth.ErrUnauthorized.
func classify(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", auth.ErrUnauthorized, err)
	}
	if strings.Contains(err.Error(), "4004") {
		return fmt.Errorf("%w: %w", auth.ErrUnauthorized, err)
	}

	return err
}
