// Package telegram is the Telegram channel plugin, built on telego long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"clawgate/pkg/auth"
	"clawgate/pkg/bus"
	"clawgate/pkg/channel"
	"clawgate/pkg/plugin"
)

const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second
const typingTimeout = 30 * time.Second
const entityMention = "mention"

// botAPI is the slice of *telego.Bot the gateway uses.
type botAPI interface {
	GetMe(ctx context.Context) (*telego.User, error)
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

var newBot = func(token string) (botAPI, error) {
	return telego.NewBot(token)
}

// Plugin registers the Telegram channel.
type Plugin struct{}

// New returns the Telegram plugin.
func New() *Plugin {
	return &Plugin{}
}

func (*Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:   channel.Telegram,
		Name: "Telegram",
		Capabilities: plugin.Capabilities{
			ChatTypes:      []channel.ChatType{channel.ChatDirect, channel.ChatGroup, channel.ChatChannel, channel.ChatThread},
			Media:          true,
			Threads:        true,
			NativeCommands: true,
		},
		Factory: NewGateway,
	}
}

func (*Plugin) Register(api plugin.API) error {
	api.Logger().Debug("Telegram plugin registered")
	return nil
}

func (*Plugin) Unregister() error { return nil }

// Gateway is one bot account connected through long polling.
type Gateway struct {
	params plugin.GatewayParams
	policy channel.Policy
	log    *slog.Logger

	mu      sync.Mutex
	handler channel.InboundHandler
	bot     botAPI
	me      *telego.User
	cancel  context.CancelFunc
	done    chan struct{}
	typing  map[int64]typingLoop
}

type typingLoop struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGateway builds an unconnected gateway for one account.
func NewGateway(params plugin.GatewayParams) (channel.Gateway, error) {
	if params.Credential.IsZero() {
		return nil, fmt.Errorf("telegram account %q: bot token is required", params.Account.AccountID)
	}

	log := params.Log
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		params: params,
		policy: channel.NewPolicy(params.Account.AllowedUsers, params.Account.AllowedChannels, params.Account.RequireMention),
		log:    log.With("component", "channel.telegram"),
		typing: make(map[int64]typingLoop),
	}, nil
}

func (g *Gateway) OnInboundEvent(handler channel.InboundHandler) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()
}

// Connect verifies the token with getMe and starts long polling.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		return errors.New("telegram gateway already connected")
	}
	if g.handler == nil {
		return errors.New("inbound handler is required")
	}

	bot, err := newBot(strings.TrimSpace(g.params.Credential.Secret()))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w: %w", auth.ErrUnauthorized, err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", classify(err))
	}

	// Polling outlives the connect deadline; Disconnect ends it.
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := bot.UpdatesViaLongPolling(life, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", classify(err))
	}

	g.bot = bot
	g.me = me
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.receive(life, updates, g.handler, g.done)

	g.log.Info("Telegram gateway connected", "account", g.params.Account.AccountID, "bot", me.Username)
	return nil
}

// receive delivers updates to the handler one at a time, in arrival order.
func (g *Gateway) receive(ctx context.Context, updates <-chan telego.Update, handler channel.InboundHandler, done chan struct{}) {
	defer close(done)

	for update := range updates {
		msg, ok := toInbound(update, g.me)
		if !ok {
			continue
		}
		msg.AccountID = g.params.Account.AccountID

		if !g.policy.Allows(msg) {
			g.log.Debug("Ignoring filtered message", "chat_id", msg.ChatID, "sender_id", msg.SenderID)
			continue
		}

		g.log.Debug("Received message", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "content", previewText(msg.Content))
		if g.params.Replies {
			if chatID, err := strconv.ParseInt(msg.ChatID, 10, 64); err == nil {
				g.startTyping(ctx, chatID)
			}
		}
		handler(ctx, msg)
	}

	if ctx.Err() != nil {
		return
	}
	if g.params.ReportFailure != nil {
		g.params.ReportFailure(errors.New("telegram updates channel closed"))
	}
}

// Disconnect stops long polling and waits for the receive loop to drain.
func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	for chatID, loop := range g.typing {
		loop.cancel()
		delete(g.typing, chatID)
	}
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		g.log.Info("Telegram gateway disconnected", "account", g.params.Account.AccountID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for telegram receive loop: %w", ctx.Err())
	}
}

// Send posts a text message, threading it into a forum topic or reply when asked.
func (g *Gateway) Send(ctx context.Context, msg bus.OutboundMessage) error {
	g.mu.Lock()
	bot := g.bot
	g.mu.Unlock()
	if bot == nil {
		return errors.New("telegram gateway is not connected")
	}

	params, err := sendParams(msg)
	if err != nil {
		return err
	}
	g.stopTyping(params.ChatID.ID)

	if _, err := bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message: %w", classify(err))
	}

	g.log.Debug("Sent message", "chat_id", msg.ChatID, "content", previewText(msg.Content))
	return nil
}

// startTyping shows the typing action in a chat until the reply is sent or
// typingTimeout passes.
func (g *Gateway) startTyping(ctx context.Context, chatID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, active := g.typing[chatID]; active || g.bot == nil {
		return
	}

	bot := g.bot
	typingCtx, cancel := context.WithTimeout(ctx, typingTimeout)
	g.typing[chatID] = typingLoop{ctx: typingCtx, cancel: cancel}

	go func() {
		defer g.clearTyping(typingCtx, chatID)

		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
				g.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
			}

			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (g *Gateway) stopTyping(chatID int64) {
	g.mu.Lock()
	loop, ok := g.typing[chatID]
	delete(g.typing, chatID)
	g.mu.Unlock()

	if ok {
		loop.cancel()
	}
}

// clearTyping drops the entry for a chat once its indicator loop ends on its own.
func (g *Gateway) clearTyping(typingCtx context.Context, chatID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if loop, ok := g.typing[chatID]; ok && loop.ctx == typingCtx {
		loop.cancel()
		delete(g.typing, chatID)
	}
}

// toInbound converts a Telegram update into a bus message; non-message updates,
// empty messages, and messages without a sender are skipped.
func toInbound(update telego.Update, me *telego.User) (bus.InboundMessage, bool) {
	message := update.Message
	if message == nil {
		return bus.InboundMessage{}, false
	}
	if message.From == nil {
		return bus.InboundMessage{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		content = strings.TrimSpace(message.Caption)
	}

	var media []string
	if n := len(message.Photo); n > 0 {
		// Photo sizes are ascending; keep the largest.
		media = append(media, message.Photo[n-1].FileID)
	}
	if message.Document != nil {
		media = append(media, message.Document.FileID)
	}

	if content == "" && len(media) == 0 {
		return bus.InboundMessage{}, false
	}

	chatType, ok := channel.NormalizeChatType(message.Chat.Type)
	if !ok {
		chatType = channel.ChatGroup
	}

	msg := bus.InboundMessage{
		Channel:   string(channel.Telegram),
		SenderID:  strconv.FormatInt(message.From.ID, 10),
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		ChatType:  string(chatType),
		Content:   content,
		Media:     media,
		Mentioned: mentioned(message, me),
		Metadata: map[string]string{
			"update_id":  strconv.Itoa(update.UpdateID),
			"message_id": strconv.Itoa(message.MessageID),
		},
	}
	if message.IsTopicMessage && message.MessageThreadID != 0 {
		msg.ChatType = string(channel.ChatThread)
		msg.ThreadID = strconv.Itoa(message.MessageThreadID)
	}
	if message.From.Username != "" {
		msg.Metadata["username"] = message.From.Username
	}

	return msg, true
}

// mentioned reports whether a message addresses the bot by @username or by
// replying to one of its messages.
func mentioned(message *telego.Message, me *telego.User) bool {
	if me == nil {
		return false
	}

	if reply := message.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == me.ID {
		return true
	}

	if me.Username == "" {
		return false
	}
	handle := "@" + strings.ToLower(me.Username)

	text := message.Text
	entities := message.Entities
	if text == "" {
		text, entities = message.Caption, message.CaptionEntities
	}

	for _, entity := range entities {
		if entity.Type != entityMention {
			continue
		}
		if strings.ToLower(entityText(text, entity)) == handle {
			return true
		}
	}

	return strings.Contains(strings.ToLower(text), handle)
}

// entityText slices an entity out of its message. Offsets count UTF-16 code units.
func entityText(text string, entity telego.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	start, end := entity.Offset, entity.Offset+entity.Length
	if start < 0 || end > len(units) || start >= end {
		return ""
	}

	return string(utf16.Decode(units[start:end]))
}

func sendParams(msg bus.OutboundMessage) (*telego.SendMessageParams, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil, errors.New("telegram message content is empty")
	}

	params := tu.Message(tu.ID(chatID), content)
	if msg.ThreadID != "" {
		threadID, err := strconv.Atoi(msg.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("telegram thread id %q: %w", msg.ThreadID, err)
		}
		params.MessageThreadID = threadID
	}
	if msg.ReplyToID != "" {
		replyID, err := strconv.Atoi(msg.ReplyToID)
		if err != nil {
			return nil, fmt.Errorf("telegram reply id %q: %w", msg.ReplyToID, err)
		}
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
	}

	return params, nil
}

// classify wraps Bot API rejections of the token as auth.ErrUnauthorized. Telegram
// answers 401 for revoked tokens and 404 for tokens that never existed.
func classify(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && (apiErr.ErrorCode == 401 || apiErr.ErrorCode == 404) {
		return fmt.Errorf("%w: %w", auth.ErrUnauthorized, err)
	}

	return err
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
