package channel

import "strings"

// ID is a canonical channel identifier (for example "telegram").
type ID string

const (
	Telegram   ID = "telegram"
	Discord    ID = "discord"
	Slack      ID = "slack"
	WhatsApp   ID = "whatsapp"
	Signal     ID = "signal"
	IMessage   ID = "imessage"
	GoogleChat ID = "googlechat"
	WebChat    ID = "webchat"

	// Unknown is returned for input outside the alias table.
	Unknown ID = "unknown"
)

var aliases = map[string]ID{
	"telegram":    Telegram,
	"tg":          Telegram,
	"discord":     Discord,
	"dc":          Discord,
	"slack":       Slack,
	"whatsapp":    WhatsApp,
	"wa":          WhatsApp,
	"signal":      Signal,
	"imessage":    IMessage,
	"imsg":        IMessage,
	"googlechat":  GoogleChat,
	"google-chat": GoogleChat,
	"gchat":       GoogleChat,
	"webchat":     WebChat,
	"web":         WebChat,
}

// Normalize resolves a case-insensitive alias to its canonical id.
//
// Unrecognized input returns Unknown and false.
func Normalize(raw string) (ID, bool) {
	id, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return Unknown, false
	}

	return id, true
}

// Known returns every canonical id in a stable order.
func Known() []ID {
	return []ID{Telegram, Discord, Slack, WhatsApp, Signal, IMessage, GoogleChat, WebChat}
}

func (id ID) String() string {
	return string(id)
}
