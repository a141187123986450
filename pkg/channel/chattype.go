package channel

import "strings"

// ChatType is the platform-neutral kind of conversation a message arrived in.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
)

var chatTypeAliases = map[string]ChatType{
	"direct":     ChatDirect,
	"dm":         ChatDirect,
	"private":    ChatDirect,
	"group":      ChatGroup,
	"supergroup": ChatGroup,
	"group_dm":   ChatGroup,
	"channel":    ChatChannel,
	"guild":      ChatChannel,
	"thread":     ChatThread,
	"topic":      ChatThread,
	"forum":      ChatThread,
}

// NormalizeChatType maps a platform chat kind onto the shared taxonomy.
func NormalizeChatType(raw string) (ChatType, bool) {
	chatType, ok := chatTypeAliases[strings.ToLower(strings.TrimSpace(raw))]
	return chatType, ok
}
