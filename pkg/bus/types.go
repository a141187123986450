package bus

// InboundMessage is one message received by a channel gateway account.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	ChatType  string            `json:"chat_type,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Content   string            `json:"content"`
	Media     []string          `json:"media,omitempty"`
	Mentioned bool              `json:"mentioned,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionKey maps one chat on one account to one agent session namespace.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.AccountID + ":" + m.ChatID
}

// OutboundMessage is one message the agent runtime wants delivered through a gateway.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
