package channel

import (
	"strings"

	"clawgate/pkg/bus"
)

// Policy is the inbound access filter shared by gateway implementations.
//
// Empty allow lists accept everything.
type Policy struct {
	allowedUsers    map[string]struct{}
	allowedChannels map[string]struct{}
	requireMention  bool
}

func NewPolicy(allowedUsers []string, allowedChannels []string, requireMention bool) Policy {
	return Policy{
		allowedUsers:    allowSet(allowedUsers),
		allowedChannels: allowSet(allowedChannels),
		requireMention:  requireMention,
	}
}

// Allows reports whether an inbound message passes the account's filters.
func (p Policy) Allows(msg bus.InboundMessage) bool {
	if !inSet(p.allowedUsers, msg.SenderID) {
		return false
	}
	if !inSet(p.allowedChannels, msg.ChatID) {
		return false
	}

	// Direct messages are always addressed to the bot.
	if p.requireMention && ChatType(msg.ChatType) != ChatDirect && !msg.Mentioned {
		return false
	}

	return true
}

func inSet(set map[string]struct{}, value string) bool {
	if len(set) == 0 {
		return true
	}

	_, ok := set[strings.TrimSpace(value)]
	return ok
}

// allowSet normalizes allow-list values into a lookup set.
func allowSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}
