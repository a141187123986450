// Package plugin registers channel plugins and drives their gateways through the
// initialize, start, and shutdown lifecycle.
package plugin

import (
	"log/slog"

	"clawgate/pkg/auth"
	"clawgate/pkg/channel"
	"clawgate/pkg/config"
)

// Capabilities advertises what a channel supports.
type Capabilities struct {
	ChatTypes      []channel.ChatType `json:"chat_types"`
	Media          bool               `json:"media,omitempty"`
	Reactions      bool               `json:"reactions,omitempty"`
	Threads        bool               `json:"threads,omitempty"`
	NativeCommands bool               `json:"native_commands,omitempty"`
}

// GatewayParams is everything a factory receives to build one account's gateway.
type GatewayParams struct {
	Account    config.AccountConfig
	Credential auth.Handle
	Log        *slog.Logger
	// Replies is set when something answers inbound messages; gateways show reply
	// indicators such as typing only then.
	Replies bool
	// ReportFailure tells the manager the connection died after Connect returned.
	ReportFailure func(error)
}

// Factory builds the gateway for one account.
type Factory func(GatewayParams) (channel.Gateway, error)

// Descriptor is a plugin's static metadata and gateway factory.
type Descriptor struct {
	ID           channel.ID   `json:"id"`
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
	Factory      Factory      `json:"-"`
}

// API is handed to a plugin's Register hook.
type API interface {
	Logger() *slog.Logger
	// RegisterChannel adds another channel; it is only admitted while the hook runs.
	RegisterChannel(Descriptor) error
}

// Plugin is the contract every channel integration implements.
type Plugin interface {
	Descriptor() Descriptor
	Register(API) error
	Unregister() error
}

// channelOnly wraps a bare descriptor as a plugin without hooks.
type channelOnly struct {
	desc Descriptor
}

func (p channelOnly) Descriptor() Descriptor { return p.desc }
func (channelOnly) Register(API) error       { return nil }
func (channelOnly) Unregister() error        { return nil }

func hasHooks(p Plugin) bool {
	_, bare := p.(channelOnly)
	return !bare
}
