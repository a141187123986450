// Package channel defines the canonical channel taxonomy and the gateway contract every
// platform integration implements.
package channel

import (
	"context"

	"clawgate/pkg/bus"
)

// InboundHandler receives one inbound message from a gateway. Gateways call it
// sequentially, in arrival order.
type InboundHandler func(context.Context, bus.InboundMessage)

// Gateway is the live connection for one account on one external platform.
type Gateway interface {
	// Connect opens the platform connection and starts delivering inbound events.
	Connect(ctx context.Context) error
	// Disconnect closes the connection and waits for the receive loop to exit.
	Disconnect(ctx context.Context) error
	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error
	// OnInboundEvent installs the handler; it must be called before Connect.
	OnInboundEvent(handler InboundHandler)
}
