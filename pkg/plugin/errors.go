package plugin

import (
	"errors"
	"fmt"

	"clawgate/pkg/channel"
)

var (
	ErrDuplicateChannel = errors.New("duplicate channel")
	ErrRegistryClosed   = errors.New("plugin registry closed")
	ErrGatewayConnect   = errors.New("gateway connect failed")
	ErrPluginInit       = errors.New("plugin init failed")
)

// DuplicateChannelError reports a second registration for a channel id.
type DuplicateChannelError struct {
	ID channel.ID
}

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("channel %s is already registered", e.ID)
}

func (e *DuplicateChannelError) Is(target error) bool {
	return target == ErrDuplicateChannel
}

// RegistryClosedError reports a registration or seal after the registry was sealed.
type RegistryClosedError struct {
	Op string
	ID channel.ID
}

func (e *RegistryClosedError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: plugin registry closed", e.Op)
	}

	return fmt.Sprintf("%s %s: plugin registry closed", e.Op, e.ID)
}

func (e *RegistryClosedError) Is(target error) bool {
	return target == ErrRegistryClosed
}

// GatewayConnectError wraps a failed Connect for one account.
type GatewayConnectError struct {
	Plugin  channel.ID
	Account string
	Err     error
}

func (e *GatewayConnectError) Error() string {
	return fmt.Sprintf("connect %s/%s: %v", e.Plugin, e.Account, e.Err)
}

func (e *GatewayConnectError) Unwrap() error { return e.Err }

func (e *GatewayConnectError) Is(target error) bool {
	return target == ErrGatewayConnect
}

// PluginInitError wraps a failed, timed out, or panicking Register hook.
type PluginInitError struct {
	Plugin channel.ID
	Err    error
}

func (e *PluginInitError) Error() string {
	return fmt.Sprintf("initialize plugin %s: %v", e.Plugin, e.Err)
}

func (e *PluginInitError) Unwrap() error { return e.Err }

func (e *PluginInitError) Is(target error) bool {
	return target == ErrPluginInit
}

// ErrGatewayUnavailable is returned by Send when no running gateway serves the account.
var ErrGatewayUnavailable = errors.New("gateway not running")

var errStartAbandoned = errors.New("start abandoned at shutdown")
