// Package wa defines the boundary to the external WhatsApp protocol client.
// The wire protocol itself lives outside this repository; the lifecycle
// manager only depends on the Socket and Dialer contracts below.
package wa

import (
	"context"

	"github.com/openclaw/wabot-server-go/internal/model"
)

// Connection states reported by ConnState events.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClose      = "close"
)

// Protocol close status codes the manager cares about. Anything else is a
// transient failure.
const (
	StatusLoggedOut          = 401
	StatusConnectionReplaced = 440
	StatusServiceUnavailable = 503
	StatusRestartRequired    = 515
)

// ConnState is one connection-state transition from the protocol layer.
// StatusCode is only meaningful when Connection == StateClose.
type ConnState struct {
	Connection string
	StatusCode int
}

// Message is one raw inbound message. The dispatch layer interprets it; the
// manager only forwards batches.
type Message struct {
	RemoteJID string
	PushName  string
	Body      string
	FromMe    bool
}

// Call is one inbound call notification.
type Call struct {
	CallID string
	From   string
}

// Socket is a live connection handle produced by a Dialer. Event handlers
// must be attached before Connect; the protocol layer delivers events for a
// single socket in order and does not await handler completion.
type Socket interface {
	Connect() error
	Close() error
	Logout(ctx context.Context) error
	IsConnected() bool

	// RequestPairingCode asks the protocol layer for a one-time linking
	// code. Only valid while the credential set is unregistered.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	SendText(ctx context.Context, remoteJID, text string) error

	OnConnState(func(ConnState))
	OnCredsUpdate(func())
	OnMessages(func([]Message))
	OnCalls(func([]Call))
}

// Dialer builds a Socket bound to the credential files under credsPath,
// fetching the latest protocol version first. registered reports whether the
// credential set is already linked to a device.
type Dialer interface {
	Dial(ctx context.Context, userID, credsPath string) (socket Socket, registered bool, err error)
}

// ClassifyClose maps a protocol close status code to a close reason.
func ClassifyClose(statusCode int) model.CloseReason {
	switch statusCode {
	case StatusLoggedOut:
		return model.CloseLoggedOut
	case StatusConnectionReplaced:
		return model.CloseReplaced
	default:
		return model.CloseTransient
	}
}
