// Package transport abstracts the pub/sub room channel and the
// point-to-point path peers use to exchange commands.
package transport

import (
	"context"
	"errors"

	"github.com/openclass/classroom/internal/domain"
)

var (
	// ErrReconnectTimeout means a dropped connection did not recover
	// within the bounded window. Fatal to the session.
	ErrReconnectTimeout = errors.New("reconnect timeout")
	// ErrRemoteLogin means the same identity logged in elsewhere and
	// this session was kicked. Fatal, never retried.
	ErrRemoteLogin = errors.New("remote login")

	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("transport closed")
	ErrBackpressure = errors.New("backpressure")
)

// ConnState tracks the underlying connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Message is an inbound payload with its sender identity.
type Message struct {
	Sender domain.PeerID
	Data   []byte
}

// MemberEvent is a membership delta on a joined channel.
type MemberEvent struct {
	Peer   domain.PeerID
	Joined bool
}

// Transport is a logged-in messaging session. Login is idempotent and
// safe to call concurrently; all callers share one outcome. Fatal
// session errors (reconnect timeout, remote login) arrive on Errors.
type Transport interface {
	Login(ctx context.Context) error
	Join(ctx context.Context, room domain.RoomID) (Channel, error)
	// P2P delivers unicast messages addressed to this peer.
	P2P() <-chan Message
	Errors() <-chan error
	Close() error
}

// Channel is a joined room channel. Broadcast reaches every other
// member; delivery is at-most-once and ordered per sender only.
type Channel interface {
	ID() domain.RoomID
	Members(ctx context.Context) ([]domain.PeerID, error)
	Broadcast(ctx context.Context, data []byte) error
	SendTo(ctx context.Context, peer domain.PeerID, data []byte) error
	Messages() <-chan Message
	MemberEvents() <-chan MemberEvent
	Leave(ctx context.Context) error
}
