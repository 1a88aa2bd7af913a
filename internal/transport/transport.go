package transport

import (
	"errors"
	"strings"
)

var (
	// ErrUnauthorized marks a connection rejected for authorization reasons.
	// It must not be retried.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrConnectionLost is reported when an established connection drops
	// without a local Close.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrNotOpen is returned by Conn operations before the handshake completes
	// or after the connection ended.
	ErrNotOpen = errors.New("transport: connection not open")
)

// IsAuthError reports whether err belongs to the no-retry authorization class
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Message is one inbound MESSAGE frame
type Message struct {
	Subscription string
	Destination  string
	ContentType  string
	Body         []byte
}

// MessageFunc receives the messages of one subscription, in arrival order
type MessageFunc func(Message)

// Handler receives the lifecycle of one Open call. OnOpen fires at most once.
// Exactly one of OnError or OnClose fires afterwards: OnClose only when the
// connection was closed locally, OnError for everything else.
type Handler interface {
	OnOpen(conn Conn)
	OnError(err error)
	OnClose()
}

// Conn is a handle on one physical connection. Close may be called at any
// time, including before OnOpen, and more than once.
type Conn interface {
	Subscribe(destination string, fn MessageFunc) (id string, err error)
	Unsubscribe(id string) error
	Send(destination string, body []byte) error
	Close() error
}

// Transport opens connections. Open never blocks on the network and never
// reports failure synchronously; outcomes arrive on the Handler.
type Transport interface {
	Open(endpoint string, h Handler) Conn
}

var authMarkers = []string{"unauthorized", "forbidden", "access denied", "401", "403", "expired"}

func isAuthMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
