package gocometd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// ConnectionType is the tag naming the transport mechanism used to carry
// Bayeux messages. The set is closed: every tag maps to exactly one
// Transport implementation.
type ConnectionType string

const (
	// ConnectionTypeWebsocket carries messages over a websocket connection
	ConnectionTypeWebsocket ConnectionType = "websocket"
	// ConnectionTypeLongPolling carries messages over long-polling HTTP
	// requests
	ConnectionTypeLongPolling ConnectionType = "long-polling"
)

// DefaultConnectionTypes is the client preference order used when a session
// is created without an explicit list.
var DefaultConnectionTypes = []ConnectionType{
	ConnectionTypeWebsocket,
	ConnectionTypeLongPolling,
}

// IsValid reports whether the tag names a known transport implementation.
func (ct ConnectionType) IsValid() bool {
	_, ok := transportFactories[ct]
	return ok
}

// Transport is the capability a Session consumes. One instance is bound to
// one connection type and one server endpoint. Implementations deliver
// server-initiated messages into the inbound queue they were constructed
// with; the session is their only consumer.
type Transport interface {
	// ConnectionType returns the tag this transport was created for.
	ConnectionType() ConnectionType
	// ClientID returns the session identity obtained during handshake, or
	// the empty string before a successful handshake.
	ClientID() string
	// Subscriptions returns the channels this transport is subscribed to.
	Subscriptions() []Channel

	// Handshake negotiates a session with the server, advertising the given
	// connection types, and returns the server's response.
	Handshake(ctx context.Context, types []ConnectionType) (Message, error)
	// Connect establishes the live connection and starts delivering
	// server-initiated messages into the inbound queue.
	Connect(ctx context.Context) (Message, error)
	// Disconnect gracefully ends the session; it may fail with a
	// TransportError.
	Disconnect(ctx context.Context) error
	// Subscribe asks the server to deliver messages published to channel.
	Subscribe(ctx context.Context, channel Channel) (Message, error)
	// Unsubscribe cancels a subscription.
	Unsubscribe(ctx context.Context, channel Channel) (Message, error)
	// Publish sends data to the given channel and returns the server's
	// response.
	Publish(ctx context.Context, channel Channel, data json.RawMessage) (Message, error)

	// WaitForConnecting suspends until the transport enters the connecting
	// state. Used by the session's connectivity watchdog.
	WaitForConnecting(ctx context.Context) error
	// WaitForConnected suspends until the transport enters the connected
	// state. Used by the session's connectivity watchdog.
	WaitForConnected(ctx context.Context) error

	// Close releases local resources unconditionally. It never fails and is
	// safe to call more than once.
	Close() error
}

// TransportOptions carries everything a transport constructor needs. The
// session fills these in during negotiation.
type TransportOptions struct {
	// Endpoint is the server address.
	Endpoint string
	// Incoming is the session's inbound queue. The transport is the only
	// producer.
	Incoming chan Message
	// ClientID carries forward a session identity obtained by an earlier
	// transport, for the negotiation case where the picked connection type
	// differs from the probed one.
	ClientID string
	// TLSConfig is applied to the underlying connection when set.
	TLSConfig *tls.Config
	// HTTPClient overrides the HTTP client used by the long-polling
	// transport. Mostly useful for tests.
	HTTPClient *http.Client
	// Logger receives transport diagnostics.
	Logger logrus.FieldLogger
}

type transportFactory func(TransportOptions) (Transport, error)

var transportFactories = map[ConnectionType]transportFactory{
	ConnectionTypeLongPolling: newLongPollingTransport,
	ConnectionTypeWebsocket:   newWebsocketTransport,
}

// createTransport instantiates the Transport implementation named by the
// given tag. Negotiation depends only on the tag and the Transport
// interface, never on a concrete implementation.
func createTransport(connectionType ConnectionType, opts TransportOptions) (Transport, error) {
	factory, ok := transportFactories[connectionType]
	if !ok {
		return nil, BadConnectionTypeError{connectionType}
	}
	return factory(opts)
}

func connectionTypeValues(types []ConnectionType) []string {
	values := make([]string, len(types))
	for i, ct := range types {
		values[i] = string(ct)
	}
	return values
}
