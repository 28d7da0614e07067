package gocometd

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// messageIDSource hands out monotonically increasing message ids so
// transports can match responses to requests.
type messageIDSource struct {
	counter atomic.Uint64
}

func (s *messageIDSource) next() string {
	return strconv.FormatUint(s.counter.Add(1), 10)
}

// HandshakeRequestBuilder provides a way to safely and confidently create
// handshake requests to /meta/handshake.
//
// See also: https://docs.cometd.org/current/reference/#_handshake_request
type HandshakeRequestBuilder struct {
	version                  string
	supportedConnectionTypes []ConnectionType
	minimumVersion           string
}

// NewHandshakeRequestBuilder provides an easy way to build a Message that
// can be sent as a handshake request
func NewHandshakeRequestBuilder() *HandshakeRequestBuilder {
	return &HandshakeRequestBuilder{
		supportedConnectionTypes: make([]ConnectionType, 0),
	}
}

// AddSupportedConnectionType adds a connection type to the list advertised
// in the /meta/handshake request. It de-duplicates connection types and
// returns an error when the tag names no known transport.
func (b *HandshakeRequestBuilder) AddSupportedConnectionType(connectionType ConnectionType) error {
	if !connectionType.IsValid() {
		return BadConnectionTypeError{connectionType}
	}
	for _, ct := range b.supportedConnectionTypes {
		if ct == connectionType {
			return nil
		}
	}
	b.supportedConnectionTypes = append(b.supportedConnectionTypes, connectionType)
	return nil
}

// AddVersion accepts the version of the Bayeux protocol that the client
// supports.
func (b *HandshakeRequestBuilder) AddVersion(version string) error {
	if err := validateVersion(version); err != nil {
		return err
	}
	b.version = version
	return nil
}

// AddMinimumVersion adds the minimum supported version
func (b *HandshakeRequestBuilder) AddMinimumVersion(version string) error {
	if err := validateVersion(version); err != nil {
		return err
	}
	b.minimumVersion = version
	return nil
}

func validateVersion(version string) error {
	if len(version) < 1 {
		return BadConnectionVersionError{version}
	}
	for i := 0; i < len(version); i++ {
		if version[i] == '.' {
			if i == 0 {
				return BadConnectionVersionError{version}
			}
			break
		}
		if version[i] < '0' || version[i] > '9' {
			return BadConnectionVersionError{version}
		}
	}
	return nil
}

// Build generates the final Message to be sent as a handshake request
func (b *HandshakeRequestBuilder) Build() (Message, error) {
	if len(b.supportedConnectionTypes) < 1 {
		return Message{}, ErrNoSupportedConnectionTypes
	}
	if len(b.version) == 0 {
		return Message{}, ErrNoVersion
	}
	m := Message{
		Channel:                  MetaHandshake,
		Version:                  b.version,
		SupportedConnectionTypes: connectionTypeValues(b.supportedConnectionTypes),
	}
	if len(b.minimumVersion) > 0 {
		m.MinimumVersion = b.minimumVersion
	}
	return m, nil
}

// ConnectRequestBuilder provides a way to safely build a Message that can be
// sent as a /meta/connect request.
//
// See also: https://docs.cometd.org/current/reference/#_connect_request
type ConnectRequestBuilder struct {
	clientID       string
	connectionType ConnectionType
}

// NewConnectRequestBuilder initializes a ConnectRequestBuilder as an easy
// way to build a Message that can be sent as a /meta/connect request.
func NewConnectRequestBuilder() *ConnectRequestBuilder {
	return &ConnectRequestBuilder{}
}

// AddClientID adds the previously obtained clientId to the request
func (b *ConnectRequestBuilder) AddClientID(clientID string) {
	b.clientID = clientID
}

// AddConnectionType adds the connection type used by the client for the
// purposes of this connection to the request
func (b *ConnectRequestBuilder) AddConnectionType(connectionType ConnectionType) error {
	if !connectionType.IsValid() {
		return BadConnectionTypeError{connectionType}
	}
	b.connectionType = connectionType
	return nil
}

// Build generates the final Message to be sent as a connect request
func (b *ConnectRequestBuilder) Build() (Message, error) {
	if b.clientID == "" {
		return Message{}, ErrMissingClientID
	}
	if b.connectionType == "" {
		return Message{}, ErrMissingConnectionType
	}

	return Message{
		Channel:        MetaConnect,
		ClientID:       b.clientID,
		ConnectionType: string(b.connectionType),
	}, nil
}

// SubscriptionRequestBuilder builds /meta/subscribe and /meta/unsubscribe
// requests.
//
// See also: https://docs.cometd.org/current/reference/#_subscribe_request
type SubscriptionRequestBuilder struct {
	channel      Channel
	clientID     string
	subscription Channel
}

// NewSubscribeRequestBuilder initializes a builder for a /meta/subscribe
// request.
func NewSubscribeRequestBuilder() *SubscriptionRequestBuilder {
	return &SubscriptionRequestBuilder{channel: MetaSubscribe}
}

// NewUnsubscribeRequestBuilder initializes a builder for a /meta/unsubscribe
// request.
func NewUnsubscribeRequestBuilder() *SubscriptionRequestBuilder {
	return &SubscriptionRequestBuilder{channel: MetaUnsubscribe}
}

// AddClientID adds the previously obtained clientId to the request
func (b *SubscriptionRequestBuilder) AddClientID(clientID string) {
	b.clientID = clientID
}

// AddSubscription sets the channel being subscribed to or unsubscribed from
func (b *SubscriptionRequestBuilder) AddSubscription(c Channel) error {
	if !c.IsValid() {
		return InvalidChannelError{c}
	}
	b.subscription = c
	return nil
}

// Build generates the final Message to be sent
func (b *SubscriptionRequestBuilder) Build() (Message, error) {
	if b.clientID == "" {
		return Message{}, ErrMissingClientID
	}
	if b.subscription == emptyChannel {
		return Message{}, ErrMissingSubscription
	}

	return Message{
		Channel:      b.channel,
		ClientID:     b.clientID,
		Subscription: b.subscription,
	}, nil
}

// PublishRequestBuilder builds a publish request for an application channel.
//
// See also: https://docs.cometd.org/current/reference/#_publish_request
type PublishRequestBuilder struct {
	channel  Channel
	clientID string
	data     json.RawMessage
}

// NewPublishRequestBuilder initializes a builder for a publish request on
// the given channel.
func NewPublishRequestBuilder(channel Channel) *PublishRequestBuilder {
	return &PublishRequestBuilder{channel: channel}
}

// AddClientID adds the previously obtained clientId to the request
func (b *PublishRequestBuilder) AddClientID(clientID string) {
	b.clientID = clientID
}

// AddData sets the event payload
func (b *PublishRequestBuilder) AddData(data json.RawMessage) {
	b.data = data
}

// Build generates the final Message to be sent as a publish request
func (b *PublishRequestBuilder) Build() (Message, error) {
	if !b.channel.IsValid() || b.channel.Type() == MetaChannel {
		return Message{}, InvalidChannelError{b.channel}
	}
	if b.clientID == "" {
		return Message{}, ErrMissingClientID
	}

	return Message{
		Channel:  b.channel,
		ClientID: b.clientID,
		Data:     b.data,
	}, nil
}

// DisconnectRequestBuilder provides an easy way to build a /meta/disconnect
// request.
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_meta_disconnect
type DisconnectRequestBuilder struct {
	clientID string
}

// NewDisconnectRequestBuilder initializes a DisconnectRequestBuilder as an
// easy way to build a Message that can be sent as a /meta/disconnect request.
func NewDisconnectRequestBuilder() *DisconnectRequestBuilder {
	return &DisconnectRequestBuilder{}
}

// AddClientID adds the previously obtained clientId to the request
func (b *DisconnectRequestBuilder) AddClientID(clientID string) {
	b.clientID = clientID
}

// Build generates the final Message to be sent as a disconnect request
func (b *DisconnectRequestBuilder) Build() (Message, error) {
	if b.clientID == "" {
		return Message{}, ErrMissingClientID
	}

	return Message{Channel: MetaDisconnect, ClientID: b.clientID}, nil
}
