package gocometd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const timestampFmt = "2006-01-02T15:04:05.00"

// Message represents a message exchanged with a Bayeux server
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_message_fields
type Message struct {
	// Advice provides a way for servers to inform clients of their preferred
	// mode of client operation.
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_advice
	Advice *Advice `json:"advice,omitempty"`
	// ID represents the identifier of the specific message
	ID string `json:"id,omitempty"`
	// Channel is the Channel on which the message was sent
	Channel Channel `json:"channel"`
	// ClientID identifies a particular session via a session id token
	ClientID string `json:"clientId,omitempty"`
	// Data contains the event payload for publish messages
	Data json.RawMessage `json:"data,omitempty"`
	// Version indicates the protocol version expected by the client/server.
	// This MUST be included in messages to/from the `/meta/handshake`
	// channel.
	Version string `json:"version,omitempty"`
	// MinimumVersion indicates the oldest protocol version that can be
	// handled by the client/server. This MAY be included.
	MinimumVersion string `json:"minimumVersion,omitempty"`
	// SupportedConnectionTypes is included in messages to/from the
	// `/meta/handshake` channel to allow clients and servers to reveal the
	// transports that are supported.
	SupportedConnectionTypes []string `json:"supportedConnectionTypes,omitempty"`
	// ConnectionType specifies the type of transport the client requires for
	// communication. This MUST be included in `/meta/connect` request
	// messages.
	ConnectionType string `json:"connectionType,omitempty"`
	// Timestamp is an optional field in all Bayeux messages. If present, it
	// SHOULD be specified in the ISO 8601 profile `YYYY-MM-DDThh:mm:ss.ss`.
	Timestamp string `json:"timestamp,omitempty"`
	// Successful indicates success or failure of a request. It is a pointer
	// because the field is optional: response messages to the meta and
	// publish channels carry it, event messages don't, and only an explicit
	// false value means the request failed.
	//
	// See also: https://docs.cometd.org/current/reference/#_successful
	Successful *bool `json:"successful,omitempty"`
	// Subscription specifies the channel the client wishes to subscribe to
	// or unsubscribe from and MUST be included in requests and responses
	// to/from the `/meta/subscribe` or `/meta/unsubscribe` channels.
	Subscription Channel `json:"subscription,omitempty"`
	// Error is optional in any response and MAY indicate the type of error
	// that occurred when a request returns with a false successful field.
	//
	// See also: https://docs.cometd.org/current/reference/#_error
	Error string `json:"error,omitempty"`
	// Ext is an optional field carrying arbitrary values that allow
	// extensions to be negotiated between server and client implementations.
	Ext map[string]interface{} `json:"ext,omitempty"`
}

// Failed reports whether the message explicitly indicates a failed request.
// A missing successful field means the field is not applicable and is not a
// failure.
func (m *Message) Failed() bool {
	return m.Successful != nil && !*m.Successful
}

// TimestampAsTime returns the Timestamp in a message as a time.Time struct
func (m *Message) TimestampAsTime() (time.Time, error) {
	return time.Parse(timestampFmt, m.Timestamp)
}

// ParseError returns a struct representing the error message parsed as
// defined in the specification.
//
// See also: https://docs.cometd.org/current/reference/#_error
func (m *Message) ParseError() (MessageError, error) {
	pieces := strings.SplitN(m.Error, ":", 3)
	if len(pieces) != 3 {
		return MessageError{}, UnparsableMessageError(m.Error)
	}
	errorCode, err := strconv.Atoi(pieces[0])
	if err != nil {
		return MessageError{}, err
	}
	return MessageError{
		errorCode,
		strings.Split(pieces[1], ","),
		pieces[2],
	}, nil
}

// GetExt retrieves the Ext field map. If passed `true` it will instantiate
// the map when unset, otherwise it just returns the value of Ext.
func (m *Message) GetExt(create bool) map[string]interface{} {
	if m.Ext == nil && create {
		m.Ext = make(map[string]interface{})
	}
	return m.Ext
}

// Advice represents the field from the server which is used to inform
// clients of their preferred mode of client operation.
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_advice
type Advice struct {
	// Reconnect indicates how the client should act in the case of a failure
	// to connect.
	Reconnect string `json:"reconnect,omitempty"`
	// Timeout represents the period of time, in milliseconds, for the server
	// to delay requests to the `/meta/connect` channel.
	Timeout int `json:"timeout,omitempty"`
	// Interval represents the minimum period of time, in milliseconds, for
	// the client to delay subsequent requests to the /meta/connect channel.
	Interval int `json:"interval,omitempty"`
	// MultipleClients indicates that the server has detected multiple Bayeux
	// client instances running within the same web client
	MultipleClients bool `json:"multiple-clients,omitempty"`
	// Hosts is an array of strings which if present indicates a list of host
	// names or IP addresses that MAY be used as alternate servers.
	Hosts []string `json:"hosts,omitempty"`
}

// MustNotRetryOrHandshake indicates whether neither a handshake or retry is
// allowed
func (a Advice) MustNotRetryOrHandshake() bool {
	return a.Reconnect == "none"
}

// ShouldRetry indicates whether a retry should occur
func (a Advice) ShouldRetry() bool {
	return a.Reconnect == "retry"
}

// ShouldHandshake indicates whether the advice is that a handshake should
// occur
func (a Advice) ShouldHandshake() bool {
	return a.Reconnect == "handshake"
}

// TimeoutAsDuration returns the Timeout field as a time.Duration for
// scheduling
func (a Advice) TimeoutAsDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Millisecond
}

// IntervalAsDuration returns the Interval field as a time.Duration for
// scheduling
func (a Advice) IntervalAsDuration() time.Duration {
	return time.Duration(a.Interval) * time.Millisecond
}

// MessageError represents a parsed Error field of a Message
//
// See also: https://docs.cometd.org/current/reference/#_error
type MessageError struct {
	ErrorCode    int
	ErrorArgs    []string
	ErrorMessage string
}

func (e MessageError) String() string {
	return fmt.Sprintf("%d:%s:%s", e.ErrorCode, strings.Join(e.ErrorArgs, ","), e.ErrorMessage)
}
