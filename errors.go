package gocometd

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSupportedConnectionTypes is returned when a handshake request is
	// built without any connection types
	ErrNoSupportedConnectionTypes = errors.New("no supported connection types provided")

	// ErrNoVersion is returned when a version is not provided
	ErrNoVersion = errors.New("no version specified")

	// ErrMissingClientID is returned when the client id has not been set
	ErrMissingClientID = errors.New("missing clientID value")

	// ErrMissingConnectionType is returned when the connection type is unset
	ErrMissingConnectionType = errors.New("missing connectionType value")

	// ErrMissingSubscription is returned when a subscribe or unsubscribe
	// request is built without a channel
	ErrMissingSubscription = errors.New("missing subscription value")
)

// InvalidOperationError is returned for caller misuse: operating on a closed
// session or opening an already-open one. It is always returned before any
// network I/O takes place.
type InvalidOperationError struct {
	Reason string
}

func (e InvalidOperationError) Error() string {
	return e.Reason
}

// ServerError is returned when the server explicitly reported a failed
// request. It carries the offending response message for caller inspection.
type ServerError struct {
	Reason   string
	Response Message
}

func (e ServerError) Error() string {
	if e.Response.Error != "" {
		return fmt.Sprintf("%s (%s)", e.Reason, e.Response.Error)
	}
	return e.Reason
}

var serverErrorMessages = map[Channel]string{
	MetaHandshake:   "handshake request failed",
	MetaConnect:     "connect request failed",
	MetaSubscribe:   "subscribe request failed",
	MetaUnsubscribe: "unsubscribe request failed",
	MetaDisconnect:  "disconnect request failed",
}

// newServerError picks the error message for a failed response by channel
// class: exact meta channel matches first, then service channels, then
// everything else is treated as a failed publish.
func newServerError(response Message) ServerError {
	reason, ok := serverErrorMessages[response.Channel]
	if !ok {
		switch response.Channel.Type() {
		case ServiceChannel:
			reason = "service request failed"
		default:
			reason = "publish request failed"
		}
	}
	return ServerError{Reason: reason, Response: response}
}

// TransportError is returned for lower-level connectivity failures: request
// transmission errors, unexpected HTTP responses or a failed graceful
// disconnect.
type TransportError struct {
	Reason string
	Err    error
}

func (e TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s)", e.Reason, e.Err)
	}
	return e.Reason
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// TransportTimeoutError is returned by Receive when the connectivity
// watchdog determined the connection was not restored within the allotted
// time. It is terminal for that Receive call.
type TransportTimeoutError struct{}

func (TransportTimeoutError) Error() string {
	return "lost connection with the server"
}

// ClientError is returned when transport negotiation fails because there is
// no mutually supported connection type. It is fatal to Open.
type ClientError struct {
	Reason string
}

func (e ClientError) Error() string {
	return e.Reason
}

// BadResponseError is returned when we get an unexpected HTTP response from
// the server
type BadResponseError struct {
	StatusCode int
	Status     string
}

func (e BadResponseError) Error() string {
	return fmt.Sprintf(
		"expected 200 response from bayeux server, got %d with status '%s'",
		e.StatusCode,
		e.Status,
	)
}

// BadConnectionTypeError is returned when we don't know how to handle the
// requested connection type
type BadConnectionTypeError struct {
	ConnectionType ConnectionType
}

func (e BadConnectionTypeError) Error() string {
	return fmt.Sprintf("%q is not a valid connection type", string(e.ConnectionType))
}

// BadConnectionVersionError is returned when we can't support the requested
// version number
type BadConnectionVersionError struct {
	Version string
}

func (e BadConnectionVersionError) Error() string {
	return fmt.Sprintf("version %q is invalid for Bayeux protocol", e.Version)
}

// InvalidChannelError is the result of a failure to validate a channel name
type InvalidChannelError struct {
	Channel
}

func (e InvalidChannelError) Error() string {
	return fmt.Sprintf("channel %q appears to not be a valid channel", e.Channel)
}

// UnparsableMessageError is returned when we fail to parse the error field
// of a message
type UnparsableMessageError string

func (e UnparsableMessageError) Error() string {
	return fmt.Sprintf("error message not parseable: %s", string(e))
}

// BadStateError is returned when a state machine transition is not valid
type BadStateError struct {
	CurrentState int32
	FromState    int32
	ToState      int32
	msg          string
}

func (e BadStateError) Error() string {
	return fmt.Sprintf("%s (current: %s, from: %s, to: %s)",
		e.msg, stateName(e.CurrentState), stateName(e.FromState), stateName(e.ToState))
}

func newBadHandshake(current, from, to int32) BadStateError {
	return BadStateError{
		msg:          "attempting to handshake but not in unconnected state",
		CurrentState: current,
		FromState:    from,
		ToState:      to,
	}
}

func newBadConnect(current, from, to int32) BadStateError {
	return BadStateError{
		msg:          "invalid state for successful connect response event",
		CurrentState: current,
		FromState:    from,
		ToState:      to,
	}
}

// UnknownEventTypeError is returned when the next state is unknown
type UnknownEventTypeError struct {
	Event Event
}

func (e UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type (%q)", string(e.Event))
}
