package gocometd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultPrefetchSize = 64

// Session is a client session with a Bayeux server. It owns the transport
// negotiated with the server, the open/closed lifecycle and the inbound
// message queue. Sessions are created closed; Open transitions them through
// transport negotiation to open.
type Session struct {
	endpoint          string
	connectionTypes   []ConnectionType
	connectionTimeout time.Duration
	tlsConfig         *tls.Config
	httpClient        *http.Client
	prefetchSize      int
	logger            logrus.FieldLogger
	newTransport      func(ConnectionType, TransportOptions) (Transport, error)

	mu        sync.Mutex
	closed    bool
	transport Transport
	incoming  chan Message
}

// SessionOption configures a Session at construction time
type SessionOption func(*Session)

// WithConnectionTypes sets the connection types the session will try during
// negotiation, in client preference order.
func WithConnectionTypes(types ...ConnectionType) SessionOption {
	return func(s *Session) {
		s.connectionTypes = types
	}
}

// WithConnectionTimeout bounds how long a pending Receive tolerates a lost
// connection before failing with a TransportTimeoutError. Zero disables the
// watchdog entirely.
func WithConnectionTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.connectionTimeout = timeout
	}
}

// WithTLSConfig sets the TLS configuration passed to transports
func WithTLSConfig(config *tls.Config) SessionOption {
	return func(s *Session) {
		s.tlsConfig = config
	}
}

// WithPrefetchSize bounds the inbound message queue. Transports block
// delivering further messages once the bound is reached.
func WithPrefetchSize(size int) SessionOption {
	return func(s *Session) {
		s.prefetchSize = size
	}
}

// WithLogger sets the logger used by the session and its transports
func WithLogger(logger logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client used by the long-polling
// transport
func WithHTTPClient(client *http.Client) SessionOption {
	return func(s *Session) {
		s.httpClient = client
	}
}

// NewSession creates a closed session for the given server endpoint. Call
// Open, or use Run, to connect it.
func NewSession(endpoint string, opts ...SessionOption) (*Session, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, err
	}

	s := &Session{
		endpoint:        endpoint,
		connectionTypes: append([]ConnectionType(nil), DefaultConnectionTypes...),
		logger:          logrus.New(),
		closed:          true,
		newTransport:    createTransport,
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.connectionTypes) == 0 {
		return nil, ClientError{Reason: "no connection types provided"}
	}
	for _, ct := range s.connectionTypes {
		if !ct.IsValid() {
			return nil, BadConnectionTypeError{ct}
		}
	}

	s.logger.WithField("connection_types", connectionTypeValues(s.connectionTypes)).
		Debug("created session")
	return s, nil
}

// Closed reports whether the session is closed
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscriptions returns the channels the session is subscribed to, or nil
// when the session was never opened.
func (s *Session) Subscriptions() []Channel {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Subscriptions()
}

// ConnectionType returns the negotiated connection type, or the empty tag
// when the session was never opened.
func (s *Session) ConnectionType() ConnectionType {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return ""
	}
	return transport.ConnectionType()
}

// PendingCount returns the number of messages buffered in the inbound queue
func (s *Session) PendingCount() int {
	s.mu.Lock()
	incoming := s.incoming
	s.mu.Unlock()
	if incoming == nil {
		return 0
	}
	return len(incoming)
}

// HasPendingMessages reports whether the inbound queue has buffered messages
func (s *Session) HasPendingMessages() bool {
	return s.PendingCount() > 0
}

// Open negotiates a transport with the server, connects it and marks the
// session open. It fails with an InvalidOperationError when the session is
// already open; negotiation and connect failures close the partially-created
// transport before surfacing.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return InvalidOperationError{Reason: "session is already open"}
	}

	prefetch := s.prefetchSize
	if prefetch <= 0 {
		prefetch = defaultPrefetchSize
	}
	s.incoming = make(chan Message, prefetch)

	transport, err := s.negotiateTransport(ctx)
	if err != nil {
		return err
	}

	response, err := transport.Connect(ctx)
	if err != nil {
		_ = transport.Close()
		return err
	}
	if err := s.verifyResponse(response); err != nil {
		_ = transport.Close()
		return err
	}

	s.transport = transport
	s.closed = false
	return nil
}

// negotiateTransport settles on the connection type supported by both
// client and server. It probes with the client's most preferred type,
// handshakes with the full preference list, and picks the first
// client-preferred type the server also supports. When the picked type
// differs from the probed one, a new transport is created carrying the
// probe's clientId forward and the probe is closed.
func (s *Session) negotiateTransport(ctx context.Context) (Transport, error) {
	opts := TransportOptions{
		Endpoint:   s.endpoint,
		Incoming:   s.incoming,
		TLSConfig:  s.tlsConfig,
		HTTPClient: s.httpClient,
		Logger:     s.logger,
	}
	probe, err := s.newTransport(s.connectionTypes[0], opts)
	if err != nil {
		return nil, err
	}

	response, err := probe.Handshake(ctx, s.connectionTypes)
	if err != nil {
		_ = probe.Close()
		return nil, err
	}
	if err := s.verifyResponse(response); err != nil {
		_ = probe.Close()
		return nil, err
	}

	s.logger.WithField("supported_connection_types", response.SupportedConnectionTypes).
		Debug("connection types supported by the server")
	picked, ok := s.pickConnectionType(response.SupportedConnectionTypes)
	if !ok {
		_ = probe.Close()
		return nil, ClientError{
			Reason: "none of the connection types offered by the server are supported",
		}
	}
	s.logger.WithField("connection_type", string(picked)).
		Debug("picked connection type")

	if picked == probe.ConnectionType() {
		return probe, nil
	}

	opts.ClientID = probe.ClientID()
	next, err := s.newTransport(picked, opts)
	_ = probe.Close()
	if err != nil {
		return nil, err
	}
	return next, nil
}

// pickConnectionType returns the first entry of the client's preference list
// that also appears in the server-supported set. The intersection is ordered
// by client preference, not server preference.
func (s *Session) pickConnectionType(supported []string) (ConnectionType, bool) {
	for _, ct := range s.connectionTypes {
		for _, value := range supported {
			if string(ct) == value {
				return ct, true
			}
		}
	}
	return "", false
}

// Close closes the session. It is idempotent and always safe to call: a
// failed graceful disconnect is recorded as a diagnostic and swallowed, the
// transport is always closed, and the session always ends closed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		if s.transport.ClientID() != "" {
			if err := s.transport.Disconnect(ctx); err != nil {
				s.logger.WithError(err).Debug("disconnect request failed")
			}
		}
		_ = s.transport.Close()
	}
	s.closed = true
	return nil
}

// Subscribe asks the server to deliver messages published to the given
// channel into this session's inbound queue.
func (s *Session) Subscribe(ctx context.Context, channel Channel) error {
	transport, err := s.openTransport("can't send subscribe request while the session is closed")
	if err != nil {
		return err
	}
	response, err := transport.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	return s.verifyResponse(response)
}

// Unsubscribe cancels a subscription
func (s *Session) Unsubscribe(ctx context.Context, channel Channel) error {
	transport, err := s.openTransport("can't send unsubscribe request while the session is closed")
	if err != nil {
		return err
	}
	response, err := transport.Unsubscribe(ctx, channel)
	if err != nil {
		return err
	}
	return s.verifyResponse(response)
}

// Publish sends data to the given channel. The payload is marshaled to
// JSON.
func (s *Session) Publish(ctx context.Context, channel Channel, data interface{}) error {
	transport, err := s.openTransport("can't publish data while the session is closed")
	if err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	response, err := transport.Publish(ctx, channel, payload)
	if err != nil {
		return err
	}
	return s.verifyResponse(response)
}

func (s *Session) openTransport(reason string) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transport == nil {
		return nil, InvalidOperationError{Reason: reason}
	}
	return s.transport, nil
}

// verifyResponse classifies a response message: an explicit successful:false
// becomes a ServerError carrying the offending response, anything else is
// success.
func (s *Session) verifyResponse(response Message) error {
	if response.Failed() {
		return newServerError(response)
	}
	return nil
}

// Receive returns the next message delivered by the server. Once the session
// is closed, messages already buffered may still be drained; when the
// session is closed and the buffer is empty, Receive fails with an
// InvalidOperationError. Retrieved messages that themselves indicate a
// failure surface as a ServerError.
func (s *Session) Receive(ctx context.Context) (Message, error) {
	s.mu.Lock()
	sessionClosed, incoming, transport := s.closed, s.incoming, s.transport
	s.mu.Unlock()

	if sessionClosed && len(incoming) == 0 {
		return Message{}, InvalidOperationError{
			Reason: "the session is closed and there are no pending messages",
		}
	}

	message, err := s.getMessage(ctx, incoming, transport, s.connectionTimeout)
	if err != nil {
		return Message{}, err
	}
	if err := s.verifyResponse(message); err != nil {
		return Message{}, err
	}
	return message, nil
}

// getMessage races a pop from the inbound queue against the connectivity
// watchdog. With a zero timeout no watchdog is started and the pop runs
// alone. Whichever finishes first wins; the loser is cancelled and awaited
// before getMessage returns, also when the surrounding context is cancelled.
func (s *Session) getMessage(ctx context.Context, incoming chan Message, transport Transport, timeout time.Duration) (Message, error) {
	if timeout <= 0 || transport == nil {
		select {
		case message := <-incoming:
			return message, nil
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}

	watchdogCtx, cancel := context.WithCancel(ctx)
	watchdog := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchdog <- s.waitConnectionTimeout(watchdogCtx, transport, timeout)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case message := <-incoming:
		return message, nil
	case err := <-watchdog:
		return Message{}, err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// waitConnectionTimeout is the connectivity watchdog: it waits for the
// transport to report it is reconnecting, then gives it at most timeout to
// become connected again. A bounded wait that expires means the connection
// is lost; a bounded wait that succeeds loops back and keeps watching.
func (s *Session) waitConnectionTimeout(ctx context.Context, transport Transport, timeout time.Duration) error {
	for {
		if err := transport.WaitForConnecting(ctx); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := transport.WaitForConnected(waitCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return TransportTimeoutError{}
		}
		return err
	}
}

// All returns the session's messages as a pull-based sequence of repeated
// Receive calls. The sequence ends cleanly when the session is closed and
// drained; any other Receive failure is yielded to the consumer and ends
// the sequence. The session can be iterated again after a failed or
// abandoned iteration.
func (s *Session) All(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			message, err := s.Receive(ctx)
			if err != nil {
				var invalid InvalidOperationError
				if errors.As(err, &invalid) {
					return
				}
				yield(Message{}, err)
				return
			}
			if !yield(message, nil) {
				return
			}
		}
	}
}

// Run opens the session, invokes fn and always closes the session on the
// way out, including when Open itself fails or fn panics.
func (s *Session) Run(ctx context.Context, fn func(*Session) error) error {
	defer func() {
		_ = s.Close(ctx)
	}()
	if err := s.Open(ctx); err != nil {
		return err
	}
	return fn(s)
}
