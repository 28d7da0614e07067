package gocometd

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	websocketHandshakeTimeout = 10 * time.Second
	websocketWriteTimeout     = 10 * time.Second
)

// websocketTransport carries Bayeux messages over a single websocket
// connection. Requests are written as one-element JSON arrays with generated
// ids; a reader goroutine matches replies to waiting callers by id and
// routes server-initiated messages into the session's inbound queue.
type websocketTransport struct {
	endpoint string
	dialer   *websocket.Dialer
	incoming chan Message
	logger   logrus.FieldLogger
	state    *ConnectionStateMachine
	ids      messageIDSource
	stop     chan struct{}

	mu            sync.Mutex
	conn          *websocket.Conn
	connLost      chan struct{}
	clientID      string
	subscriptions map[Channel]struct{}
	pending       map[string]chan Message
	interval      time.Duration
	closing       bool
	pollCancel    context.CancelFunc
	pollDone      chan struct{}
	readerDone    chan struct{}

	writeMu   sync.Mutex
	pollOnce  sync.Once
	closeOnce sync.Once
}

func newWebsocketTransport(opts TransportOptions) (Transport, error) {
	endpoint, err := websocketEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &websocketTransport{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: websocketHandshakeTimeout,
			TLSClientConfig:  opts.TLSConfig,
		},
		incoming:      opts.Incoming,
		logger:        logger.WithField("transport", string(ConnectionTypeWebsocket)),
		state:         NewConnectionStateMachine(),
		stop:          make(chan struct{}),
		clientID:      opts.ClientID,
		subscriptions: make(map[Channel]struct{}),
		pending:       make(map[string]chan Message),
	}, nil
}

// websocketEndpoint rewrites an http(s) endpoint to its ws(s) equivalent.
func websocketEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (t *websocketTransport) ConnectionType() ConnectionType {
	return ConnectionTypeWebsocket
}

func (t *websocketTransport) ClientID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientID
}

func (t *websocketTransport) Subscriptions() []Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	channels := make([]Channel, 0, len(t.subscriptions))
	for channel := range t.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

func (t *websocketTransport) Handshake(ctx context.Context, types []ConnectionType) (Message, error) {
	if err := t.state.ProcessEvent(handshakeSent); err != nil {
		return Message{}, err
	}
	if err := t.dial(ctx); err != nil {
		return Message{}, err
	}

	builder := NewHandshakeRequestBuilder()
	if err := builder.AddVersion("1.0"); err != nil {
		return Message{}, err
	}
	for _, ct := range types {
		if err := builder.AddSupportedConnectionType(ct); err != nil {
			return Message{}, err
		}
	}
	m, err := builder.Build()
	if err != nil {
		return Message{}, err
	}

	reply, err := t.exchange(ctx, m)
	if err != nil {
		return Message{}, err
	}
	if !reply.Failed() && reply.ClientID != "" {
		t.mu.Lock()
		t.clientID = reply.ClientID
		t.mu.Unlock()
	}
	return reply, nil
}

func (t *websocketTransport) dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return TransportError{Reason: "websocket transport closed"}
	}
	if t.conn != nil {
		return nil
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return TransportError{Reason: "websocket dial failed", Err: err}
	}

	done := make(chan struct{})
	lost := make(chan struct{})
	t.conn = conn
	t.readerDone = done
	t.connLost = lost
	go t.readLoop(conn, done, lost)
	return nil
}

// readLoop is the single reader of the websocket connection. Replies are
// matched to waiting callers by message id; everything else is routed to
// the inbound queue. On a read failure the dead connection is cleared so
// the heartbeat loop can re-dial, and lost is closed to release callers
// waiting on replies that will never arrive.
func (t *websocketTransport) readLoop(conn *websocket.Conn, done, lost chan struct{}) {
	defer close(done)
	defer close(lost)
	for {
		var batch []Message
		if err := conn.ReadJSON(&batch); err != nil {
			t.mu.Lock()
			closing := t.closing
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			if !closing {
				t.processEvent(connectionLost)
				t.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		for _, m := range batch {
			t.dispatch(m)
		}
	}
}

func (t *websocketTransport) dispatch(m Message) {
	if m.ID != "" {
		t.mu.Lock()
		reply, ok := t.pending[m.ID]
		if ok {
			delete(t.pending, m.ID)
		}
		t.mu.Unlock()
		if ok {
			reply <- m
			return
		}
	}
	if m.Failed() || t.isEventMessage(m) {
		select {
		case t.incoming <- m:
		case <-t.stop:
		}
	}
}

func (t *websocketTransport) isEventMessage(m Message) bool {
	switch m.Channel.Type() {
	case MetaChannel:
		return false
	case ServiceChannel:
		return t.subscribedTo(m.Channel)
	default:
		return true
	}
}

func (t *websocketTransport) subscribedTo(channel Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for subscription := range t.subscriptions {
		if subscription.Match(channel) {
			return true
		}
	}
	return false
}

// exchange writes a request and waits for the reply bearing the same id.
func (t *websocketTransport) exchange(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = t.ids.next()
	}

	reply := make(chan Message, 1)
	t.mu.Lock()
	conn, lost := t.conn, t.connLost
	if conn != nil {
		t.pending[m.ID] = reply
	}
	t.mu.Unlock()
	if conn == nil {
		return Message{}, TransportError{Reason: "websocket is not connected"}
	}

	if err := t.write(conn, []Message{m}); err != nil {
		t.mu.Lock()
		delete(t.pending, m.ID)
		t.mu.Unlock()
		return Message{}, err
	}

	select {
	case response := <-reply:
		return response, nil
	case <-lost:
		// Prefer a reply that raced in just before the reader died.
		select {
		case response := <-reply:
			return response, nil
		default:
		}
		t.mu.Lock()
		delete(t.pending, m.ID)
		t.mu.Unlock()
		return Message{}, TransportError{Reason: "websocket connection lost"}
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, m.ID)
		t.mu.Unlock()
		return Message{}, ctx.Err()
	case <-t.stop:
		t.mu.Lock()
		delete(t.pending, m.ID)
		t.mu.Unlock()
		return Message{}, TransportError{Reason: "websocket transport closed"}
	}
}

func (t *websocketTransport) write(conn *websocket.Conn, batch []Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return TransportError{Reason: "websocket write failed", Err: err}
	}
	if err := conn.WriteJSON(batch); err != nil {
		return TransportError{Reason: "websocket write failed", Err: err}
	}
	return nil
}

func (t *websocketTransport) Connect(ctx context.Context) (Message, error) {
	reply, err := t.connectOnce(ctx)
	if err != nil {
		return Message{}, err
	}
	if !reply.Failed() {
		t.markConnected()
		t.startPolling()
	}
	return reply, nil
}

// markConnected drives the state machine to connected. A transport created
// with a carried-forward client id during negotiation is never handshaken
// itself, so its machine can still be unconnected on the first connect.
func (t *websocketTransport) markConnected() {
	switch t.state.CurrentState() {
	case connectedRepr:
		return
	case unconnectedRepr:
		t.processEvent(handshakeSent)
	}
	t.processEvent(successfullyConnected)
}

func (t *websocketTransport) processEvent(e Event) {
	if err := t.state.ProcessEvent(e); err != nil {
		t.logger.WithError(err).Debug("rejected state machine event")
	}
}

func (t *websocketTransport) connectOnce(ctx context.Context) (Message, error) {
	builder := NewConnectRequestBuilder()
	builder.AddClientID(t.ClientID())
	if err := builder.AddConnectionType(ConnectionTypeWebsocket); err != nil {
		return Message{}, err
	}
	m, err := builder.Build()
	if err != nil {
		return Message{}, err
	}

	reply, err := t.exchange(ctx, m)
	if err != nil {
		return Message{}, err
	}
	if reply.Advice != nil {
		t.mu.Lock()
		t.interval = reply.Advice.IntervalAsDuration()
		t.mu.Unlock()
	}
	return reply, nil
}

func (t *websocketTransport) startPolling() {
	t.pollOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		t.mu.Lock()
		t.pollCancel = cancel
		t.pollDone = done
		t.mu.Unlock()
		go t.poll(ctx, done)
	})
}

// poll maintains the outstanding /meta/connect heartbeat the Bayeux
// protocol requires even over a persistent socket.
func (t *websocketTransport) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		t.mu.Lock()
		interval := t.interval
		t.mu.Unlock()
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}

		reply, err := t.connectOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.processEvent(connectionLost)
			t.logger.WithError(err).Debug("connect heartbeat failed")
			if err := t.dial(ctx); err != nil {
				t.logger.WithError(err).Debug("websocket redial failed")
			}
			continue
		}
		if reply.Failed() {
			t.processEvent(connectionLost)
			if reply.Advice != nil && reply.Advice.MustNotRetryOrHandshake() {
				t.logger.Debug("server advised not to reconnect, stopping heartbeat")
				return
			}
			continue
		}
		t.markConnected()
	}
}

func (t *websocketTransport) Subscribe(ctx context.Context, channel Channel) (Message, error) {
	reply, err := t.subscription(ctx, NewSubscribeRequestBuilder(), channel)
	if err != nil {
		return Message{}, err
	}
	if !reply.Failed() {
		t.mu.Lock()
		t.subscriptions[channel] = struct{}{}
		t.mu.Unlock()
	}
	return reply, nil
}

func (t *websocketTransport) Unsubscribe(ctx context.Context, channel Channel) (Message, error) {
	reply, err := t.subscription(ctx, NewUnsubscribeRequestBuilder(), channel)
	if err != nil {
		return Message{}, err
	}
	if !reply.Failed() {
		t.mu.Lock()
		delete(t.subscriptions, channel)
		t.mu.Unlock()
	}
	return reply, nil
}

func (t *websocketTransport) subscription(ctx context.Context, builder *SubscriptionRequestBuilder, channel Channel) (Message, error) {
	builder.AddClientID(t.ClientID())
	if err := builder.AddSubscription(channel); err != nil {
		return Message{}, err
	}
	m, err := builder.Build()
	if err != nil {
		return Message{}, err
	}
	return t.exchange(ctx, m)
}

func (t *websocketTransport) Publish(ctx context.Context, channel Channel, data json.RawMessage) (Message, error) {
	builder := NewPublishRequestBuilder(channel)
	builder.AddClientID(t.ClientID())
	builder.AddData(data)
	m, err := builder.Build()
	if err != nil {
		return Message{}, err
	}
	return t.exchange(ctx, m)
}

func (t *websocketTransport) Disconnect(ctx context.Context) error {
	builder := NewDisconnectRequestBuilder()
	builder.AddClientID(t.ClientID())
	m, err := builder.Build()
	if err != nil {
		return err
	}

	reply, err := t.exchange(ctx, m)
	t.processEvent(disconnectSent)
	if err != nil {
		return err
	}
	if reply.Failed() {
		return TransportError{Reason: "disconnect request failed"}
	}
	return nil
}

func (t *websocketTransport) WaitForConnecting(ctx context.Context) error {
	return t.state.WaitForConnecting(ctx)
}

func (t *websocketTransport) WaitForConnected(ctx context.Context) error {
	return t.state.WaitForConnected(ctx)
}

func (t *websocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		cancel, pollDone := t.pollCancel, t.pollDone
		conn, readerDone := t.conn, t.readerDone
		t.mu.Unlock()

		close(t.stop)
		if cancel != nil {
			cancel()
			<-pollDone
		}
		if conn != nil {
			_ = conn.Close()
		}
		if readerDone != nil {
			<-readerDone
		}
		t.processEvent(transportClosed)
	})
	return nil
}
