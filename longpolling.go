package gocometd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

// longPollingTransport carries Bayeux messages over long-polling HTTP
// requests. Every operation is a POST of a JSON message batch; after Connect
// it keeps exactly one outstanding /meta/connect request open in the
// background and routes the event messages it returns into the session's
// inbound queue.
type longPollingTransport struct {
	endpoint *url.URL
	client   *http.Client
	incoming chan Message
	logger   logrus.FieldLogger
	state    *ConnectionStateMachine
	ids      messageIDSource

	mu            sync.Mutex
	clientID      string
	subscriptions map[Channel]struct{}
	interval      time.Duration
	pollCancel    context.CancelFunc
	pollDone      chan struct{}

	pollOnce  sync.Once
	closeOnce sync.Once
}

func newLongPollingTransport(opts TransportOptions) (Transport, error) {
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	client := opts.HTTPClient
	if client == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				TLSClientConfig:       opts.TLSConfig,
			},
			Jar: jar,
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &longPollingTransport{
		endpoint:      endpoint,
		client:        client,
		incoming:      opts.Incoming,
		logger:        logger.WithField("transport", string(ConnectionTypeLongPolling)),
		state:         NewConnectionStateMachine(),
		clientID:      opts.ClientID,
		subscriptions: make(map[Channel]struct{}),
	}, nil
}

func (t *longPollingTransport) ConnectionType() ConnectionType {
	return ConnectionTypeLongPolling
}

func (t *longPollingTransport) ClientID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientID
}

func (t *longPollingTransport) Subscriptions() []Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	channels := make([]Channel, 0, len(t.subscriptions))
	for channel := range t.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

func (t *longPollingTransport) Handshake(ctx context.Context, types []ConnectionType) (Message, error) {
	if err := t.state.ProcessEvent(handshakeSent); err != nil {
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
	m.ID = t.ids.next()

	batch, err := t.request(ctx, []Message{m})
	if err != nil {
		return Message{}, err
	}
	reply, ok := firstOnChannel(batch, MetaHandshake)
	if !ok {
		return Message{}, TransportError{Reason: "no handshake response from server"}
	}
	if !reply.Failed() && reply.ClientID != "" {
		t.mu.Lock()
		t.clientID = reply.ClientID
		t.mu.Unlock()
	}
	return reply, nil
}

func (t *longPollingTransport) Connect(ctx context.Context) (Message, error) {
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
func (t *longPollingTransport) markConnected() {
	switch t.state.CurrentState() {
	case connectedRepr:
		return
	case unconnectedRepr:
		t.processEvent(handshakeSent)
	}
	t.processEvent(successfullyConnected)
}

func (t *longPollingTransport) processEvent(e Event) {
	if err := t.state.ProcessEvent(e); err != nil {
		t.logger.WithError(err).Debug("rejected state machine event")
	}
}

// connectOnce sends a single /meta/connect request, routes any event
// messages piggybacked on the response and records the server's advice.
func (t *longPollingTransport) connectOnce(ctx context.Context) (Message, error) {
	builder := NewConnectRequestBuilder()
	builder.AddClientID(t.ClientID())
	if err := builder.AddConnectionType(ConnectionTypeLongPolling); err != nil {
		return Message{}, err
	}
	m, err := builder.Build()
	if err != nil {
		return Message{}, err
	}
	m.ID = t.ids.next()

	batch, err := t.request(ctx, []Message{m})
	if err != nil {
		return Message{}, err
	}
	reply, ok := firstOnChannel(batch, MetaConnect)
	if !ok {
		return Message{}, TransportError{Reason: "no connect response from server"}
	}
	if reply.Advice != nil {
		t.mu.Lock()
		t.interval = reply.Advice.IntervalAsDuration()
		t.mu.Unlock()
	}
	t.route(ctx, batch)
	return reply, nil
}

func (t *longPollingTransport) startPolling() {
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

// poll keeps one outstanding /meta/connect request at a time. A failed
// cycle flips the state machine back to connecting, which is what the
// session's watchdog keys on; the next successful cycle restores connected.
func (t *longPollingTransport) poll(ctx context.Context, done chan struct{}) {
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
			t.logger.WithError(err).Debug("connect poll failed")
			continue
		}
		if reply.Failed() {
			t.processEvent(connectionLost)
			// Surface the failed connect to the session so a pending
			// Receive can report the server error.
			t.deliver(ctx, reply)
			if reply.Advice != nil && reply.Advice.MustNotRetryOrHandshake() {
				t.logger.Debug("server advised not to reconnect, stopping poll loop")
				return
			}
			continue
		}
		t.markConnected()
	}
}

func (t *longPollingTransport) Subscribe(ctx context.Context, channel Channel) (Message, error) {
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

func (t *longPollingTransport) Unsubscribe(ctx context.Context, channel Channel) (Message, error) {
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

func (t *longPollingTransport) subscription(ctx context.Context, builder *SubscriptionRequestBuilder, channel Channel) (Message, error) {
	builder.AddClientID(t.ClientID())
	if err := builder.AddSubscription(channel); err != nil {
		return Message{}, err
	}
	m, err := builder.Build()
	if err != nil {
		return Message{}, err
	}
	m.ID = t.ids.next()

	batch, err := t.request(ctx, []Message{m})
	if err != nil {
		return Message{}, err
	}
	reply, ok := firstOnChannel(batch, m.Channel)
	if !ok {
		return Message{}, TransportError{Reason: "no response from server for " + string(m.Channel)}
	}
	t.route(ctx, batch)
	return reply, nil
}

func (t *longPollingTransport) Publish(ctx context.Context, channel Channel, data json.RawMessage) (Message, error) {
	builder := NewPublishRequestBuilder(channel)
	builder.AddClientID(t.ClientID())
	builder.AddData(data)
	m, err := builder.Build()
	if err != nil {
		return Message{}, err
	}
	m.ID = t.ids.next()

	batch, err := t.request(ctx, []Message{m})
	if err != nil {
		return Message{}, err
	}
	for _, reply := range batch {
		if reply.Channel == channel && reply.Successful != nil {
			return reply, nil
		}
	}
	return Message{}, TransportError{Reason: "no publish response from server"}
}

func (t *longPollingTransport) Disconnect(ctx context.Context) error {
	builder := NewDisconnectRequestBuilder()
	builder.AddClientID(t.ClientID())
	m, err := builder.Build()
	if err != nil {
		return err
	}
	m.ID = t.ids.next()

	batch, err := t.request(ctx, []Message{m})
	t.processEvent(disconnectSent)
	if err != nil {
		return err
	}
	if reply, ok := firstOnChannel(batch, MetaDisconnect); ok && reply.Failed() {
		return TransportError{Reason: "disconnect request failed"}
	}
	return nil
}

func (t *longPollingTransport) WaitForConnecting(ctx context.Context) error {
	return t.state.WaitForConnecting(ctx)
}

func (t *longPollingTransport) WaitForConnected(ctx context.Context) error {
	return t.state.WaitForConnected(ctx)
}

func (t *longPollingTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		cancel, done := t.pollCancel, t.pollDone
		t.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		t.processEvent(transportClosed)
		t.client.CloseIdleConnections()
	})
	return nil
}

// route delivers the event messages of a response batch into the session's
// inbound queue. Meta responses never go to the queue; service messages are
// delivered only when they match a subscription.
func (t *longPollingTransport) route(ctx context.Context, batch []Message) {
	for _, m := range batch {
		if !t.isEventMessage(m) {
			continue
		}
		t.deliver(ctx, m)
	}
}

func (t *longPollingTransport) deliver(ctx context.Context, m Message) {
	select {
	case t.incoming <- m:
	case <-ctx.Done():
	}
}

func (t *longPollingTransport) isEventMessage(m Message) bool {
	switch m.Channel.Type() {
	case MetaChannel:
		return false
	case ServiceChannel:
		return t.subscribedTo(m.Channel)
	default:
		return true
	}
}

func (t *longPollingTransport) subscribedTo(channel Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for subscription := range t.subscriptions {
		if subscription.Match(channel) {
			return true
		}
	}
	return false
}

func (t *longPollingTransport) request(ctx context.Context, ms []Message) ([]Message, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(ms); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, TransportError{Reason: "bayeux request failed", Err: err}
	}
	return t.parseResponse(resp)
}

func (t *longPollingTransport) parseResponse(resp *http.Response) ([]Message, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, BadResponseError{resp.StatusCode, resp.Status}
	}

	messages := make([]Message, 0)
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func firstOnChannel(ms []Message, channel Channel) (Message, bool) {
	for _, m := range ms {
		if m.Channel == channel {
			return m, true
		}
	}
	return Message{}, false
}
