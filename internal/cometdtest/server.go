// Package cometdtest provides an in-memory Bayeux server for tests. It
// implements http.RoundTripper for the long-polling transport and
// http.Handler (websocket upgrade) for the websocket transport, so client
// tests can run without a network.
package cometdtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/igm/pubsub"

	gocometd "github.com/Kieran-Lock/gocometd"
)

var (
	chars    = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789")
	numChars = len(chars)
	advice   = &gocometd.Advice{
		Reconnect: "retry",
		Timeout:   int(30 * time.Second / time.Millisecond),
		Interval:  10,
	}
	upgrader = websocket.Upgrader{}
)

// Logger is the subset of testing.T the server logs through.
type Logger interface {
	Log(args ...any)
	Logf(format string, args ...any)
}

// Server is an in-memory Bayeux server.
type Server struct {
	log Logger

	mu      sync.Mutex
	running bool
	clients map[string]*client

	events pubsub.Publisher

	supportedTypes []string
	handshakeError bool
	failOn         map[gocometd.Channel]bool
}

type client struct {
	mu    sync.Mutex
	subs  []gocometd.Channel
	queue []gocometd.Message
	stop  chan struct{}
}

// NewServer creates a Server that logs through the given Logger, usually a
// *testing.T.
func NewServer(logger Logger, opts ...ServerOpt) *Server {
	server := &Server{
		log:            logger,
		clients:        make(map[string]*client),
		supportedTypes: []string{"websocket", "long-polling"},
		failOn:         make(map[gocometd.Channel]bool),
	}

	for _, opt := range opts {
		opt.apply(server)
	}

	return server
}

// Start marks the server as accepting requests.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Stop rejects further requests and releases every client's event listener.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for id, c := range s.clients {
		close(c.stop)
		delete(s.clients, id)
	}
}

// RoundTrip serves the long-polling transport.
func (s *Server) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, errors.New("server not running")
	}

	defer func() {
		if err := req.Body.Close(); err != nil {
			s.log.Logf("could not close test server request body: %+v", err)
		}
	}()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("issue reading body (%w)", err)
	}

	var msgs []gocometd.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return &http.Response{
			StatusCode: http.StatusUnprocessableEntity,
			Status:     http.StatusText(http.StatusUnprocessableEntity),
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}

	replies, handshake400 := s.handle(msgs)
	if handshake400 {
		return &http.Response{
			StatusCode: http.StatusBadRequest,
			Status:     http.StatusText(http.StatusBadRequest),
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"error":"Invalid request"}`))),
		}, nil
	}

	payload, err := json.Marshal(replies)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     http.StatusText(http.StatusOK),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}, nil
}

// ServeHTTP serves the websocket transport. Requests that are not websocket
// upgrades are served as long-polling message batches, so one endpoint can
// field both transports the way a real server does.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.servePoll(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Logf("websocket upgrade failed: %+v", err)
		return
	}
	defer conn.Close()

	for {
		var msgs []gocometd.Message
		if err := conn.ReadJSON(&msgs); err != nil {
			return
		}
		replies, handshake400 := s.handle(msgs)
		if handshake400 {
			return
		}
		if err := conn.WriteJSON(replies); err != nil {
			return
		}
	}
}

func (s *Server) servePoll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var msgs []gocometd.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	replies, handshake400 := s.handle(msgs)
	if handshake400 {
		w.WriteHeader(http.StatusBadRequest)
		if _, err := w.Write([]byte(`{"error":"Invalid request"}`)); err != nil {
			s.log.Logf("could not write test server response: %+v", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(replies); err != nil {
		s.log.Logf("could not write test server response: %+v", err)
	}
}

func (s *Server) handle(msgs []gocometd.Message) (replies []gocometd.Message, handshake400 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replies = make([]gocometd.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Channel {
		case gocometd.MetaHandshake:
			if s.handshakeError {
				return nil, true
			}
			if s.failOn[msg.Channel] {
				replies = append(replies, failedReply(msg, "402:handshake:injected failure"))
				continue
			}
			id := generateID(10)
			c := &client{stop: make(chan struct{})}
			s.clients[id] = c
			// Subscribe before the handshake reply is returned so events
			// published right after the handshake cannot slip past the
			// listener.
			events, _ := s.events.SubChannel(nil)
			go s.listen(c, events)
			replies = append(replies, gocometd.Message{
				Channel:                  gocometd.MetaHandshake,
				Version:                  msg.Version,
				SupportedConnectionTypes: s.supportedTypes,
				ClientID:                 id,
				Successful:               boolPtr(true),
				Advice:                   advice,
				ID:                       msg.ID,
			})

		case gocometd.MetaConnect:
			if s.failOn[msg.Channel] {
				replies = append(replies, failedReply(msg, "402:connect:injected failure"))
				continue
			}
			c, ok := s.clients[msg.ClientID]
			if !ok {
				replies = append(replies, failedReply(msg, "401:"+msg.ClientID+":unknown client"))
				continue
			}
			replies = append(replies, c.drain()...)
			replies = append(replies, gocometd.Message{
				Channel:    gocometd.MetaConnect,
				Successful: boolPtr(true),
				ClientID:   msg.ClientID,
				Advice:     advice,
				ID:         msg.ID,
			})

		case gocometd.MetaSubscribe, gocometd.MetaUnsubscribe:
			reply := gocometd.Message{
				Channel:      msg.Channel,
				ID:           msg.ID,
				ClientID:     msg.ClientID,
				Successful:   boolPtr(true),
				Subscription: msg.Subscription,
			}
			c, ok := s.clients[msg.ClientID]
			switch {
			case s.failOn[msg.Channel]:
				reply.Successful = boolPtr(false)
				reply.Error = "402:subscription:injected failure"
			case !ok:
				reply.Successful = boolPtr(false)
				reply.Error = "401:" + msg.ClientID + ":unknown client"
			case msg.Channel == gocometd.MetaSubscribe:
				c.subscribe(msg.Subscription)
			default:
				c.unsubscribe(msg.Subscription)
			}
			replies = append(replies, reply)

		case gocometd.MetaDisconnect:
			if c, ok := s.clients[msg.ClientID]; ok {
				close(c.stop)
				delete(s.clients, msg.ClientID)
			}
			reply := gocometd.Message{
				Channel:    gocometd.MetaDisconnect,
				ID:         msg.ID,
				ClientID:   msg.ClientID,
				Successful: boolPtr(true),
			}
			if s.failOn[msg.Channel] {
				reply.Successful = boolPtr(false)
				reply.Error = "402:disconnect:injected failure"
			}
			replies = append(replies, reply)

		default:
			reply := gocometd.Message{
				Channel:    msg.Channel,
				ID:         msg.ID,
				Successful: boolPtr(true),
			}
			if s.failOn[msg.Channel] {
				reply.Successful = boolPtr(false)
				reply.Error = "402:publish:injected failure"
			} else {
				s.events.Publish(gocometd.Message{
					Channel: msg.Channel,
					ID:      generateID(5),
					Data:    msg.Data,
				})
			}
			replies = append(replies, reply)
		}
	}
	return replies, false
}

// listen subscribes a client to the published event stream and queues the
// events matching one of its subscriptions until its next connect drains
// them.
func (s *Server) listen(c *client, reader <-chan interface{}) {
	for {
		select {
		case v := <-reader:
			m, ok := v.(gocometd.Message)
			if !ok {
				continue
			}
			c.offer(m)
		case <-c.stop:
			return
		}
	}
}

// Publish injects a server-initiated event, as if another client published
// it.
func (s *Server) Publish(channel gocometd.Channel, data json.RawMessage) {
	s.events.Publish(gocometd.Message{
		Channel: channel,
		ID:      generateID(5),
		Data:    data,
	})
}

func (c *client) subscribe(channel gocometd.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub == channel {
			return
		}
	}
	c.subs = append(c.subs, channel)
}

func (c *client) unsubscribe(channel gocometd.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[:0]
	for _, sub := range c.subs {
		if sub != channel {
			subs = append(subs, sub)
		}
	}
	c.subs = subs
}

func (c *client) offer(m gocometd.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.Match(m.Channel) {
			c.queue = append(c.queue, m)
			return
		}
	}
}

func (c *client) drain() []gocometd.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.queue
	c.queue = nil
	return queued
}

func failedReply(msg gocometd.Message, errorField string) gocometd.Message {
	return gocometd.Message{
		Channel:    msg.Channel,
		ID:         msg.ID,
		ClientID:   msg.ClientID,
		Successful: boolPtr(false),
		Error:      errorField,
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func generateID(length int) string {
	id := make([]rune, length)
	for i := range id {
		id[i] = chars[rand.Intn(numChars)]
	}
	return string(id)
}
