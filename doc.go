// Package gocometd is a client for servers speaking the Bayeux
// publish/subscribe protocol, such as CometD.
//
// A Session negotiates a transport with the server, maintains subscriptions
// and delivers incoming messages through a pull-based Receive call. The
// simplest way to use one is through the scoped Run helper, which guarantees
// the session is closed on exit:
//
//	session, err := gocometd.NewSession("https://example.com/cometd")
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = session.Run(ctx, func(s *gocometd.Session) error {
//		if err := s.Subscribe(ctx, "/chat/demo"); err != nil {
//			return err
//		}
//		for message, err := range s.All(ctx) {
//			if err != nil {
//				return err
//			}
//			fmt.Printf("%s: %s\n", message.Channel, message.Data)
//		}
//		return nil
//	})
//
// The session tries connection types in client preference order (websocket
// first, then long-polling by default) and settles on the first one the
// server also supports. Both transports deliver server-initiated messages
// into an internal queue that Receive drains; when a connection timeout is
// configured, Receive fails with a TransportTimeoutError if connectivity is
// lost for longer than the allotted time.
package gocometd
