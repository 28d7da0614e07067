package cometdtest

import gocometd "github.com/Kieran-Lock/gocometd"

// ServerOpt configures a Server at construction time.
type ServerOpt interface {
	apply(s *Server)
}

type serverOptFn func(s *Server)

func (opt serverOptFn) apply(s *Server) {
	opt(s)
}

// WithSupportedConnectionTypes overrides the connection types the server
// advertises in handshake responses.
func WithSupportedConnectionTypes(types ...string) ServerOpt {
	return serverOptFn(func(s *Server) {
		s.supportedTypes = types
	})
}

// WithHandshakeError makes every handshake fail with a 400 response.
func WithHandshakeError() ServerOpt {
	return serverOptFn(func(s *Server) {
		s.handshakeError = true
	})
}

// WithFailOn makes every request to the given channel fail with an
// unsuccessful reply.
func WithFailOn(channels ...gocometd.Channel) ServerOpt {
	return serverOptFn(func(s *Server) {
		for _, channel := range channels {
			s.failOn[channel] = true
		}
	})
}
