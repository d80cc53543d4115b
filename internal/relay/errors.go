package relay

import "errors"

var (
	// ErrRejectedConnect is returned by [Manager.Connect] when the client did
	// not present a credential. No session is created.
	ErrRejectedConnect = errors.New("relay: connect rejected: credential required")

	// ErrUpstreamConnect wraps the cause when a session's upstream link fails
	// to connect.
	ErrUpstreamConnect = errors.New("relay: upstream connect failed")

	// ErrMalformedControl is returned by [Dispatcher.Dispatch] for a text
	// message that is not a JSON object. The message is dropped.
	ErrMalformedControl = errors.New("relay: malformed control message")

	// ErrDuplicateSession is returned by [Registry.Create] when a session for
	// the connection id already exists.
	ErrDuplicateSession = errors.New("relay: duplicate session")

	// ErrSessionNotActive is returned when a client message arrives for a
	// session that is unknown, still connecting, or closed.
	ErrSessionNotActive = errors.New("relay: session not active")

	// ErrShuttingDown is returned by [Manager.Connect] once shutdown began.
	ErrShuttingDown = errors.New("relay: shutting down")

	// ErrClientGone is the error a [Sender] returns (possibly wrapped) when the
	// connection id no longer maps to a live client.
	ErrClientGone = errors.New("relay: client connection gone")
)
