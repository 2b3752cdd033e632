package core

import (
	"context"
	"net/http"
)

// RequestMetadata opaque request information captured when a connection or an
// invalidation request first arrives: the header map and the peer address. The relay
// core never interprets these; they exist for the authorization hooks.
type RequestMetadata struct {
	// Headers request headers seen at connect / invalidation time
	Headers http.Header
	// PeerAddr remote peer address
	PeerAddr string
}

// Connection handle on one live transport-level session. The transport layer owns the
// socket; the relay core owns only the subscription book keeping tied to the handle.
//
// SendBytes must not block on another connection's I/O. A send failure marks the
// connection dead, after which the core purges its subscriptions.
type Connection interface {
	// SendBytes push a serialized payload to the connection peer
	SendBytes(ctxt context.Context, payload []byte) error
	// Metadata request metadata captured at connect time
	Metadata() RequestMetadata
}
