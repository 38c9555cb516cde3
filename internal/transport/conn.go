// Package transport carries JSON messages between a host and a worker.
//
// Two framings are provided: newline-delimited JSON over a byte stream
// (stdio) and one JSON document per websocket text message.
package transport

import (
	"context"
	"errors"
)

// Conn is a message channel. Read returns one raw JSON document per
// call and io.EOF once the peer has gone away. Write encodes v as JSON.
// Write may be called concurrently with Read; concurrent writes are
// serialized.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, v any) error
	Close() error
}

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")
