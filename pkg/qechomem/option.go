package qechomem

import (
	"context"
	"net"
)

const defaultAcceptQueueLen = 16

type config struct {
	acceptQueueLen int
	handshake      func(ctx context.Context, remote net.Addr) error
}

type Option func(*config)

// WithAcceptQueueLen sets how many unaccepted streams a session will buffer
// before OpenStream blocks.
func WithAcceptQueueLen(l int) Option {
	return func(c *config) {
		c.acceptQueueLen = l
	}
}

// WithHandshake sets a function which is called by Incoming.Await.
// If it returns an error the negotiation fails with that error.
// It may block, and should return when ctx is done.
func WithHandshake(fn func(ctx context.Context, remote net.Addr) error) Option {
	return func(c *config) {
		c.handshake = fn
	}
}
