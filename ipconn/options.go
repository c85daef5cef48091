package ipconn

import (
	"context"
	"net"
	"time"
)

// DefaultDialTimeout bounds each socket connect.
const DefaultDialTimeout = 500 * time.Millisecond

// Option configures a Conn.
type Option func(*options)

type options struct {
	dialTimeout time.Duration
	dial        func(ctx context.Context, network, address string) (net.Conn, error)
}

func defaultOptions() *options {
	d := &net.Dialer{}
	return &options{
		dialTimeout: DefaultDialTimeout,
		dial:        d.DialContext,
	}
}

// WithDialTimeout sets the connect timeout per socket.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithDialer replaces the TCP dialer, e.g. to tunnel the connection.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(o *options) {
		if dial != nil {
			o.dial = dial
		}
	}
}
