package sockrpc

import "context"

// WSConn is a single websocket session carrying text frames.
type WSConn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

type WSDialer interface {
	Dial(ctx context.Context, url string) (WSConn, error)
}

// WSDialerFunc adapts a function to WSDialer.
type WSDialerFunc func(ctx context.Context, url string) (WSConn, error)

func (f WSDialerFunc) Dial(ctx context.Context, url string) (WSConn, error) {
	return f(ctx, url)
}
