package websocket

import (
	"context"
	"net"

	"golang.org/x/net/netutil"
)

// listen binds addr with address reuse enabled. A positive maxConns caps
// the number of simultaneously open accepted sockets.
func listen(ctx context.Context, addr string, maxConns int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}
