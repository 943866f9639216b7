//go:build !unix

package websocket

import "syscall"

// reuseAddr is a no-op where SO_REUSEADDR has different semantics.
func reuseAddr(network, address string, rc syscall.RawConn) error {
	return nil
}
