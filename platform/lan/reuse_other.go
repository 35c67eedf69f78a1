//go:build !unix

package lan

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }
