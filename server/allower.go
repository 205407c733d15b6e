package server

import "net"

// Allower may be implemented to specify which connections may observe the
// world through the gateway. Set the Allower field of Config to use it.
type Allower interface {
	// Allow is called for every observer connection before its handshake. The
	// remote address and the Origin header of the connection are passed. If
	// Allow returns false, the connection is closed with the reason returned.
	Allow(addr net.Addr, origin string) (reason string, allowed bool)
}

// allowByDefault admits every connection. It is the Allower of servers that
// did not configure one.
type allowByDefault struct{}

func (allowByDefault) Allow(net.Addr, string) (string, bool) { return "", true }
