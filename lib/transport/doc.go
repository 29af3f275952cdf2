// Package transport owns the UDP sockets under a hopping session.
//
// # Overview
//
// A session's reachable ports change every hop interval. The Binder keeps
// one socket bound per active port and hands inbound datagrams, stamped with
// their arrival time, to the session's event loop over a single channel.
//
// # Make-Before-Break
//
// Retune binds the ports entering the schedule before it unbinds the ports
// leaving it, so in-flight packets addressed to either the old or the new
// window are never dropped at the socket layer.
//
// # Thread Safety
//
// Binder is safe for concurrent use: the socket map is mutex protected and
// each socket runs its own read loop.
package transport
