// Package node assembles a running hopwire process from its parts: the
// resolved configuration, the pre-shared key file, the contact-port acceptor
// and the outbound sessions dialed at startup. It owns the process lifecycle
// (Start, Stop, Wait, Close) that main drives from the CLI and the signal
// handlers.
package node
