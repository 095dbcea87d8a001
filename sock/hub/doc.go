// Package hub implements the readiness loop that drives sockets after their
// connect.
//
// A Hub holds any number of sockets keyed by their tag. Each Step polls the
// descriptors of all connected sockets, flushes the send queues of writable
// sockets, reads from readable ones and decodes the inbound bytes into
// length prefixed frames. Everything that happens is published as an Event:
//
//	EventConnected      the connect of a socket succeeded
//	EventConnectFailed  a socket closed without ever connecting
//	EventFrame          one inbound frame, the payload is owned by the receiver
//	EventDisconnected   a connected socket closed, Err tells why
//
// Events are handed to the consumer through a lock-free MPSC queue, so a slow
// consumer never stalls the loop. The queue is unbounded: the consumer must
// keep reading Events until the channel is closed by Close.
//
// The hub never reconnects. Closed sockets are removed when
// HubConfig.RemoveClosed is set, the owner may register a fresh socket under
// the same tag.
package hub
