// Package socket implements a non-blocking TCP client socket that is driven
// by an external scheduler (see package hub).
//
// Lifecycle:
//
//	New -> Init/Start -> (connecting) -> connected -> closed
//	                          \______________________/
//	                                   failed
//
// Init validates the arguments and spawns a goroutine for the connect, which
// is the only operation that may block. With blockSec == 0 Init returns right
// away; with blockSec > 0 it waits for the connect (bounded by blockSec) and
// returns its outcome. Done is closed once the connect goroutine finished.
//
// After the connect all I/O is non-blocking and happens only when the
// scheduler calls it:
//
//   - RecvFromSock appends whatever the kernel holds to the inbound buffer
//   - FlushSendQueue writes queued packets until the kernel would block
//   - HasAvailable checks read readiness without blocking
//   - Poll waits for readiness of many sockets at once
//
// Any hard error, a peer close or a corrupt inbound stream closes the socket.
// There is no callback and no reconnect: the owner observes Connected, Closed
// and Err after each call.
//
// Threading:
//
//	SendPacket, Stop, CloseSocket and the accessors are safe to call from any
//	goroutine. RecvFromSock, FlushSendQueue and the inbound buffer methods are
//	safe for concurrent use, but the stream is only meaningful with a single
//	reader and a single consumer. The inbound buffer and the send queue have
//	independent locks, neither is held across a syscall.
package socket
