// Package server provides a blocking TCP server for length prefixed frames
// (see package packet). It is the peer the sockets of this module talk to in
// tests and in the "dsock serve" command.
//
// Every accepted connection gets its own goroutine that reads one frame at a
// time, passes the payload to a HandleFunc and writes the reply, if any,
// before reading the next frame. Replies therefore keep the request order.
//
// A read timeout closes idle connections. A frame header announcing more
// than packet.MaxPayloadSize bytes closes the connection.
//
// Metrics:
//
//	If ServerConfig.MetricsEndpoint is set, /metrics on that address serves
//	every counter of the process (socket, server) in the prometheus text format.
package server
