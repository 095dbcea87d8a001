// Package common provides the configuration structures, validation and logging
// shared by the socket, hub and server packages.
//
// Key Components:
//
//   - SocketConfig: construction parameters of a single socket (endpoint, tag,
//     connect block time, TCP options, buffer sizes, optional send queue bound).
//
//   - HubConfig / ServerConfig: parameters of the readiness loop and of the
//     frame server used by the cli.
//
//   - Validation: struct tag based validation of all configs, run before any
//     network activity.
//
//   - Logger: custom implementation of dragonboat's logger.ILogger with a
//     consistent "LEVEL | package | message" format for all packages.
package common
