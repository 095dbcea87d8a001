// Package cmd implements the command-line interface of dSock. It provides a
// small command tree to run a frame server and to talk to it through a
// non-blocking socket driven by a hub.
//
// The package is organized into several subpackages:
//
//   - connect: Connects to a frame server, sends stdin lines as frames and prints received frames
//   - serve: Starts a frame server (echo or sink) with an optional metrics endpoint
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable DSOCK_<flag>
// (e.g. DSOCK_LOG_LEVEL=debug), .env and .env.local files are loaded on start.
//
// See dsock -help for a list of all commands.
package cmd
