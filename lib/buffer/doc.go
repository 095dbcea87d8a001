// Package buffer implements the inbound byte buffer of a socket: a fixed-capacity,
// left-aligned region that is filled by socket reads and drained by a consumer
// that parses whole packets out of it.
//
// The buffer is not a ring. The active region always starts at offset 0 and
// spans [0, Len()). New bytes are appended at Len(); once the consumer has
// taken k bytes from the front, Compact(k) moves the remaining bytes back to
// offset 0. Memory per connection is therefore capped at Cap() bytes and the
// common case (draining as fast as filling) needs no shifting at all.
//
// Guarantees:
//
//   - 0 <= Len() <= Cap() at all times
//   - Append never writes past Cap(); it copies as much as fits and reports it
//   - Compact is byte preserving: bytes [k, n) end up unchanged at [0, n-k)
//
// Thread Safety:
//
//	All methods are safe for concurrent use. A single mutex guards the backing
//	array and the length. The lock is only held for the memory copy and the
//	index update, never across a syscall: callers read from the network into
//	their own scratch slice and Append the result.
package buffer
