// Package obj is the typed object layer on top of the chunk pool.
//
// # Overview
//
// Every object type is registered once per process with a Spec (id, name,
// capacity, parent type, hash/singleton flags) and a Hooks value that
// implements the type's lifecycle: Create for fresh initialisation, Resume
// for an object found in a resumed region, Destroy for teardown.
//
// Each registered type owns a Segment: a chunk pool plus a dense vector of
// live chunk indices (O(1) id↔chunk mapping, O(n) iteration) and, for
// hash-keyed types, an open-addressing hash index from uint64 key to chunk.
//
// Any live object also holds a global id (ID) from the runtime-wide Registry.
// Ids embed a reuse round so a recycled table slot yields a different id.
//
// # Chunk layout
//
//	+---------------------------+---------------------------+
//	| Header (32 bytes)         | payload (Spec size)       |
//	+---------------------------+---------------------------+
//
// The header's Link field holds the object's position in the dense vector
// while live; the pool reuses the same four bytes as its free-list link.
//
// # References
//
// A Ref (type, chunk) addresses an object directly and performs no validity
// check beyond "the chunk is allocated". A Handle (global id, sequence)
// resolves only while the object that minted it is alive: every object gets
// a fresh sequence number from a region-wide counter, so a chunk reused by a
// new object never matches an old handle. Neither contains an address, so
// nothing needs rebasing when the region maps elsewhere.
package obj
