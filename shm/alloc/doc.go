// Package alloc provides the fixed-size chunk pool every object type is
// allocated from.
//
// # Overview
//
// A Pool divides its region extent into blocks of equally sized chunks.
// Chunks are addressed by a dense integer index (block*perBlock + slot),
// never by address, so a pool resumed at a different mapping base needs no
// fixups.
//
// Each carved block lives on exactly one list, chosen solely by its free
// count:
//
//	partial  0 < free < perBlock
//	full     free == 0
//	empty    free == perBlock
//
// Alloc prefers the head of the partial list, then an empty block, and only
// carves a new block when neither exists. Inside a block the free list is
// used first, then a bump index over never-used chunks. Capacity is fixed at
// construction: once Live reaches Capacity every Alloc fails with ErrNoSpace.
//
// When free-to-system is enabled, a block that becomes fully free while the
// pool holds more than two blocks' worth of free chunks is returned to the
// OS (its pages are advised away) instead of parking on the empty list.
//
// # Layout
//
//	+--------------+---------------------+---------------+----------------+
//	| header       | block table         | alloc bitmap  | chunk area     |
//	| (64 bytes)   | (maxBlocks × 24)    | (1 bit/chunk) | (page aligned) |
//	+--------------+---------------------+---------------+----------------+
//
// The free-list link of a free chunk is stored in the first four bytes of
// the chunk itself.
package alloc
