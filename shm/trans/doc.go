// Package trans implements the tick-driven transaction scheduler.
//
// A trans is a multi-step workflow stored as an ordinary region object whose
// payload embeds Base as its first field. The Manager keeps the global ids of
// every live trans in a flat region-resident vector and walks it round robin,
// a bounded number per Tick. Each visit checks the timeout bounds, releases
// the trans when it is finished and release-safe, and otherwise runs one Step.
//
// A trans that stops calling Advance or Touch is presumed stuck and is
// finished with CodeTimeout once its active timeout elapses. Releasing swaps
// the last vector entry into the freed position, so visit order is not stable
// across passes.
package trans
