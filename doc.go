// Package ix provides the concurrent building blocks of a high-throughput
// pipeline runtime: a sharded hash table with online incremental resize
// (Table), a mutex-guarded min-heap expiry queue (Queue), and a hashed
// timer wheel with per-slot locking (Wheel).
//
// The three types are independent of one another and of any particular
// orchestration layer; each is an opaque handle with a small operation
// vocabulary, the way github.com/llxisdsh/pb exposes MapOf, FlatMapOf and
// HashTrieMap as sibling concurrent maps in one flat package. Construction
// takes functional options (WithXxx) rather than positional parameters.
package ix
