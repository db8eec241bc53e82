/*
Package lsmtree is an embedded, persistent, ordered key-value storage
engine built on a log-structured merge tree.

Writes buffer in an in-memory memtable, seal into immutable on-disk
tables organized into levels, and periodic compaction reclaims space and
bounds read amplification. The engine supports point reads and ordered
range/prefix scans at any historical sequence number a caller has kept a
Snapshot for, half-open range tombstones for efficient bulk deletion, and
optional key-value separation that stores large values in a separate
append-only blob file to cut compaction write amplification.

# Sequence numbers

lsmtree never generates sequence numbers itself: every Insert, Remove,
RemoveWeak, and RemoveRange call takes one from its caller, who is
expected to own a monotonic counter (typically backed by a write-ahead
log) and guarantee it only increases. This keeps the engine's job to
ordering and visibility, not durability of individual writes.

# Concurrency

A Tree is safe for concurrent use by multiple goroutines. An Iterator
returned by Range or Prefix is not; each goroutine scanning concurrently
should open its own.

# Flush and compaction are caller-driven

Insert never rotates or flushes the active memtable on its own. A caller
watching memtable size calls RotateMemtable to seal it and FlushActiveMemtable
to write it out, and calls Compact to run one compaction pass under
whichever options.Strategy it configures. This engine has no background
goroutines; callers wanting automatic flush/compaction run these on their
own schedule.
*/
package lsmtree
