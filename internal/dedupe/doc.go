// Package dedupe provides short-TTL check-and-set caches, one per entity
// class, used to suppress redundant durable writes while bulk history
// replays and incremental updates overlap.
package dedupe
