// Package cache implements the three-tier read-through, write-through cache.
//
// Reads consult the Persistent tier, then the Memory tier if it already holds
// the key, then the Lazy tier, which is opened on first use. Lazy hits are
// promoted into the faster tiers. Writes go to Persistent and always to Memory,
// so a write survives an unavailable Persistent tier.
//
// Every Get increments exactly one of four atomic outcome counters (persistent
// hit, lazy fallback, memory fallback, miss); Stats returns a snapshot.
package cache
