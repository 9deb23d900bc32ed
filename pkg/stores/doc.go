// Package stores provides persistence layer implementations for kindle.
//
// SQLiteStore and MemoryStore implement the namespaced TTL store: records are
// addressed by (namespace, key), expire lazily at read time and can be reclaimed
// by a Sweeper. RedisBackend and NamespaceBackend implement cache tiers on top
// of Redis and of a store namespace.
package stores
