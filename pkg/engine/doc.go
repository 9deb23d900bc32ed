// Package engine defines the shared types, interfaces and errors of kindle.
//
// kindle classifies task descriptions into the set of resources they need,
// activates those resources lazily (exactly once per process) and serves
// repeated sub-operations through a three-tier cache:
//
//	Persistent -> Lazy (cold) -> Memory
//
// Long-lived artifacts such as sessions and learned patterns are kept in a
// namespaced TTL store. The concrete components live in sibling packages:
// classifier, activation, cache, stores and manager.
package engine
