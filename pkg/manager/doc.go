// Package manager executes tasks end to end.
//
// A Manager classifies a task, activates the resources its rule names through
// the activation controller, invokes each resource behind the tiered cache and
// records the session and a performance entry in the persistence store. The
// classifier can be replaced at runtime with SetClassifier, which is how a
// config reload swaps the rule table without interrupting tasks in flight.
//
// The session helpers persist cross-session state in the well-known store
// namespaces: sessions, agent learnings and shared knowledge patterns.
package manager
