// Package providers contains the built-in provider kinds.
//
// Simulated providers model an external capability with a fixed cold start
// and deterministic responses. Script providers run a Starlark module whose
// invoke function handles every operation.
package providers
