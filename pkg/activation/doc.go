// Package activation owns the lifecycle of lazily activated resources.
//
// A Controller holds one handle per catalog resource. The first Acquire of a
// resource builds its provider through the Registry and activates it under a
// timeout; concurrent callers wait on the same attempt. Handles move through
// uninitialized, activating, active and failed. A failed handle is activated
// again only when it is next acquired.
package activation
