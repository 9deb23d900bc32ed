// Package policy provides Rego-based admission control for resource activation.
//
// The Engine compiles a set of policies, each a Rego module defining a deny
// set, and evaluates them before a resource is activated. It implements
// engine.Admitter, so it can be handed directly to an activation controller.
//
// Every policy receives the same input document:
//
//	{
//	  "resource":      {"id": "...", "kind": "...", "capabilities": [...], "memory_weight": 15, "has_script": false},
//	  "active":        ["search", "cache"],
//	  "active_weight": 27,
//	  "budget":        100,
//	  "denied":        ["hetzner"],
//	  "timestamp":     "..."
//	}
//
// Built-in policies enforce the memory budget, the denylist and the presence of
// a script for script resources. Additional policies are loaded from .rego or
// .json files:
//
//	package kindle.activation.custom
//
//	import rego.v1
//
//	deny contains violation if {
//		input.resource.kind == "simulated"
//		count(input.active) > 8
//		violation := {"message": "too many active resources", "severity": "warning"}
//	}
//
// Violations with severity "error" block activation; "warning" violations are
// reported in the Decision only.
package policy
