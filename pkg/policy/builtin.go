package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		memoryBudgetPolicy(),
		denylistPolicy(),
		scriptSourcePolicy(),
	}
}

// memoryBudgetPolicy rejects an activation that would push the summed memory
// weight of active resources past the budget. A budget of zero disables it.
func memoryBudgetPolicy() Policy {
	return Policy{
		Name:        "memory-budget",
		Description: "Keeps the memory weight of active resources within the configured budget",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package kindle.activation.budget

import rego.v1

deny contains violation if {
	input.budget > 0
	total := input.active_weight + input.resource.memory_weight
	total > input.budget
	violation := {
		"message": sprintf("activating %s needs %d, budget is %d (active: %v)", [input.resource.id, total, input.budget, input.active]),
		"resource": input.resource.id,
	}
}
`,
	}
}

// denylistPolicy rejects resources named in the denied list.
func denylistPolicy() Policy {
	return Policy{
		Name:        "denylist",
		Description: "Refuses to activate resources that operators have denied",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package kindle.activation.denylist

import rego.v1

deny contains violation if {
	some id in input.denied
	id == input.resource.id
	violation := {
		"message": sprintf("resource %s is denied", [input.resource.id]),
		"resource": input.resource.id,
	}
}
`,
	}
}

// scriptSourcePolicy flags script resources that carry no script.
func scriptSourcePolicy() Policy {
	return Policy{
		Name:        "script-source",
		Description: "Script resources must define their handler source",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package kindle.activation.script

import rego.v1

deny contains violation if {
	input.resource.kind == "script"
	not input.resource.has_script
	violation := {
		"message": sprintf("script resource %s has no script", [input.resource.id]),
		"resource": input.resource.id,
	}
}
`,
	}
}
