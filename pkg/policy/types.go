package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is logged but does not block activation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks activation.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation of this severity denies activation.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy is a named Rego module whose deny set is evaluated at admission.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the Rego source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Input is the document handed to every policy as input.
type Input struct {
	Resource     ResourceInput `json:"resource"`
	Active       []string      `json:"active"`
	ActiveWeight int           `json:"active_weight"`
	Budget       int           `json:"budget"`
	Denied       []string      `json:"denied"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ResourceInput is the policy view of a resource descriptor.
type ResourceInput struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities"`
	MemoryWeight int      `json:"memory_weight"`
	HasScript    bool     `json:"has_script"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	Evaluated   []string    `json:"evaluated"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}
