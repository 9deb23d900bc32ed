package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Options configures the data the built-in policies read from input.
type Options struct {
	// MemoryBudget caps the summed memory weight of active resources. Zero disables it.
	MemoryBudget int

	// Denied lists resource ids that may never be activated.
	Denied []string
}

// Engine evaluates Rego admission policies. It implements engine.Admitter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	opts     Options
	events   *telemetry.EventPublisher
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		opts:     opts,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Admit evaluates every enabled policy for req and returns an error wrapping
// engine.ErrAdmissionDenied if any blocking violation is found.
func (e *Engine) Admit(ctx context.Context, req engine.AdmissionRequest) error {
	decision, err := e.Check(ctx, req)
	if err != nil {
		return err
	}
	e.publishViolations(req.Resource.ID, decision.Violations)
	if decision.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(decision.Violations))
	for _, v := range decision.Violations {
		if v.Severity.Blocks() {
			msgs = append(msgs, v.Message)
		}
	}
	return fmt.Errorf("%w: %s", engine.ErrAdmissionDenied, strings.Join(msgs, "; "))
}

// SetEvents directs the violations found by Admit to events. Check stays silent.
func (e *Engine) SetEvents(events *telemetry.EventPublisher) {
	e.mu.Lock()
	e.events = events
	e.mu.Unlock()
}

func (e *Engine) publishViolations(resourceID string, violations []Violation) {
	e.mu.RLock()
	events := e.events
	e.mu.RUnlock()
	if events == nil {
		return
	}

	for _, v := range violations {
		if err := events.PublishPolicyViolation(resourceID, v.Policy, v.Message, v.Severity.Blocks()); err != nil {
			e.logger.Debug().Err(err).Str("policy", v.Policy).Msg("Violation event dropped")
		}
	}
}

// Check returns the full decision for req without converting it to an error.
func (e *Engine) Check(ctx context.Context, req engine.AdmissionRequest) (*Decision, error) {
	return e.Evaluate(ctx, e.inputFor(req))
}

func (e *Engine) inputFor(req engine.AdmissionRequest) Input {
	e.mu.RLock()
	opts := e.opts
	e.mu.RUnlock()

	active := req.Active
	if active == nil {
		active = []string{}
	}
	denied := opts.Denied
	if denied == nil {
		denied = []string{}
	}
	caps := req.Resource.CapabilityKeywords
	if caps == nil {
		caps = []string{}
	}

	return Input{
		Resource: ResourceInput{
			ID:           req.Resource.ID,
			Kind:         req.Resource.FactoryKind(),
			Capabilities: caps,
			MemoryWeight: req.Resource.MemoryWeight,
			HasScript:    strings.TrimSpace(req.Resource.Script) != "",
		},
		Active:       active,
		ActiveWeight: req.ActiveWeight,
		Budget:       opts.MemoryBudget,
		Denied:       denied,
		Timestamp:    time.Now().UTC(),
	}
}

// Evaluate runs every enabled policy against input. Policies that fail to
// evaluate are reported as warnings and do not block.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true}

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.Evaluated = append(decision.Evaluated, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("resource", input.Resource.ID).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		decision.Violations = append(decision.Violations, violations...)
	}

	for _, v := range decision.Violations {
		if v.Severity.Blocks() {
			decision.Allowed = false
			break
		}
	}
	decision.EvaluatedAt = time.Now()

	e.logger.Debug().
		Str("resource", input.Resource.ID).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Admission evaluated")

	return decision, nil
}

// evaluatePolicy evaluates the deny set of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny set element.
func createViolation(policy *Policy, result interface{}, input Input) Violation {
	v := Violation{
		Policy:   policy.Name,
		Resource: input.Resource.ID,
		Severity: policy.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compileAndStorePolicy parses policy, prepares its deny query and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled successfully")
	return nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// LoadPolicies compiles the policies found at paths alongside the built-ins.
// Either every policy compiles or none are added.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies resets the engine to the built-ins plus policies.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy)
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		e.policies = previous
		return err
	}
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// SetOptions replaces the budget and denylist used by later admissions.
func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	e.opts = opts
	e.mu.Unlock()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
