package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration at path over Default and validates it.
// YAML (.yaml, .yml), JSON (.json) and CUE (.cue) files are supported.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		cfg, err = Parse(data)
	case ".cue":
		cfg, err = ParseCUE(path, data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML or JSON over Default. Fields that are absent keep their
// default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseCUE evaluates a CUE document, checks it against the configuration
// schema and decodes the result over Default.
func ParseCUE(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	encoded, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode CUE value: %w", err)
	}
	return Parse(encoded)
}

// formatCUEError flattens a CUE error list into one error with positions.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%s: %s", pos, msg)
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("cue: %s", strings.Join(msgs, "; "))
}

const configSchema = `
#Duration: string & =~"^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))*$"

#Resource: {
	id:                  string & =~"^[A-Za-z0-9_.-]+$"
	kind?:               string
	capabilities?:       [...string]
	activation_latency?: #Duration
	memory_weight?:      int & >=0
	config?:             {...}
	script?:             string
}

#Rule: {
	keywords:   [string, ...string]
	confidence: number & >=0 & <=1
	strategy:   string & !=""
	resources?: [...string]
}

#Tier: {
	backend?:     "none" | "redis" | "store" | "memory"
	url?:         string
	prefix?:      string
	namespace?:   string
	timeout?:     #Duration
	retry_after?: #Duration
}

#Config: {
	telemetry?: {...}
	resources?: [...#Resource]
	rules?: [...#Rule]
	fallback?: {
		strategy?:   string & !=""
		confidence?: number & >=0 & <=1
		resources?: [...string]
	}
	cache?: {
		default_ttl?:   #Duration
		memory_shards?: int & >=0
		persistent?:    #Tier
		lazy?:          #Tier
	}
	store?: {
		driver?:         "sqlite" | "memory"
		path?:           string
		sweep_interval?: #Duration
		namespace_ttls?: {[string]: #Duration}
	}
	activation?: {
		timeout?:            #Duration
		memory_budget?:      int & >=0
		denied?:             [...string]
		policy_paths?:       [...string]
		script_timeout?:     #Duration
		degrade_on_failure?: bool
	}
}
`
