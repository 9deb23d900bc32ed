package classifier

// DefaultRule is the fallback used when no rule in the table matches.
func DefaultRule() Rule {
	return Rule{
		Confidence: DefaultConfidence,
		Strategy:   DefaultStrategy,
		Resources:  []string{},
	}
}

// DefaultRules returns the built-in rule table. Order matters: the first match wins,
// so the broad infrastructure rule shadows "cloud" and "deploy" for the cloud
// deployment rule, which is reached only through "production" or "scale".
func DefaultRules() []Rule {
	return []Rule{
		{
			Keywords:   []string{"error", "522", "timeout", "fail"},
			Confidence: 0.98,
			Strategy:   "error_solving",
			Resources:  []string{"search"},
		},
		{
			Keywords:   []string{"research", "analyze", "pesquis"},
			Confidence: 0.98,
			Strategy:   "research",
			Resources:  []string{"search"},
		},
		{
			Keywords:   []string{"server", "hetzner", "cloud", "vps", "deploy"},
			Confidence: 0.95,
			Strategy:   "infrastructure",
			Resources:  []string{"serverProvisioner", "orchestrator"},
		},
		{
			Keywords:   []string{"image", "generate", "visual", "art", "design"},
			Confidence: 0.93,
			Strategy:   "creative",
			Resources:  []string{"imageGenerator"},
		},
		{
			Keywords:   []string{"document", "pdf", "process", "text"},
			Confidence: 0.92,
			Strategy:   "document_processing",
			Resources:  []string{"docProcessor", "cache"},
		},
		{
			Keywords:   []string{"cache", "memory", "store", "database"},
			Confidence: 0.91,
			Strategy:   "data_management",
			Resources:  []string{"cache", "vectorStore"},
		},
		{
			Keywords:   []string{"production", "scale"},
			Confidence: 0.94,
			Strategy:   "cloud_deployment",
			Resources:  []string{"cloudDeploy", "appDeploy", "orchestrator"},
		},
		{
			Keywords:   []string{"vector", "embedding", "search", "similarity"},
			Confidence: 0.90,
			Strategy:   "vector_search",
			Resources:  []string{"vectorStore", "cache"},
		},
		{
			Keywords:   []string{"orchestrate", "coordinate", "agents"},
			Confidence: 0.96,
			Strategy:   "orchestration",
			Resources:  []string{"orchestrator"},
		},
	}
}
