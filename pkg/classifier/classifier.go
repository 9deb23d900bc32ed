package classifier

import (
	"strings"

	"github.com/openfroyo/kindle/pkg/engine"
)

// DefaultStrategy is the strategy reported when no rule matches.
const DefaultStrategy = "general"

// DefaultConfidence is the confidence reported when no rule matches.
const DefaultConfidence = 0.88

// Rule maps a keyword set to a fixed classification.
type Rule struct {
	Keywords   []string `json:"keywords" yaml:"keywords" validate:"required,min=1,dive,required"`
	Confidence float64  `json:"confidence" yaml:"confidence" validate:"gte=0,lte=1"`
	Strategy   string   `json:"strategy" yaml:"strategy" validate:"required"`
	Resources  []string `json:"resources" yaml:"resources"`
}

// Classifier evaluates an ordered rule table. It holds no mutable state and is safe
// for concurrent use.
type Classifier struct {
	rules    []Rule
	fallback Rule
}

// New creates a classifier over rules, evaluated in order. The fallback rule is used
// when nothing matches; its keywords are ignored.
func New(rules []Rule, fallback Rule) *Classifier {
	c := &Classifier{
		rules:    make([]Rule, len(rules)),
		fallback: normalize(fallback),
	}
	for i := range rules {
		c.rules[i] = normalize(rules[i])
	}
	return c
}

// NewDefault creates a classifier with the built-in rule table.
func NewDefault() *Classifier {
	return New(DefaultRules(), DefaultRule())
}

// Classify returns the classification of the first rule whose keywords occur in text.
// Matching is case-insensitive substring containment. Empty text always resolves to
// the fallback rule.
func (c *Classifier) Classify(text string) engine.Classification {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized != "" {
		for i := range c.rules {
			if matches(c.rules[i].Keywords, normalized) {
				return classification(c.rules[i], i)
			}
		}
	}
	return classification(c.fallback, -1)
}

// Rules returns a copy of the rule table.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = Rule{
			Keywords:   append([]string(nil), r.Keywords...),
			Confidence: r.Confidence,
			Strategy:   r.Strategy,
			Resources:  append([]string(nil), r.Resources...),
		}
	}
	return out
}

// Fallback returns the default rule.
func (c *Classifier) Fallback() Rule {
	return c.fallback
}

// Resources returns every resource id referenced by the table, in first-seen order.
func (c *Classifier) Resources() []string {
	var all []string
	for _, r := range append(c.Rules(), c.fallback) {
		all = append(all, r.Resources...)
	}
	return dedupe(all)
}

func matches(keywords []string, text string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func classification(r Rule, idx int) engine.Classification {
	return engine.Classification{
		Confidence: r.Confidence,
		Strategy:   r.Strategy,
		Resources:  append([]string{}, r.Resources...),
		Rule:       idx,
	}
}

func normalize(r Rule) Rule {
	kws := make([]string, 0, len(r.Keywords))
	for _, kw := range r.Keywords {
		kws = append(kws, strings.ToLower(strings.TrimSpace(kw)))
	}
	return Rule{
		Keywords:   kws,
		Confidence: r.Confidence,
		Strategy:   r.Strategy,
		Resources:  dedupe(r.Resources),
	}
}

// dedupe removes repeated ids, keeping the first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
