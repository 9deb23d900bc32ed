package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/stores"
)

// Session is the persisted context of an executed task or a client session.
type Session struct {
	ID             string                 `json:"session_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Task           string                 `json:"task,omitempty"`
	Strategy       string                 `json:"strategy,omitempty"`
	Confidence     float64                `json:"confidence,omitempty"`
	Resources      []string               `json:"resources,omitempty"`
	TasksCompleted int                    `json:"tasks_completed"`
	CacheHits      int                    `json:"cache_hits"`
	DurationMS     int64                  `json:"duration_ms"`
	Degraded       bool                   `json:"degraded,omitempty"`
	Learnings      []string               `json:"learnings,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
	SuccessRate    float64                `json:"success_rate"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// Learning is an agent's cross-session experience record.
type Learning struct {
	Agent      string                 `json:"agent_name"`
	Category   string                 `json:"category"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"learning_type"`
	Confidence float64                `json:"confidence"`
	Scenarios  []string               `json:"applicable_scenarios,omitempty"`
	Impact     string                 `json:"performance_impact"`
	Data       map[string]interface{} `json:"learning_data,omitempty"`
}

// Knowledge is a reusable pattern shared by every agent.
type Knowledge struct {
	Key         string                 `json:"pattern_key"`
	Timestamp   time.Time              `json:"timestamp"`
	Confidence  float64                `json:"confidence"`
	Category    string                 `json:"category"`
	Domains     []string               `json:"applicable_domains,omitempty"`
	SuccessRate float64                `json:"success_rate"`
	UsageCount  int                    `json:"usage_count"`
	Data        map[string]interface{} `json:"pattern_data,omitempty"`
}

// Performance records the cost of one task so repeated work can be recognised.
type Performance struct {
	Key        string    `json:"cache_key"`
	Timestamp  time.Time `json:"timestamp"`
	Strategy   string    `json:"strategy"`
	Confidence float64   `json:"confidence"`
	TimeMS     int64     `json:"processing_time_ms"`
	Success    bool      `json:"success"`
	Resources  int       `json:"resources_used"`
}

// SessionKey returns the store key of a session.
func SessionKey(id string) string { return "session_" + id }

// PerformanceKey returns the store key of a performance record.
func PerformanceKey(digest string) string { return "perf_" + digest }

// SaveSession stores s in the sessions namespace. A zero ttl applies the
// namespace default.
func (m *Manager) SaveSession(ctx context.Context, s Session, ttl time.Duration) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now().UTC()
	}
	return m.put(ctx, stores.NamespaceSessions, SessionKey(s.ID), s, ttl)
}

// LoadSession returns the session with id. A missing or expired session
// returns an error wrapping engine.ErrNotFound.
func (m *Manager) LoadSession(ctx context.Context, id string) (*Session, error) {
	rec, err := m.store.Get(ctx, stores.NamespaceSessions, SessionKey(id))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

// SaveLearning appends a learning for l.Agent under l.Category.
func (m *Manager) SaveLearning(ctx context.Context, l Learning) error {
	if l.Agent == "" {
		return errors.New("agent name is required")
	}
	if l.Category == "" {
		l.Category = "general"
	}
	if l.Type == "" {
		l.Type = "experience"
	}
	if l.Impact == "" {
		l.Impact = "positive"
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = m.now().UTC()
	}
	key := fmt.Sprintf("agent_%s_%s_%d", l.Agent, l.Category, l.Timestamp.UnixNano())
	return m.put(ctx, stores.NamespaceAgentMemory, key, l, 0)
}

// AgentLearnings returns agent's learnings, newest first. limit <= 0 returns all.
func (m *Manager) AgentLearnings(ctx context.Context, agent string, limit int) ([]Learning, error) {
	keys, err := m.store.List(ctx, stores.NamespaceAgentMemory)
	if err != nil {
		return nil, err
	}

	prefix := "agent_" + agent + "_"
	learnings := []Learning{}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rec, err := m.store.Get(ctx, stores.NamespaceAgentMemory, key)
		if errors.Is(err, engine.ErrNotFound) {
			// Expired between List and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		var l Learning
		if err := json.Unmarshal(rec.Payload, &l); err != nil {
			return nil, fmt.Errorf("failed to decode learning %s: %w", key, err)
		}
		if l.Agent == agent {
			learnings = append(learnings, l)
		}
	}

	sort.SliceStable(learnings, func(i, j int) bool {
		return learnings[i].Timestamp.After(learnings[j].Timestamp)
	})
	if limit > 0 && len(learnings) > limit {
		learnings = learnings[:limit]
	}
	return learnings, nil
}

// SaveKnowledge stores a knowledge pattern under k.Key.
func (m *Manager) SaveKnowledge(ctx context.Context, k Knowledge) error {
	if k.Key == "" {
		return errors.New("pattern key is required")
	}
	if k.Category == "" {
		k.Category = "general"
	}
	if k.Timestamp.IsZero() {
		k.Timestamp = m.now().UTC()
	}
	return m.put(ctx, stores.NamespaceKnowledge, k.Key, k, 0)
}

// SearchKnowledge returns up to limit patterns whose key or content contains
// query, newest first.
func (m *Manager) SearchKnowledge(ctx context.Context, query string, limit int) ([]Knowledge, error) {
	records, err := m.store.Search(ctx, stores.NamespaceKnowledge, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Knowledge, 0, len(records))
	for _, rec := range records {
		var k Knowledge
		if err := json.Unmarshal(rec.Payload, &k); err != nil {
			return nil, fmt.Errorf("failed to decode knowledge %s: %w", rec.Key, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// SavePerformance stores a performance record for a task digest.
func (m *Manager) SavePerformance(ctx context.Context, p Performance, ttl time.Duration) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = m.now().UTC()
	}
	return m.put(ctx, stores.NamespacePerformance, PerformanceKey(p.Key), p, ttl)
}

func (m *Manager) put(ctx context.Context, namespace, key string, v interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", namespace, key, err)
	}
	if err := m.store.Put(ctx, namespace, key, payload, ttl); err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", namespace, key, err)
	}
	return nil
}
