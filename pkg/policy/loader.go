package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}
		policy, err := l.loadFromFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		policy = &Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Severity:    SeverityError,
			Enabled:     true,
		}
	case strings.HasSuffix(path, ".json"):
		policy = &Policy{Enabled: true}
		if err := json.Unmarshal(data, policy); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if policy.Name == "" {
			policy.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if policy.Severity == "" {
			policy.Severity = SeverityError
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	policy.Source = path

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")
	return policy, nil
}

// extractDescription joins the leading comment block of a Rego file.
func extractDescription(content string) string {
	var description strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment == "" {
				continue
			}
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		} else if trimmed != "" {
			break
		}
	}
	return description.String()
}

// Watch reloads policies from paths whenever a policy file is written or
// created, debounced by delay. It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, delay time.Duration, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			// Editors replace files; watch the parent directory instead.
			path = filepath.Dir(path)
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(delay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
