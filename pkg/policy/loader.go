package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads Rego policy files from disk.
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
func (l *Loader) LoadFromPaths(_ context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
		}
		if info.IsDir() {
			policies, err := l.loadFromDirectory(path)
			if err != nil {
				return nil, err
			}
			all = append(all, policies...)
			continue
		}
		policy, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, *policy)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("policies loaded")
	return all, nil
}

// loadFromDirectory loads all .rego files from a directory recursively.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		policy, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to load policy file")
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

// loadFromFile loads a policy from a single .rego file. The policy
// name is the file's base name; the first comment line becomes the
// description.
func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	description := ""
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			description = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			break
		}
		if trimmed != "" {
			break
		}
	}

	return &Policy{
		Name:        name,
		Description: description,
		Rego:        string(data),
		Enabled:     true,
		Source:      path,
		LoadedAt:    time.Now(),
	}, nil
}

// Watch hot-reloads policies into the engine when .rego files under
// dir change. It blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, dir string, engine *Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.logger.Info().Str("dir", dir).Msg("watching policy directory")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				policy, err := l.loadFromFile(event.Name)
				if err != nil {
					l.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to reload policy")
					continue
				}
				if err := engine.AddPolicy(ctx, *policy); err != nil {
					l.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to install reloaded policy")
					continue
				}
				l.logger.Info().Str("policy", policy.Name).Msg("policy reloaded")

			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				name := strings.TrimSuffix(filepath.Base(event.Name), ".rego")
				if err := engine.RemovePolicy(ctx, name); err != nil {
					l.logger.Debug().Err(err).Str("policy", name).Msg("policy removal skipped")
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}
