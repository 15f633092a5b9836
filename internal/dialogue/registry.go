package dialogue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// Registry holds the loaded dialogue definitions keyed by (project,
// language). Lookups fall back from a project-specific definition to the
// shared language default. Definitions are replaced atomically; readers
// always see a fully validated graph.
type Registry struct {
	cfg    config.DialogueConfig
	logger *zap.Logger

	mu     sync.RWMutex
	defs   map[defKey]*Definition
	byPath map[string]defKey
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.DialogueConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		defs:   make(map[defKey]*Definition),
		byPath: make(map[string]defKey),
	}
}

// LoadDir loads every .yaml/.yml file under the configured directory. A
// single invalid file fails the load: startup should not proceed with a
// partial dialogue set.
func (r *Registry) LoadDir() error {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("reading dialogue directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		if err := r.LoadFile(filepath.Join(r.cfg.Dir, entry.Name())); err != nil {
			return err
		}
		loaded++
	}
	r.logger.Info("dialogue definitions loaded",
		zap.String("dir", r.cfg.Dir),
		zap.Int("count", loaded),
	)
	return nil
}

// LoadFile parses, validates, and installs one definition file. An earlier
// definition loaded from the same path is replaced, even if its (project,
// language) key changed.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byPath[path]; ok && prev != def.key() {
		delete(r.defs, prev)
	}
	r.defs[def.key()] = def
	r.byPath[path] = def.key()

	r.logger.Debug("dialogue definition installed",
		zap.String("path", path),
		zap.String("project", def.Project),
		zap.String("language", def.Language),
		zap.Int("states", len(def.States)),
	)
	return nil
}

// Remove drops the definition loaded from path, if any.
func (r *Registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byPath[path]
	if !ok {
		return
	}
	delete(r.defs, key)
	delete(r.byPath, path)
	r.logger.Info("dialogue definition removed",
		zap.String("path", path),
		zap.String("project", key.project),
		zap.String("language", key.language),
	)
}

// Lookup resolves the definition for a project and language. Resolution
// order: (project, language), then the shared (language) default, then the
// shared default for the configured default language.
func (r *Registry) Lookup(projectID, language string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.defs[defKey{project: projectID, language: language}]; ok {
		return def, nil
	}
	if def, ok := r.defs[defKey{language: language}]; ok {
		return def, nil
	}
	if fallback := r.cfg.DefaultLanguage; fallback != "" && fallback != language {
		if def, ok := r.defs[defKey{language: fallback}]; ok {
			return def, nil
		}
	}
	return nil, fmt.Errorf("%w: project %q language %q", ErrDefinitionNotFound, projectID, language)
}

// DropProject removes every project-specific definition of a deleted
// project. Shared language defaults stay. Wired as a registry delete
// cascade.
func (r *Registry) DropProject(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.defs {
		if key.project == projectID {
			delete(r.defs, key)
		}
	}
	for path, key := range r.byPath {
		if key.project == projectID {
			delete(r.byPath, path)
		}
	}
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
