package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CascadeFunc is invoked when a project is deleted, before the project is
// removed from the registry. Components that hold per-project state (vector
// collections, sessions, dialogue definitions) register one to clean up.
type CascadeFunc func(ctx context.Context, projectID string) error

// Manager is the authoritative store of project configurations.
//
// All returned projects are defensive copies: mutating a result never
// affects registry state, and registry updates never affect previously
// returned values.
type Manager interface {
	// Create registers a new project. Defaults are applied before
	// validation. Returns ErrProjectExists if the ID is taken.
	Create(ctx context.Context, p Project) (*Project, error)

	// Get returns the project with the given ID.
	Get(ctx context.Context, id string) (*Project, error)

	// List returns all projects sorted by ID.
	List(ctx context.Context) ([]*Project, error)

	// Update applies a partial patch to an existing project. The project
	// ID is immutable. The patched project is re-validated before commit;
	// a failed validation leaves the stored project unchanged.
	Update(ctx context.Context, id string, patch Patch) (*Project, error)

	// Delete removes a project after running all registered cascades.
	// If any cascade fails the project remains registered so the delete
	// can be retried.
	Delete(ctx context.Context, id string) error

	// OnDelete registers a cascade to run when a project is deleted.
	OnDelete(fn CascadeFunc)
}

type manager struct {
	mu       sync.RWMutex
	projects map[string]*Project

	cascadeMu sync.Mutex
	cascades  []CascadeFunc

	logger *zap.Logger
	now    func() time.Time
}

var _ Manager = (*manager)(nil)

// NewManager creates an empty in-memory project registry.
func NewManager(logger *zap.Logger) Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &manager{
		projects: make(map[string]*Project),
		logger:   logger,
		now:      time.Now,
	}
}

func (m *manager) Create(_ context.Context, p Project) (*Project, error) {
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[p.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, p.ID)
	}

	now := m.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.projects[p.ID] = &p

	m.logger.Info("project created",
		zap.String("project_id", p.ID),
		zap.String("language", p.Language),
		zap.String("retrieval_provider", p.Retrieval.Provider),
		zap.String("generation_provider", p.Generation.Provider),
	)
	return p.clone(), nil
}

func (m *manager) Get(_ context.Context, id string) (*Project, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty project id", ErrInvalidProject)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return p.clone(), nil
}

func (m *manager) List(_ context.Context) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *manager) Update(_ context.Context, id string, patch Patch) (*Project, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty project id", ErrInvalidProject)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}

	next := cur.clone()
	patch.apply(next)
	next.ID = id
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now().UTC()

	m.projects[id] = next

	m.logger.Info("project updated", zap.String("project_id", id))
	return next.clone(), nil
}

func (m *manager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty project id", ErrInvalidProject)
	}

	m.mu.RLock()
	_, ok := m.projects[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}

	m.cascadeMu.Lock()
	cascades := make([]CascadeFunc, len(m.cascades))
	copy(cascades, m.cascades)
	m.cascadeMu.Unlock()

	// Cascades run before removal so a failed cleanup leaves the project
	// visible and the delete retryable.
	for _, fn := range cascades {
		if err := fn(ctx, id); err != nil {
			return fmt.Errorf("project %s delete cascade: %w", id, err)
		}
	}

	m.mu.Lock()
	delete(m.projects, id)
	m.mu.Unlock()

	m.logger.Info("project deleted", zap.String("project_id", id))
	return nil
}

func (m *manager) OnDelete(fn CascadeFunc) {
	if fn == nil {
		return
	}
	m.cascadeMu.Lock()
	m.cascades = append(m.cascades, fn)
	m.cascadeMu.Unlock()
}
