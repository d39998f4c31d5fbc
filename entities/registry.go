package entities

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"
)

// Registry holds one adapter per synchronized table.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]EntityAdapter
}

func NewRegistry(adapters ...EntityAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]EntityAdapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry registers the maintenance entities.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		NewUserAdapter(),
		NewSiteAdapter(),
		NewMachineAdapter(),
		NewPartAdapter(),
		NewMaintenanceRecordAdapter(),
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Register(a EntityAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Table()]; exists {
		return fmt.Errorf("adapter for %q already registered", a.Table())
	}
	r.adapters[a.Table()] = a
	return nil
}

func (r *Registry) Adapter(table string) (EntityAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[table]
	if !ok {
		return nil, fmt.Errorf("%q: %w", table, ErrUnknownEntity)
	}
	return a, nil
}

func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Ordered returns the adapters parents-first. Tables with no ordering
// constraint between them come out by name so every cycle pulls in the same order.
func (r *Registry) Ordered() ([]EntityAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indegree := make(map[string]int, len(r.adapters))
	children := make(map[string][]string, len(r.adapters))
	for table, a := range r.adapters {
		indegree[table] += 0
		for _, dep := range a.Dependencies() {
			if _, ok := r.adapters[dep]; !ok {
				return nil, fmt.Errorf("%s depends on %q: %w", table, dep, ErrUnknownEntity)
			}
			indegree[table]++
			children[dep] = append(children[dep], table)
		}
	}

	var ready []string
	for table, n := range indegree {
		if n == 0 {
			ready = append(ready, table)
		}
	}

	out := make([]EntityAdapter, 0, len(r.adapters))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		out = append(out, r.adapters[next])
		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if len(out) != len(r.adapters) {
		return nil, ErrDependencyLoop
	}
	return out, nil
}

// LocalStore exposes ReadLocalEntity / WriteLocalEntity over a local database.
type LocalStore struct {
	db       *gorm.DB
	registry *Registry
}

func NewLocalStore(db *gorm.DB, registry *Registry) *LocalStore {
	return &LocalStore{db: db, registry: registry}
}

func (s *LocalStore) ReadLocalEntity(ctx context.Context, table, naturalKey string) (*Snapshot, error) {
	return s.ReadTx(s.db.WithContext(ctx), table, naturalKey)
}

func (s *LocalStore) WriteLocalEntity(ctx context.Context, snap Snapshot) (*Snapshot, error) {
	var out *Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.WriteTx(tx, snap)
		return err
	})
	return out, err
}

func (s *LocalStore) ReadTx(tx *gorm.DB, table, naturalKey string) (*Snapshot, error) {
	a, err := s.registry.Adapter(table)
	if err != nil {
		return nil, err
	}
	return a.Read(tx, naturalKey)
}

func (s *LocalStore) WriteTx(tx *gorm.DB, snap Snapshot) (*Snapshot, error) {
	a, err := s.registry.Adapter(snap.Table)
	if err != nil {
		return nil, err
	}
	return a.Write(tx, snap)
}

func (s *LocalStore) Registry() *Registry {
	return s.registry
}
