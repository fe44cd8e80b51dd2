package record

import (
	"context"
	"fmt"
	"sync"
)

// Repository persists records of one model. Implementations are provided
// by the host application; MemoryRepository backs tests and samples.
type Repository interface {
	// Find returns the record with the given id, or nil when it does not
	// exist.
	Find(ctx context.Context, id int64) (Record, error)

	// All returns every record of the model.
	All(ctx context.Context) ([]Record, error)

	Save(ctx context.Context, rec Record) error
}

// Resolver maps a model name to its repository.
type Resolver interface {
	Repository(model string) (Repository, error)
}

// UnknownModelError is returned when a model name cannot be resolved to a
// known record type.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

// RepositorySet is a static Resolver over registered repositories.
type RepositorySet struct {
	mu    sync.Mutex
	repos map[string]Repository
}

var _ Resolver = (*RepositorySet)(nil)

func NewRepositorySet() *RepositorySet {
	return &RepositorySet{repos: map[string]Repository{}}
}

func (s *RepositorySet) Register(model string, repo Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.repos[model] = repo
}

func (s *RepositorySet) Repository(model string) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[model]
	if !ok {
		return nil, &UnknownModelError{Model: model}
	}

	return repo, nil
}

// MemoryRepository is a map-backed Repository.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[int64]Record
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: map[int64]Record{}}
}

func (r *MemoryRepository) Find(ctx context.Context, id int64) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.records[id], nil
}

func (r *MemoryRepository) All(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}

	return records, nil
}

func (r *MemoryRepository) Save(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.RecordID()] = rec

	return nil
}
