package dataset

import (
	"sync"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// Stager holds the most recent validated dataset until a run consumes it.
type Stager struct {
	mu     sync.Mutex
	staged *domain.Dataset
}

// NewStager creates an empty stager.
func NewStager() *Stager {
	return &Stager{}
}

// Stage validates ds and, on success, supersedes any previously staged dataset.
func (s *Stager) Stage(ds *domain.Dataset) error {
	if err := Validate(ds); err != nil {
		return err
	}
	s.mu.Lock()
	s.staged = ds
	s.mu.Unlock()
	return nil
}

// Take removes and returns the staged dataset. An empty id accepts whatever
// is staged; otherwise the id must match.
func (s *Stager) Take(id string) (*domain.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil || (id != "" && s.staged.ID != id) {
		return nil, domain.ErrNoInput
	}
	ds := s.staged
	s.staged = nil
	return ds, nil
}

// Restore puts a dataset back if nothing newer was staged meanwhile.
func (s *Stager) Restore(ds *domain.Dataset) {
	s.mu.Lock()
	if s.staged == nil {
		s.staged = ds
	}
	s.mu.Unlock()
}

// Peek returns the staged dataset without consuming it.
func (s *Stager) Peek() *domain.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged
}
