// Package archive keeps the append-only catalog of terminated runs.
package archive

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
	"github.com/ch0002ic/balanced-corridor-planner/internal/repository"
)

// ErrDuplicate is returned when a run is archived twice.
var ErrDuplicate = repository.ErrDuplicate

// Store is the persistence the catalog needs.
type Store interface {
	CreateArchiveEntry(ctx context.Context, entry *domain.ArchiveEntry) error
	GetArchiveEntry(ctx context.Context, runID string) (*domain.ArchiveEntry, error)
	ListArchiveEntries(ctx context.Context, limit int) ([]domain.ArchiveEntry, error)
}

// Catalog records and serves archive entries.
type Catalog struct {
	store  Store
	logger zerolog.Logger
}

// NewCatalog creates a catalog over store.
func NewCatalog(store Store, logger zerolog.Logger) *Catalog {
	return &Catalog{
		store:  store,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Record appends an entry for a terminated run.
func (c *Catalog) Record(ctx context.Context, entry domain.ArchiveEntry) error {
	switch entry.Status {
	case domain.RunStateCompleted.StatusLabel(), domain.RunStateFailed.StatusLabel(), domain.RunStateStopped.StatusLabel():
	default:
		return fmt.Errorf("cannot archive run %s with status %q", entry.RunID, entry.Status)
	}
	if err := c.store.CreateArchiveEntry(ctx, &entry); err != nil {
		return fmt.Errorf("failed to archive run %s: %w", entry.RunID, err)
	}
	c.logger.Info().
		Str("run_id", entry.RunID).
		Str("status", entry.Status).
		Bool("has_output", entry.OutputPath != nil).
		Msg("run archived")
	return nil
}

// List returns every entry, most recently ended first.
func (c *Catalog) List(ctx context.Context) ([]domain.ArchiveEntry, error) {
	entries, err := c.store.ListArchiveEntries(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	return entries, nil
}

// Get returns one entry or domain.ErrRunNotFound.
func (c *Catalog) Get(ctx context.Context, runID string) (*domain.ArchiveEntry, error) {
	entry, err := c.store.GetArchiveEntry(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get archive entry: %w", err)
	}
	if entry == nil {
		return nil, domain.ErrRunNotFound
	}
	return entry, nil
}

// NewEntry builds the archive entry for a terminal run record.
func NewEntry(run *domain.RunRecord, final domain.CanonicalState) domain.ArchiveEntry {
	entry := domain.ArchiveEntry{
		RunID:     run.RunID,
		Status:    run.State.StatusLabel(),
		Features:  append([]string(nil), run.Features...),
		StartedAt: run.StartedAt,
		Final:     final.Clone(),
	}
	if run.EndedAt != nil {
		entry.EndedAt = *run.EndedAt
	}
	if run.State == domain.RunStateCompleted && run.EndedAt != nil {
		completed := *run.EndedAt
		entry.CompletedAt = &completed
	}
	if run.Exit != nil {
		exit := *run.Exit
		entry.Exit = &exit
	}
	return entry
}
