package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jstrand/hermod/internal/observability"
)

// StoreOptions configures a Store
type StoreOptions struct {
	// Path is the job store file (required)
	Path string
	// MigratePayload optionally rewrites legacy payload shapes on load
	MigratePayload PayloadMigration
	// Now is injectable for testing; defaults to time.Now
	Now func() time.Time
}

// Store owns the durable job collection. It reloads the backing file when
// its modification timestamp advances, applies the migration pass on every
// load, and rewrites the file wholesale on persist.
//
// The timestamp check is an optimistic staleness detector, not a lock;
// concurrent external writers race with in-process writes, last writer wins.
type Store struct {
	path           string
	migratePayload PayloadMigration
	now            func() time.Time

	mu            sync.Mutex
	state         *State
	loaded        bool
	loadedModTime time.Time

	warnDisabledOnce sync.Once
}

// NewStore creates a Store. Nothing is read until EnsureLoaded.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		path:           opts.Path,
		migratePayload: opts.MigratePayload,
		now:            now,
	}, nil
}

// EnsureLoaded reloads the store from disk if nothing is loaded yet or the
// file's modification timestamp has advanced past the last-loaded one. On
// load every job goes through the migration pass and next-run times are
// recomputed; if migration altered any job the whole store is persisted
// back. Read and parse failures propagate unchanged.
func (s *Store) EnsureLoaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		// Fresh install: start empty; the first persist creates the file.
		if !s.loaded {
			s.state = &State{Version: StoreVersion}
			s.loaded = true
			s.loadedModTime = time.Time{}
			log.Info().Str("path", s.path).Msg("No existing job store, starting empty")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat job store: %w", err)
	}

	if s.loaded && !info.ModTime().After(s.loadedModTime) {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read job store: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse job store: %w", err)
	}
	if state.Version == 0 {
		state.Version = StoreVersion
	}

	changed := false
	for _, job := range state.Jobs {
		if normalizeJob(job, s.migratePayload) {
			changed = true
		}
	}

	s.state = &state
	s.loaded = true
	s.loadedModTime = info.ModTime()

	s.recomputeNextRunsLocked()

	log.Info().
		Int("count", len(state.Jobs)).
		Bool("migrated", changed).
		Msg("Loaded job store")
	observability.SetCronJobsLoaded(len(state.Jobs))

	if changed {
		if err := s.persistLocked(); err != nil {
			return fmt.Errorf("failed to persist migrated store: %w", err)
		}
	}

	return nil
}

// RecomputeNextRuns derives nextRunAt for every job from its schedule and
// the current time.
func (s *Store) RecomputeNextRuns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeNextRunsLocked()
}

func (s *Store) recomputeNextRunsLocked() {
	if s.state == nil {
		return
	}

	now := s.now()
	for _, job := range s.state.Jobs {
		next, err := NextRun(job.Schedule, now)
		if err != nil {
			log.Warn().
				Str("jobId", job.ID).
				Err(err).
				Msg("Failed to compute next run")
			job.NextRunAt = nil
			continue
		}
		job.NextRunAt = Int64Ptr(next)
	}
}

// Persist writes the full store to disk, then re-reads the file's
// modification timestamp so the write does not look like an external change
// on the next EnsureLoaded.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.state == nil {
		s.state = &State{Version: StoreVersion}
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat job store after write: %w", err)
	}
	s.loaded = true
	s.loadedModTime = info.ModTime()

	log.Debug().Int("count", len(s.state.Jobs)).Msg("Persisted job store")
	observability.RecordCronPersist()

	return nil
}

// WarnIfDisabled emits a one-time diagnostic when an action is requested
// while the scheduler is administratively disabled. Later calls are silent.
func (s *Store) WarnIfDisabled(action string) {
	s.warnDisabledOnce.Do(func() {
		log.Warn().
			Str("action", action).
			Msg("Cron scheduling is disabled; request ignored")
	})
}

// Jobs returns a snapshot of the loaded jobs in file order.
func (s *Store) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return nil
	}
	jobs := make([]*Job, len(s.state.Jobs))
	copy(jobs, s.state.Jobs)
	return jobs
}

// DueJobs returns enabled jobs whose next run time is at or before now.
func (s *Store) DueJobs(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return nil
	}

	nowMs := now.UnixMilli()
	var due []*Job
	for _, job := range s.state.Jobs {
		if !job.Enabled || job.NextRunAt == nil {
			continue
		}
		if *job.NextRunAt <= nowMs {
			due = append(due, job)
		}
	}
	return due
}

// AddJob normalizes and appends a job, assigning an ID when missing, and
// persists the store.
func (s *Store) AddJob(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		s.state = &State{Version: StoreVersion}
		s.loaded = true
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	for _, existing := range s.state.Jobs {
		if existing.ID == job.ID {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
	}

	normalizeJob(job, s.migratePayload)

	next, err := NextRun(job.Schedule, s.now())
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	job.NextRunAt = Int64Ptr(next)

	s.state.Jobs = append(s.state.Jobs, job)
	observability.SetCronJobsLoaded(len(s.state.Jobs))

	return s.persistLocked()
}

// RemoveJob deletes a job by ID and persists the store.
func (s *Store) RemoveJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return fmt.Errorf("store not loaded")
	}

	for i, job := range s.state.Jobs {
		if job.ID != jobID {
			continue
		}
		s.state.Jobs = append(s.state.Jobs[:i], s.state.Jobs[i+1:]...)
		observability.SetCronJobsLoaded(len(s.state.Jobs))
		return s.persistLocked()
	}

	return fmt.Errorf("job not found: %s", jobID)
}

// SetJobEnabled toggles a job and persists the store. Re-enabling recomputes
// the next run time so the job does not fire for missed occurrences.
func (s *Store) SetJobEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return fmt.Errorf("store not loaded")
	}

	for _, job := range s.state.Jobs {
		if job.ID != jobID {
			continue
		}
		job.Enabled = enabled
		if enabled {
			if next, err := NextRun(job.Schedule, s.now()); err == nil {
				job.NextRunAt = Int64Ptr(next)
			}
		}
		return s.persistLocked()
	}

	return fmt.Errorf("job not found: %s", jobID)
}

// MarkRan records a completed run for a job, advances its next run time
// and persists the store.
func (s *Store) MarkRan(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return fmt.Errorf("store not loaded")
	}

	for _, job := range s.state.Jobs {
		if job.ID != jobID {
			continue
		}

		now := s.now()
		job.LastRunAt = Int64Ptr(now.UnixMilli())

		next, err := NextRun(job.Schedule, now)
		if err != nil {
			// One-shot "at" schedules have no next occurrence once run.
			job.NextRunAt = nil
		} else if job.Schedule.Kind == ScheduleKindAt {
			job.NextRunAt = nil
		} else {
			job.NextRunAt = Int64Ptr(next)
		}

		return s.persistLocked()
	}

	return fmt.Errorf("job not found: %s", jobID)
}
