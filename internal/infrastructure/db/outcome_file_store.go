package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
)

// outcomeFileStore keeps every outcome in a single JSON document keyed by
// idempotency key. Writes replace the whole document via temp file + rename;
// keyed writes are serialized so concurrent keys never overwrite each other.
type outcomeFileStore struct {
	path string
	log  *logger.Logger
	mu   sync.Mutex
}

func NewOutcomeFileStore(path string, log *logger.Logger) ports.OutcomeStore {
	return &outcomeFileStore{path: path, log: log}
}

func (s *outcomeFileStore) Load(ctx context.Context) (map[string]domain.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(), nil
}

func (s *outcomeFileStore) Save(ctx context.Context, outcomes map[string]domain.TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(outcomes)
}

func (s *outcomeFileStore) Get(ctx context.Context, key string) (*domain.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, ok := s.readLocked()[key]
	if !ok {
		return nil, nil
	}
	return &outcome, nil
}

func (s *outcomeFileStore) PutIfAbsent(ctx context.Context, key string, outcome domain.TaskOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := s.readLocked()
	if _, exists := outcomes[key]; exists {
		s.log.Infow("outcome_store_put_skipped", "key", key)
		return false, nil
	}
	outcomes[key] = outcome
	if err := s.writeLocked(outcomes); err != nil {
		return false, err
	}
	s.log.Infow("outcome_store_put_ok", "key", key, "count", len(outcomes))
	return true, nil
}

// readLocked never fails: a missing or corrupt file is treated as empty.
func (s *outcomeFileStore) readLocked() map[string]domain.TaskOutcome {
	outcomes := make(map[string]domain.TaskOutcome)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warnw("outcome_store_read_failed", "path", s.path, "error", err)
		}
		return outcomes
	}
	if len(data) == 0 {
		return outcomes
	}
	if err := json.Unmarshal(data, &outcomes); err != nil {
		s.log.Warnw("outcome_store_corrupt", "path", s.path, "error", err)
		return make(map[string]domain.TaskOutcome)
	}
	for key, outcome := range outcomes {
		outcome.Key = key
		outcomes[key] = outcome
	}
	return outcomes
}

func (s *outcomeFileStore) writeLocked(outcomes map[string]domain.TaskOutcome) error {
	if outcomes == nil {
		outcomes = map[string]domain.TaskOutcome{}
	}
	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode outcomes: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write outcomes: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync outcomes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		s.log.Errorw("outcome_store_write_failed", "path", s.path, "error", err)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}
