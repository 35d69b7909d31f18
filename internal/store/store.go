package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
)

const defaultMaxEvents = 1000

// Store keeps the most recent events in memory and mirrors them to a JSON
// file so they survive a restart.
type Store struct {
	config config.StoreConfig
	logger *slog.Logger

	mu     sync.RWMutex
	events []models.Event
}

// New creates a store, loading any events persisted by a previous run.
func New(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	s := &Store{
		config: cfg,
		logger: logger.With("component", "store"),
		events: make([]models.Event, 0),
	}

	// Load existing events if file exists
	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// Emit records an event. Persistence failures are logged; the event stays
// in memory either way.
func (s *Store) Emit(e models.Event) {
	if err := s.Record(e); err != nil {
		s.logger.Warn("failed to persist event", "type", e.Type, "error", err)
	}
}

// Record appends an event and persists the bounded history.
func (s *Store) Record(e models.Event) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)

	// Trim old events if we exceed max
	if len(s.events) > s.config.MaxEvents {
		s.events = append([]models.Event(nil), s.events[len(s.events)-s.config.MaxEvents:]...)
	}

	if s.config.Path == "" {
		return nil
	}
	return s.persist()
}

// Recent returns up to limit events, newest first. An empty repository
// matches every event.
func (s *Store) Recent(repository string, limit int) []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if repository != "" && s.events[i].Repository != repository {
			continue
		}
		out = append(out, s.events[i])
	}
	return out
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.events); err != nil {
		return err
	}
	if len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}
	return nil
}

// persist writes through a temp file so a crash never leaves a torn file.
func (s *Store) persist() error {
	data, err := json.Marshal(s.events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.config.Path), ".zeno-events-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write events: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write events: %w", err)
	}
	return os.Rename(tmp.Name(), s.config.Path)
}
