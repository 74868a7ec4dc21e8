// Package settings exposes the persisted runtime configuration keys behind a
// read-through in-process cache. Writes invalidate the cache, so a value set
// through one handler is visible to the next read everywhere in the process.
package settings

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/hearthdev/hearth/internal/store"
)

// Persisted setting keys.
const (
	// KeyVerbatimBudget is the share of a fresh context window reserved for
	// the verbatim tail when compacting, as an integer percent.
	KeyVerbatimBudget = "compaction_verbatim_budget"

	// KeyAutoThreshold is the context-window utilisation percent at which
	// auto-compaction fires.
	KeyAutoThreshold = "compaction_auto_threshold_pct"

	// KeyDefaultModel is "provider:model-id", used to lazy-migrate legacy
	// sessions with an empty model field.
	KeyDefaultModel = "default_model"

	// KeyLastActiveSession is a per-process UI convenience.
	KeyLastActiveSession = "last_active_session_id"
)

// Defaults and clamp ranges for the integer-percent keys.
const (
	DefaultVerbatimBudget = 40
	MinVerbatimBudget     = 0
	MaxVerbatimBudget     = 50

	DefaultAutoThreshold = 80
	MinAutoThreshold     = 50
	MaxAutoThreshold     = 95
)

// Service is the read-through settings cache. Safe for concurrent use.
type Service struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]string
}

// NewService creates a settings service over the given store.
func NewService(s store.Store) *Service {
	return &Service{
		store: s,
		cache: make(map[string]string),
	}
}

// Get returns the raw value for key, or "" when unset.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	value, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return value, nil
	}

	value, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		value = ""
	} else if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return value, nil
}

// Set persists a value and invalidates the cached entry.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// GetInt returns the value of key parsed as an int, clamped to [min, max].
// Unset or unparsable values fall back to def. Store errors also fall back:
// settings reads never fail a caller's operation.
func (s *Service) GetInt(ctx context.Context, key string, def, min, max int) int {
	raw, err := s.Get(ctx, key)
	if err != nil || raw == "" {
		return clamp(def, min, max)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return clamp(def, min, max)
	}
	return clamp(v, min, max)
}

// VerbatimBudget returns the compaction verbatim budget percent.
func (s *Service) VerbatimBudget(ctx context.Context) int {
	return s.GetInt(ctx, KeyVerbatimBudget, DefaultVerbatimBudget, MinVerbatimBudget, MaxVerbatimBudget)
}

// AutoThreshold returns the auto-compaction trigger percent.
func (s *Service) AutoThreshold(ctx context.Context) int {
	return s.GetInt(ctx, KeyAutoThreshold, DefaultAutoThreshold, MinAutoThreshold, MaxAutoThreshold)
}

// DefaultModel returns the configured default "provider:model-id", or "".
func (s *Service) DefaultModel(ctx context.Context) string {
	v, _ := s.Get(ctx, KeyDefaultModel)
	return v
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
