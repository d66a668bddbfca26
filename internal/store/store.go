package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/config"
)

// Record names. Each is stored as one JSON document.
const (
	RecordAgentState = "agentState"
	RecordUserInfo   = "userInfo"
)

// ErrNotFound is returned by a Backend when a record has never been written.
var ErrNotFound = errors.New("store: record not found")

// Backend persists named JSON records. Load and Save must be atomic with
// respect to each other: a Load never observes a partially written value.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, value []byte) error
	Close() error
}

// Store is the durable run state record plus the signed-in identity record.
// It is safe for concurrent use; callers serialize writes by construction.
type Store struct {
	backend Backend
	log     *zap.Logger
}

// New wraps a backend.
func New(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		log:     logger.Named("store"),
	}
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.StoreBackendFile, "":
		fb, err := NewFileBackend(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return New(fb, logger), nil

	case config.StoreBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		pb, err := NewPostgresBackend(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := pb.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return New(pb, logger), nil

	case config.StoreBackendMemory:
		return New(NewMemoryBackend(), logger), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Get returns the current run state. A missing record reads as the default
// state; so does a corrupt one, which is logged.
func (s *Store) Get(ctx context.Context) (schemas.RunState, error) {
	raw, err := s.backend.Load(ctx, RecordAgentState)
	if errors.Is(err, ErrNotFound) {
		return schemas.DefaultRunState(), nil
	}
	if err != nil {
		return schemas.RunState{}, fmt.Errorf("failed to load run state: %w", err)
	}

	var state schemas.RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.log.Warn("Stored run state is corrupt; using defaults.", zap.Error(err))
		return schemas.DefaultRunState(), nil
	}
	return state, nil
}

// Set replaces the run state.
func (s *Store) Set(ctx context.Context, state schemas.RunState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	if err := s.backend.Save(ctx, RecordAgentState, raw); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// Identity returns the signed-in user, or nil when nobody is signed in.
func (s *Store) Identity(ctx context.Context) (*schemas.UserInfo, error) {
	raw, err := s.backend.Load(ctx, RecordUserInfo)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	var info *schemas.UserInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		s.log.Warn("Stored identity is corrupt; treating as signed out.", zap.Error(err))
		return nil, nil
	}
	if info == nil || info.Email == "" {
		return nil, nil
	}
	return info, nil
}

// SetIdentity stores the signed-in user. Passing nil signs out.
func (s *Store) SetIdentity(ctx context.Context, info *schemas.UserInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := s.backend.Save(ctx, RecordUserInfo, raw); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
