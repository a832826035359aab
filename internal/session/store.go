// Package session persists chat history so conversations can be
// resumed across runs. The sqlite store is the real implementation; a
// no-op store stands in when persistence is disabled.
package session

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence contract for saved conversations.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error

	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// AddContent appends one conversation turn. A negative sequence asks
	// the store to allocate the next one.
	AddContent(ctx context.Context, sessionID string, msg *StoredContent) error
	History(ctx context.Context, sessionID string) ([]StoredContent, error)

	AddUsage(ctx context.Context, id string, inputTokens, outputTokens int) error
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Current-session tracking for auto-resume.
	SetCurrent(ctx context.Context, sessionID string) error
	GetCurrent(ctx context.Context) (*Record, error)
	ClearCurrent(ctx context.Context) error

	Close() error
}

// Config controls persistence behaviour.
type Config struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxAgeDays int  `mapstructure:"max_age_days"` // 0 = never expire
	MaxCount   int  `mapstructure:"max_count"`    // 0 = unlimited
}

func DefaultConfig() Config {
	return Config{Enabled: true}
}

// NewStore opens the store at path, or a no-op store when persistence
// is disabled.
func NewStore(cfg Config, path string) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg, path)
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}
