package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/session"
)

// Storage persists the identity provider client's session between runs.
// Load returns ErrNoSession when nothing is stored.
type Storage interface {
	Load(ctx context.Context) (*session.Session, error)
	Save(ctx context.Context, sess *session.Session) error
	Delete(ctx context.Context) error
}

// NewStorage creates the storage backend selected in the configuration.
func NewStorage(cfg *config.SessionConfig) (Storage, error) {
	switch cfg.Storage {
	case config.StorageFile:
		return NewFileStorage(cfg.File), nil
	case config.StorageRedis:
		return NewRedisStorage(&cfg.Redis), nil
	case config.StorageMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown session storage: %s", cfg.Storage)
	}
}

// MemoryStorage keeps the session in process memory only.
type MemoryStorage struct {
	mu   sync.Mutex
	sess *session.Session
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load(_ context.Context) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, ErrNoSession
	}
	return m.sess.Clone(), nil
}

func (m *MemoryStorage) Save(_ context.Context, sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = sess.Clone()
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	return nil
}

// FileStorage keeps the session as a JSON file readable only by its owner.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

// NewFileStorage creates a file storage at path. The file is created on first Save.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Load(_ context.Context) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if sess.AccessToken == "" {
		return nil, ErrNoSession
	}
	return &sess, nil
}

// Save writes the session atomically: a temp file in the same directory is
// renamed over the old one.
func (f *FileStorage) Save(_ context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set session file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func (f *FileStorage) Delete(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
