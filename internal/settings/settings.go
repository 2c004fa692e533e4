// Package settings persists user preferences in a small key-value file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/beekhof/hangoutcal/internal/domain"
)

// KeyDefaultBackend holds the preferred write backend: local, remote or empty for auto.
const KeyDefaultBackend = "default_backend"

// Store is a key-value settings store.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// FileStore keeps settings in a JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a settings store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return v, nil
}

// Get returns the value for key, or "" when unset.
func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load()
	if err != nil {
		return "", err
	}
	return v.GetString(key), nil
}

// Set stores value under key. An empty value removes the preference.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load()
	if err != nil {
		return err
	}
	v.Set(key, value)

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// DefaultBackend reads the preferred write backend. Unset means auto.
func DefaultBackend(s Store) (domain.Source, error) {
	value, err := s.Get(KeyDefaultBackend)
	if err != nil {
		return "", err
	}
	return domain.ParseSource(value)
}

// ResolveDefaultBackend reads the preferred write backend, returning fallback
// when the user never chose one.
func ResolveDefaultBackend(s Store, fallback domain.Source) (domain.Source, error) {
	value, err := s.Get(KeyDefaultBackend)
	if err != nil {
		return "", err
	}
	if value == "" {
		return fallback, nil
	}
	return domain.ParseSource(value)
}

// SetDefaultBackend stores the preferred write backend. The empty source is
// stored as an explicit "auto" choice.
func SetDefaultBackend(s Store, src domain.Source) error {
	value := string(src)
	if value == "" {
		value = "auto"
	}
	return s.Set(KeyDefaultBackend, value)
}
