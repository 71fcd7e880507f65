package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ahrdadan/quizpilot/internal/log"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// DefaultName is the credential file name used when none is configured.
const DefaultName = "session"

// StoreConfig is the configuration of the file credential store.
type StoreConfig struct {
	Dir    string
	Name   string
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("credential dir is required")
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "credential.Store"})
	return nil
}

// Store persists one credential per controller as a JSON file that is
// always replaced atomically.
type Store struct {
	path   string
	mu     sync.Mutex
	logger log.Logger
}

// NewStore creates the credential directory and returns a store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	return &Store{
		path:   filepath.Join(cfg.Dir, cfg.Name+".json"),
		logger: cfg.Logger,
	}, nil
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes c to a temp file in the same directory and renames it over
// the previous credential.
func (s *Store) Save(c model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp credential file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set credential permissions: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credential: %w", err)
	}

	s.logger.Debugf("Saved %d cookies for %s", len(c.Cookies), c.Domain)
	return nil
}

// Load returns the stored credential. A missing, unreadable or corrupted
// file is reported as absent.
func (s *Store) Load() (model.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warningf("Could not read credential file: %v", err)
		}
		return model.Credential{}, false
	}

	var c model.Credential
	if err := json.Unmarshal(data, &c); err != nil {
		s.logger.Warningf("Ignoring corrupted credential file: %v", err)
		return model.Credential{}, false
	}
	if c.IsZero() {
		return model.Credential{}, false
	}

	return c, true
}

// Clear removes the stored credential, if any.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}
