// Package profile persists CLI settings between invocations.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Sentinel errors
var (
	// ErrNoDefaultIdentifier is returned when no default identifier is remembered.
	ErrNoDefaultIdentifier = errors.New("no default identifier set")

	// ErrOddTokens is returned when API key tokens do not come in domain/key pairs.
	ErrOddTokens = errors.New("api keys must be domain and key pairs")
)

const (
	profileFile    = "profile.yaml"
	profileVersion = 1
)

// Profile is the content of the profile file.
type Profile struct {
	Version           int       `yaml:"version"`
	AgentURL          string    `yaml:"agent_url,omitempty"`
	Origin            string    `yaml:"origin,omitempty"`
	APIKeys           []string  `yaml:"api_keys,omitempty"`
	DefaultIdentifier string    `yaml:"default_identifier,omitempty"`
	TSAURL            string    `yaml:"tsa_url,omitempty"`
	HandleCacheDir    string    `yaml:"handle_cache_dir,omitempty"`
	UpdatedAt         time.Time `yaml:"updated_at,omitempty"`
}

// Store manages the profile on the local filesystem.
type Store struct {
	baseDir string
}

// NewStore creates a profile store.
// If baseDir is empty, uses ~/.eimzo/
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".eimzo")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("profile store initialized")

	return &Store{baseDir: baseDir}, nil
}

// Dir returns the directory holding the profile.
func (s *Store) Dir() string {
	return s.baseDir
}

// Load reads the profile. A missing file yields an empty profile.
func (s *Store) Load() (*Profile, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{Version: profileVersion}, nil
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.Version == 0 {
		p.Version = profileVersion
	}

	return &p, nil
}

// Update loads the profile, applies fn and saves the result.
func (s *Store) Update(fn func(p *Profile) error) error {
	p, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return s.save(p)
}

// SetDefaultIdentifier remembers the identifier used when no signer is given.
func (s *Store) SetDefaultIdentifier(id string) error {
	err := s.Update(func(p *Profile) error {
		p.DefaultIdentifier = id
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("identifier", id).Msg("default identifier set")

	return nil
}

// DefaultIdentifier returns the remembered identifier.
// Returns ErrNoDefaultIdentifier if none is set.
func (s *Store) DefaultIdentifier() (string, error) {
	p, err := s.Load()
	if err != nil {
		return "", err
	}
	if p.DefaultIdentifier == "" {
		return "", ErrNoDefaultIdentifier
	}
	return p.DefaultIdentifier, nil
}

// ClearDefaultIdentifier forgets the remembered identifier.
func (s *Store) ClearDefaultIdentifier() error {
	return s.Update(func(p *Profile) error {
		p.DefaultIdentifier = ""
		return nil
	})
}

// SetAPIKeys stores the domain/key pairs used to start the agent API.
func (s *Store) SetAPIKeys(tokens []string) error {
	if len(tokens)%2 != 0 {
		return ErrOddTokens
	}
	return s.Update(func(p *Profile) error {
		p.APIKeys = tokens
		return nil
	})
}

func (s *Store) path() string {
	return filepath.Join(s.baseDir, profileFile)
}

// save writes the profile atomically.
func (s *Store) save(p *Profile) error {
	p.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	// Write to temp file first
	profilePath := s.path()
	tempPath := profilePath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, profilePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save profile: %w", err)
	}

	return nil
}
