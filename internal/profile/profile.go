// Package profile persists named bundles of run defaults: default tool
// adapter, policy path, channel set, and TTL overrides, with exactly one
// profile marked default.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// ErrNotFound is returned for unknown profile names.
var ErrNotFound = errors.New("profile: not found")

// Profile is one named bundle of run defaults.
type Profile struct {
	Name           string   `toml:"-"`
	Adapter        string   `toml:"adapter,omitempty"`
	PolicyPath     string   `toml:"policy_path,omitempty"`
	Channels       []string `toml:"channels,omitempty"`
	TimeoutSeconds int      `toml:"timeout_seconds,omitempty"`
	Default        bool     `toml:"default,omitempty"`
}

type fileFormat struct {
	Profiles map[string]Profile `toml:"profiles"`
}

// Store reads and writes the profiles file under the data directory.
type Store struct {
	path string
}

// NewStore builds a Store; the file is created on first save.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "profiles.toml")}
}

func (s *Store) load() (*fileFormat, error) {
	f := &fileFormat{Profiles: make(map[string]Profile)}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return f, nil
	}
	if _, err := toml.DecodeFile(s.path, f); err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", s.path, err)
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]Profile)
	}
	return f, nil
}

func (s *Store) save(f *fileFormat) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("profile: open for save: %w", err)
	}
	defer out.Close()
	return toml.NewEncoder(out).Encode(f)
}

// List returns all profiles sorted by name.
func (s *Store) List() ([]Profile, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(f.Profiles))
	for name, p := range f.Profiles {
		p.Name = name
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one profile by name.
func (s *Store) Get(name string) (Profile, error) {
	f, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p.Name = name
	return p, nil
}

// GetDefault returns the profile marked default, or ErrNotFound.
func (s *Store) GetDefault() (Profile, error) {
	f, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	for name, p := range f.Profiles {
		if p.Default {
			p.Name = name
			return p, nil
		}
	}
	return Profile{}, ErrNotFound
}

// Create upserts a profile. The first profile created becomes the default.
func (s *Store) Create(p Profile) error {
	if p.Name == "" {
		return errors.New("profile: name required")
	}
	f, err := s.load()
	if err != nil {
		return err
	}
	if len(f.Profiles) == 0 {
		p.Default = true
	}
	if p.Default {
		for name, other := range f.Profiles {
			other.Default = false
			f.Profiles[name] = other
		}
	}
	f.Profiles[p.Name] = p
	return s.save(f)
}

// Delete removes a profile. Deleting the default promotes the first
// remaining profile (alphabetically) to default.
func (s *Store) Delete(name string) error {
	f, err := s.load()
	if err != nil {
		return err
	}
	p, ok := f.Profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(f.Profiles, name)
	if p.Default && len(f.Profiles) > 0 {
		names := make([]string, 0, len(f.Profiles))
		for n := range f.Profiles {
			names = append(names, n)
		}
		sort.Strings(names)
		first := f.Profiles[names[0]]
		first.Default = true
		f.Profiles[names[0]] = first
	}
	return s.save(f)
}

// SetDefault marks one profile as the default, clearing the flag on every
// other profile so exactly one holds it.
func (s *Store) SetDefault(name string) error {
	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Profiles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for n, p := range f.Profiles {
		p.Default = n == name
		f.Profiles[n] = p
	}
	return s.save(f)
}
