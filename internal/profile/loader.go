package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// document is the YAML form of a Profile.
type document struct {
	ID          int               `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Type        Type              `yaml:"type"`
	Validity    duration          `yaml:"validity"`
	Extensions  *ExtensionsConfig `yaml:"extensions,omitempty"`
}

// duration is a YAML scalar such as "8760h", "365d" or "1y2d".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = duration(v)
	return nil
}

// Units accepted on top of time.ParseDuration, largest first.
var calendarUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"y", 365 * 24 * time.Hour},
	{"d", 24 * time.Hour},
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("duration is empty")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var total time.Duration
	rest := s
	for _, u := range calendarUnits {
		count, tail, found := strings.Cut(rest, u.suffix)
		if !found {
			continue
		}
		n, err := strconv.ParseUint(count, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total += time.Duration(n) * u.unit
		rest = tail
	}
	if rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total += d
	}
	return total, nil
}

// LoadProfileFromBytes parses and validates a YAML profile.
func LoadProfileFromBytes(data []byte) (*Profile, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}
	p := &Profile{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Type:        doc.Type,
		Validity:    time.Duration(doc.Validity),
		Extensions:  doc.Extensions,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %q: %w", doc.Name, err)
	}
	return p, nil
}

// loadFS parses the *.yaml and *.yml files at the root of fsys, ordered
// by id.
func loadFS(fsys fs.FS) ([]*Profile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []*Profile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := path.Ext(e.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		p, err := LoadProfileFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadProfilesFromDirectory loads the profiles of dir. A missing directory
// yields no profiles.
func LoadProfilesFromDirectory(dir string) ([]*Profile, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	ps, err := loadFS(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles from %s: %w", dir, err)
	}
	return ps, nil
}

// Store resolves profiles by id. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	profiles map[int]*Profile
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{profiles: make(map[int]*Profile)}
}

// Add registers profiles. Ids and names must be unique within the store;
// re-adding the same id replaces the profile.
func (s *Store) Add(profiles ...*Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		for id, other := range s.profiles {
			if id != p.ID && other.Name == p.Name {
				return fmt.Errorf("duplicate profile name %q (ids %d and %d)", p.Name, id, p.ID)
			}
		}
		s.profiles[p.ID] = p
	}
	return nil
}

// Lookup returns the profile with the id.
func (s *Store) Lookup(id int) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// List returns all profiles ordered by id.
func (s *Store) List() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadStore builds a store from the builtin profiles overlaid with the
// profiles found in dir. Profiles in dir override builtins with the same id.
func LoadStore(dir string) (*Store, error) {
	s := NewStore()
	builtins, err := BuiltinProfiles()
	if err != nil {
		return nil, err
	}
	if err := s.Add(builtins...); err != nil {
		return nil, err
	}
	if dir == "" {
		return s, nil
	}
	custom, err := LoadProfilesFromDirectory(dir)
	if err != nil {
		return nil, err
	}
	if err := s.Add(custom...); err != nil {
		return nil, err
	}
	return s, nil
}
