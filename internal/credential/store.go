// ABOUTME: Filesystem credential store holding one TOML login file per agent.
// ABOUTME: One reserved name identifies the monitoring agent; every other file is a cloning agent.

package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Extension is the file suffix of credential files.
const Extension = ".toml"

// DefaultMonitorName is the credential name reserved for the monitoring agent.
const DefaultMonitorName = "monitor"

// ErrNotFound is returned when a named credential does not exist.
var ErrNotFound = errors.New("credential not found")

// Credential is the login material for one account.
type Credential struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	DeviceID    string `toml:"device_id,omitempty"`
}

// Store is the durable collection of per-agent login material.
type Store interface {
	// List returns the names of all stored credentials, sorted.
	List() ([]string, error)
	Load(name string) (*Credential, error)
	Save(name string, cred *Credential) error
	Remove(name string) error
	// MonitorName is the name reserved for the monitoring agent.
	MonitorName() string
}

// FileStore keeps credentials as <dir>/<name>.toml.
type FileStore struct {
	dir     string
	monitor string
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir, monitorName string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}
	if monitorName == "" {
		monitorName = DefaultMonitorName
	}
	return &FileStore{dir: dir, monitor: monitorName}, nil
}

// MonitorName returns the reserved monitor credential name.
func (s *FileStore) MonitorName() string {
	return s.monitor
}

// Dir returns the directory holding the credential files.
func (s *FileStore) Dir() string {
	return s.dir
}

// List returns the names of all *.toml files in the directory.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading credential directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}

// Load decodes the named credential file.
func (s *FileStore) Load(name string) (*Credential, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	var cred Credential
	if _, err := toml.DecodeFile(path, &cred); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("decoding credential %s: %w", name, err)
	}
	if cred.Homeserver == "" || cred.AccessToken == "" {
		return nil, fmt.Errorf("credential %s: homeserver and access_token are required", name)
	}
	return &cred, nil
}

// Save writes the credential atomically with owner-only permissions.
func (s *FileStore) Save(name string, cred *Credential) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("creating temp credential file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cred); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding credential %s: %w", name, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting credential permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing credential %s: %w", name, err)
	}
	return nil
}

// Remove deletes the named credential. Removing a missing credential is not an error.
func (s *FileStore) Remove(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credential %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid credential name %q", name)
	}
	return filepath.Join(s.dir, name+Extension), nil
}
