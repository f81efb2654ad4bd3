package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/security"
)

// Well-known key-value entries.
const (
	KeyBootID           = "boot_id"
	KeyAgentVersion     = "agent_version"
	KeyStartAfterUpdate = "start_after_update"
	KeyBaseConfig       = "base"
	KeyScripts          = "scripting.in_progress"
	KeyUpdateStatus     = "update.status"
	KeyServerID         = "server_id"
)

// Crypto key names.
const (
	DefaultKey = "default"
	FarmKey    = "farm"
)

// Store provides persistent file-based storage for agent state: flags,
// the lifecycle state, crypto keys and a small JSON key-value document.
type Store struct {
	dataDir string
	mu      sync.RWMutex
}

// NewStore creates a Store rooted at dataDir, ensuring the directory exists.
func NewStore(dataDir string) (*Store, error) {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "flags"), filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dataDir
}

// AgentID returns the persisted agent ID, generating one if it doesn't exist.
func (s *Store) AgentID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dataDir, "agent_id")
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.New().String()
	if err := writeFile(path, []byte(id)); err != nil {
		return "", fmt.Errorf("write agent id: %w", err)
	}
	return id, nil
}

// HasFlag reports whether f is set.
func (s *Store) HasFlag(f domain.Flag) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.flagPath(f))
	return err == nil
}

// SetFlag sets f. Setting a set flag is a no-op.
func (s *Store) SetFlag(f domain.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFile(s.flagPath(f), nil); err != nil {
		return fmt.Errorf("set flag %s: %w", f, err)
	}
	return nil
}

// ClearFlag clears f. Clearing an unset flag is a no-op.
func (s *Store) ClearFlag(f domain.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.flagPath(f)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear flag %s: %w", f, err)
	}
	return nil
}

// Flags returns the state of every known flag.
func (s *Store) Flags() map[domain.Flag]bool {
	out := make(map[domain.Flag]bool, len(domain.Flags))
	for _, f := range domain.Flags {
		out[f] = s.HasFlag(f)
	}
	return out
}

func (s *Store) flagPath(f domain.Flag) string {
	return filepath.Join(s.dataDir, "flags", string(f))
}

// State returns the persisted AgentState, StateUnknown when none is stored.
func (s *Store) State() (domain.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.dataDir, "state"))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.StateUnknown, nil
		}
		return domain.StateUnknown, fmt.Errorf("read state: %w", err)
	}
	st := domain.AgentState(strings.TrimSpace(string(data)))
	if !st.Valid() {
		return domain.StateUnknown, nil
	}
	return st, nil
}

// SetState persists st.
func (s *Store) SetState(st domain.AgentState) error {
	if !st.Valid() {
		return fmt.Errorf("invalid agent state %q", st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(filepath.Join(s.dataDir, "state"), []byte(st))
}

// Get decodes the value stored under key into v. It reports false when
// the key is absent.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.readDoc()
	if err != nil {
		return false, err
	}
	raw, ok := doc[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key.
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	doc[key] = raw
	return s.writeDoc(doc)
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.writeDoc(doc)
}

func (s *Store) readDoc() (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	data, err := os.ReadFile(filepath.Join(s.dataDir, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal state document: %w", err)
	}
	return doc, nil
}

func (s *Store) writeDoc(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}
	return writeFile(filepath.Join(s.dataDir, "state.json"), data)
}

// ReadKey returns the decoded key material stored under name.
func (s *Store) ReadKey(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.KeyPath(name))
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", name, err)
	}
	return security.DecodeKey(string(data))
}

// WriteKey stores base64 key material under name.
func (s *Store) WriteKey(name, encoded string) error {
	if _, err := security.DecodeKey(encoded); err != nil {
		return fmt.Errorf("write key %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(s.KeyPath(name), []byte(strings.TrimSpace(encoded)))
}

// KeyPath is the file holding key name.
func (s *Store) KeyPath(name string) string {
	return filepath.Join(s.dataDir, "keys", name)
}

// KeySource returns a security.KeySource reading key name on every call.
func (s *Store) KeySource(name string) security.KeySource {
	return security.KeyFunc(func() ([]byte, error) { return s.ReadKey(name) })
}

// Reset wipes state left by a previous enrollment: flags, lifecycle state
// and the key-value document. Keys are kept.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, f := range domain.Flags {
		if err := os.Remove(s.flagPath(f)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	for _, name := range []string{"state", "state.json"} {
		if err := os.Remove(filepath.Join(s.dataDir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeFile replaces path atomically. The data and the rename are synced
// to disk before it returns, so a crash leaves either the old or the new
// content.
func writeFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
