package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// FileStore keeps the whole state in one YAML document.
// Writes go through temp file → sync → rename so readers never see a torn file.
type FileStore struct {
	mu            sync.Mutex
	path          string
	watchInterval time.Duration
	now           func() time.Time
}

// NewFileStore creates a store backed by the YAML file at path
func NewFileStore(path string, watchInterval time.Duration) *FileStore {
	return &FileStore{
		path:          path,
		watchInterval: watchInterval,
		now:           time.Now,
	}
}

// fileDocument is the typed view of the state file; absent keys stay nil
type fileDocument struct {
	Rules    *[]domain.Rule     `yaml:"rules"`
	Counters *domain.Counters   `yaml:"counters"`
	Logs     *[]domain.LogEntry `yaml:"logs"`
}

// Get returns the persisted state with defaults for absent keys
func (s *FileStore) Get(ctx context.Context) (domain.State, error) {
	s.mu.Lock()
	data, err := s.readFile()
	s.mu.Unlock()
	if err != nil {
		return domain.State{}, err
	}

	state := domain.DefaultState(s.now())
	if len(data) == 0 {
		return state, nil
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.State{}, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}

	if doc.Rules != nil {
		state.Rules = *doc.Rules
	}
	if doc.Counters != nil {
		state.Counters = *doc.Counters
	}
	if doc.Logs != nil {
		state.Logs = *doc.Logs
	}

	return fillDefaults(state), nil
}

// Set writes the keys present in the patch and keeps everything else intact
func (s *FileStore) Set(ctx context.Context, patch domain.StatePatch) error {
	if patch.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.readRaw()
	if err != nil {
		return err
	}

	if patch.Rules != nil {
		raw[string(domain.KeyRules)] = *patch.Rules
	}
	if patch.Counters != nil {
		raw[string(domain.KeyCounters)] = *patch.Counters
	}
	if patch.Logs != nil {
		raw[string(domain.KeyLogs)] = *patch.Logs
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal state to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", s.path, err)
	}

	return atomicWrite(s.path, data)
}

// Watch polls the file and reports keys whose content changed
func (s *FileStore) Watch(ctx context.Context) (<-chan domain.StateChange, error) {
	return pollChanges(ctx, s.watchInterval, func(context.Context) (map[domain.StateKey]uint64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.fingerprints()
	})
}

// HealthCheck verifies that the state file is readable and parseable
func (s *FileStore) HealthCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatusHealthy
	message := "State file is accessible"
	details := map[string]any{"backend": BackendFile, "path": s.path}

	if _, err := s.Get(ctx); err != nil {
		status = domain.HealthStatusUnhealthy
		message = "State file cannot be read"
		details["error"] = err.Error()
	}

	return domain.HealthStatus{
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// GetStats returns storage statistics
func (s *FileStore) GetStats(ctx context.Context) map[string]any {
	stats := map[string]any{"backend": BackendFile, "path": s.path}
	if info, err := os.Stat(s.path); err == nil {
		stats["size_bytes"] = info.Size()
		stats["modified_at"] = info.ModTime()
	}
	return stats
}

// Close is a no-op for the file backend
func (s *FileStore) Close() error {
	return nil
}

// readFile returns the file content, or nil when it does not exist yet
func (s *FileStore) readFile() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	return data, nil
}

// readRaw decodes the file generically so unknown keys survive a rewrite
func (s *FileStore) readRaw() (map[string]any, error) {
	data, err := s.readFile()
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any)
	if len(data) == 0 {
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	return raw, nil
}

func (s *FileStore) fingerprints() (map[domain.StateKey]uint64, error) {
	raw, err := s.readRaw()
	if err != nil {
		return nil, err
	}

	out := make(map[domain.StateKey]uint64, len(domain.AllStateKeys))
	for _, key := range domain.AllStateKeys {
		value, ok := raw[string(key)]
		if !ok {
			continue
		}
		data, err := yaml.Marshal(value)
		if err != nil {
			return nil, err
		}
		h := fnv.New64a()
		_, _ = h.Write(data)
		out[key] = h.Sum64()
	}
	return out, nil
}

// atomicWrite performs an atomic file write using temp file → sync → rename pattern
func atomicWrite(targetPath string, data []byte) error {
	dir := filepath.Dir(targetPath)
	tempFile, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		return fmt.Errorf("failed to rename temp file to target: %w", err)
	}

	success = true
	return nil
}
