package configstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	backendFile = "file"

	configFileName   = "config.json"
	metadataFileName = "global_metadata.json"
	backupSuffix     = ".backup"
	envelopeVersion  = "2.0"
)

type configEnvelope struct {
	Version    string            `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Config     Document          `json:"config"`
	Categories map[string]string `json:"categories,omitempty"`
}

type metadataEnvelope struct {
	Version   string              `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	Metadata  map[string]Document `json:"metadata"`
}

// FileStore keeps the configuration and the metadata in two JSON files.
// Writes are atomic (temp file then rename) and the previous file is kept
// as a .backup copy. Only one writer per process is serialized; running
// several processes on the same work dir is not supported.
type FileStore struct {
	fs     afero.Fs
	dir    string
	clock  clockwork.Clock
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore returns a FileStore rooted at opts.WorkDir, creating the
// directory when missing.
func NewFileStore(opts Options) (*FileStore, error) {
	opts.defaults()
	if opts.WorkDir == "" {
		return nil, backendError("open", backendFile, "", errors.New("work dir is empty"))
	}
	if ok, _ := afero.DirExists(opts.FS, opts.WorkDir); !ok {
		if err := opts.FS.MkdirAll(opts.WorkDir, 0o755); err != nil {
			return nil, backendError("open", backendFile, "", err)
		}
	}
	return &FileStore{
		fs:     opts.FS,
		dir:    opts.WorkDir,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

// read decodes name into v. A missing file leaves v untouched and reports
// false.
func (s *FileStore) read(name string, v any) (bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt %s: %w", name, err)
	}
	return true, nil
}

// write replaces name with v atomically. The previous content is copied to
// name.backup first and put back if the replacement fails.
func (s *FileStore) write(name string, v any) (err error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	target := s.path(name)
	backup := target + backupSuffix

	hadBackup := false
	if ok, _ := afero.Exists(s.fs, target); ok {
		prev, rerr := afero.ReadFile(s.fs, target)
		if rerr != nil {
			return rerr
		}
		if werr := afero.WriteFile(s.fs, backup, prev, 0o644); werr != nil {
			return fmt.Errorf("backup %s: %w", name, werr)
		}
		hadBackup = true
	}
	defer func() {
		if err == nil || !hadBackup {
			return
		}
		if rerr := s.restore(backup, target); rerr != nil {
			s.logger.Error("fleet: restoring config backup failed", "file", name, "error", rerr)
			return
		}
		s.logger.Warn("fleet: config write failed, backup restored", "file", name, "error", err)
	}()

	tmp, err := afero.TempFile(s.fs, s.dir, ".tmp_*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err = s.fs.Rename(tmpName, target); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) restore(backup, target string) error {
	data, err := afero.ReadFile(s.fs, backup)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, target, data, 0o644)
}

func (s *FileStore) loadConfig() (configEnvelope, error) {
	var env configEnvelope
	if _, err := s.read(configFileName, &env); err != nil {
		return env, err
	}
	if env.Config == nil {
		env.Config = Document{}
	}
	if env.Categories == nil {
		env.Categories = map[string]string{}
	}
	return env, nil
}

func (s *FileStore) loadMetadata() (metadataEnvelope, error) {
	var env metadataEnvelope
	if _, err := s.read(metadataFileName, &env); err != nil {
		return env, err
	}
	if env.Metadata == nil {
		env.Metadata = map[string]Document{}
	}
	return env, nil
}

// LoadConfig implements Store.LoadConfig.
func (s *FileStore) LoadConfig(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	env, err := s.loadConfig()
	s.mu.Unlock()
	if err != nil {
		return nil, backendError("load_config", backendFile, "", err)
	}
	observe("load_config", backendFile)
	return env.Config, nil
}

// SaveConfig implements Store.SaveConfig. Categories of surviving keys are
// kept; new keys get DefaultCategory.
func (s *FileStore) SaveConfig(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.loadConfig()
	if err != nil {
		return backendError("save_config", backendFile, "", err)
	}
	env := configEnvelope{
		Version:    envelopeVersion,
		UpdatedAt:  s.clock.Now().UTC(),
		Config:     cloneDocument(doc),
		Categories: make(map[string]string, len(doc)),
	}
	if env.Config == nil {
		env.Config = Document{}
	}
	for k := range env.Config {
		cat := prev.Categories[k]
		if cat == "" {
			cat = DefaultCategory
		}
		env.Categories[k] = cat
	}
	if err := s.write(configFileName, env); err != nil {
		return backendError("save_config", backendFile, "", err)
	}
	observe("save_config", backendFile)
	return nil
}

// SaveEntries implements Store.SaveEntries.
func (s *FileStore) SaveEntries(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.loadConfig()
	if err != nil {
		return backendError("save_entries", backendFile, "", err)
	}
	for _, e := range entries {
		if e.Key == "" {
			return backendError("save_entries", backendFile, "", errors.New("entry with empty key"))
		}
		cat := e.Category
		if cat == "" {
			cat = DefaultCategory
		}
		env.Config[e.Key] = cloneValue(e.Value)
		env.Categories[e.Key] = cat
	}
	env.Version = envelopeVersion
	env.UpdatedAt = s.clock.Now().UTC()
	if err := s.write(configFileName, env); err != nil {
		return backendError("save_entries", backendFile, "", err)
	}
	observe("save_entries", backendFile)
	return nil
}

// Entries implements Store.Entries. File mode keeps one timestamp for the
// whole document, so every entry carries it.
func (s *FileStore) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	env, err := s.loadConfig()
	s.mu.Unlock()
	if err != nil {
		return nil, backendError("entries", backendFile, "", err)
	}
	out := make([]Entry, 0, len(env.Config))
	for _, k := range sortedKeys(env.Config) {
		cat := env.Categories[k]
		if cat == "" {
			cat = DefaultCategory
		}
		out = append(out, Entry{Key: k, Value: env.Config[k], Category: cat, UpdatedAt: env.UpdatedAt})
	}
	observe("entries", backendFile)
	return out, nil
}

// LoadMetadata implements Store.LoadMetadata.
func (s *FileStore) LoadMetadata(ctx context.Context, key string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	env, err := s.loadMetadata()
	s.mu.Unlock()
	if err != nil {
		return nil, false, backendError("load_metadata", backendFile, key, err)
	}
	observe("load_metadata", backendFile)
	doc, ok := env.Metadata[key]
	if !ok {
		return nil, false, nil
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, true, nil
}

// SaveMetadata implements Store.SaveMetadata.
func (s *FileStore) SaveMetadata(ctx context.Context, key string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return backendError("save_metadata", backendFile, key, errors.New("empty metadata key"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.loadMetadata()
	if err != nil {
		return backendError("save_metadata", backendFile, key, err)
	}
	if doc == nil {
		doc = Document{}
	}
	env.Metadata[key] = cloneDocument(doc)
	env.Version = envelopeVersion
	env.UpdatedAt = s.clock.Now().UTC()
	if err := s.write(metadataFileName, env); err != nil {
		return backendError("save_metadata", backendFile, key, err)
	}
	observe("save_metadata", backendFile)
	return nil
}

// MetadataKeys implements Store.MetadataKeys.
func (s *FileStore) MetadataKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	env, err := s.loadMetadata()
	s.mu.Unlock()
	if err != nil {
		return nil, backendError("metadata_keys", backendFile, "", err)
	}
	observe("metadata_keys", backendFile)
	return sortedKeys(env.Metadata), nil
}

// Close implements Store.Close.
func (s *FileStore) Close() error { return nil }
