// Package configstore persists the shared configuration document and the
// global metadata documents. Two interchangeable backends exist: a JSON file
// pair in a work directory, for single-host deployments, and a relational
// database shared by every replica. The backend is chosen once at startup.
//
// Backend failures are always returned as *errors.ConfigBackendError; there
// is no silent fallback between backends.
package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultCategory tags entries saved through SaveConfig.
const DefaultCategory = "app"

// DefaultMetadataKey is the metadata key historically used for the
// knowledge database registry.
const DefaultMetadataKey = "knowledge_databases"

// Document is a JSON object.
type Document map[string]any

// Entry is one top-level key of the configuration document.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Category  string    `json:"category"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes configuration and metadata.
type Store interface {
	// LoadConfig returns the whole configuration document. An empty store
	// yields an empty document.
	LoadConfig(ctx context.Context) (Document, error)
	// SaveConfig replaces the whole configuration document. Keys absent
	// from doc are removed.
	SaveConfig(ctx context.Context, doc Document) error
	// SaveEntries upserts the given entries, keeping their categories, and
	// leaves other keys untouched.
	SaveEntries(ctx context.Context, entries []Entry) error
	// Entries lists the configuration entries sorted by key.
	Entries(ctx context.Context) ([]Entry, error)
	// LoadMetadata returns the metadata document stored under key.
	LoadMetadata(ctx context.Context, key string) (Document, bool, error)
	// SaveMetadata replaces the metadata document stored under key.
	SaveMetadata(ctx context.Context, key string, doc Document) error
	// MetadataKeys lists the stored metadata keys, sorted.
	MetadataKeys(ctx context.Context) ([]string, error)
	Close() error
}

// Mode selects the backend.
type Mode string

const (
	ModeFile        Mode = "file"
	ModeSharedStore Mode = "shared-store"
)

// ParseMode parses a mode name. "database" is accepted for shared-store.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeFile):
		return ModeFile, nil
	case string(ModeSharedStore), "database":
		return ModeSharedStore, nil
	}
	return "", fmt.Errorf("configstore: unknown mode %q", s)
}

// Options configures Open.
type Options struct {
	// WorkDir holds config.json and global_metadata.json in file mode.
	WorkDir string
	// FS is the filesystem used in file mode. Defaults to the OS filesystem.
	FS afero.Fs

	// DB is an already opened database for shared-store mode. When nil,
	// Dialect and DSN are used to open one.
	DB      *gorm.DB
	Dialect string
	DSN     string

	// Timeout bounds each database call. Defaults to 5s.
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.FS == nil {
		o.FS = afero.NewOsFs()
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Open returns the Store for mode. It is meant to be called once at
// startup; an unreachable shared store is an error, not a reason to fall
// back to files.
func Open(mode Mode, opts Options) (Store, error) {
	opts.defaults()
	switch mode {
	case ModeFile:
		return NewFileStore(opts)
	case ModeSharedStore:
		return NewSQLStore(opts)
	}
	return nil, fmt.Errorf("configstore: unknown mode %q", mode)
}

func backendError(op, backend, key string, err error) error {
	metrics.ConfigOpsCounter.WithLabelValues(op, backend, "error").Inc()
	return &fleeterrors.ConfigBackendError{Op: op, Backend: backend, Key: key, Err: err}
}

func observe(op, backend string) {
	metrics.ConfigOpsCounter.WithLabelValues(op, backend, "ok").Inc()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cloneValue deep-copies JSON-shaped values so cached documents cannot be
// mutated through returned references.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Document:
		return map[string]any(cloneDocument(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

func cloneDocument(d Document) Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}
