package configstore

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/spf13/afero"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

func sampleDocument() Document {
	return Document{
		"default_model":   "qwen-max",
		"enable_reranker": true,
		"max_tokens":      float64(4096),
		"providers": map[string]any{
			"openai": map[string]any{"base_url": "https://api.example.com", "models": []any{"a", "b"}},
		},
		"tags": []any{"x", float64(1), nil},
	}
}

// exerciseStore checks the behaviour every backend shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("load empty config: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty config, got %v", empty)
	}

	doc := sampleDocument()
	if err := s.SaveConfig(ctx, doc); err != nil {
		t.Fatalf("save config: %v", err)
	}
	got, err := s.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("config round trip mismatch:\n got %#v\nwant %#v", got, doc)
	}

	// SaveConfig replaces the whole document.
	if err := s.SaveConfig(ctx, Document{"default_model": "other"}); err != nil {
		t.Fatalf("save config: %v", err)
	}
	got, _ = s.LoadConfig(ctx)
	if !reflect.DeepEqual(got, Document{"default_model": "other"}) {
		t.Fatalf("expected replaced document, got %v", got)
	}

	if err := s.SaveEntries(ctx, []Entry{{Key: "embed_model", Value: "bge-m3", Category: "model"}}); err != nil {
		t.Fatalf("save entries: %v", err)
	}
	entries, err := s.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "default_model" || entries[1].Key != "embed_model" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Category != DefaultCategory || entries[1].Category != "model" {
		t.Fatalf("unexpected categories %+v", entries)
	}
	if entries[1].Value != "bge-m3" || entries[1].UpdatedAt.IsZero() {
		t.Fatalf("unexpected entry %+v", entries[1])
	}

	if _, found, err := s.LoadMetadata(ctx, DefaultMetadataKey); err != nil || found {
		t.Fatalf("expected missing metadata, found=%v err=%v", found, err)
	}
	meta := Document{"databases": map[string]any{"kb_1": map[string]any{"name": "docs", "dimension": float64(1024)}}}
	if err := s.SaveMetadata(ctx, DefaultMetadataKey, meta); err != nil {
		t.Fatalf("save metadata: %v", err)
	}
	if err := s.SaveMetadata(ctx, "agents", Document{}); err != nil {
		t.Fatalf("save metadata: %v", err)
	}
	m, found, err := s.LoadMetadata(ctx, DefaultMetadataKey)
	if err != nil || !found {
		t.Fatalf("load metadata: found=%v err=%v", found, err)
	}
	if !reflect.DeepEqual(m, meta) {
		t.Fatalf("metadata round trip mismatch: %#v", m)
	}
	keys, err := s.MetadataKeys(ctx)
	if err != nil {
		t.Fatalf("metadata keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"agents", DefaultMetadataKey}) {
		t.Fatalf("unexpected metadata keys %v", keys)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":             ModeFile,
		"file":         ModeFile,
		"shared-store": ModeSharedStore,
		"database":     ModeSharedStore,
		" DATABASE ":   ModeSharedStore,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("redis"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestOpenFileMode(t *testing.T) {
	s, err := Open(ModeFile, Options{WorkDir: "/data", FS: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", s)
	}
}

func TestOpenSharedStoreUnreachableFailsHard(t *testing.T) {
	_, err := Open(ModeSharedStore, Options{Dialect: "oracle", DSN: "x"})
	if !errors.Is(err, fleeterrors.ErrConfigBackend) {
		t.Fatalf("expected config backend error, got %v", err)
	}
	var cerr *fleeterrors.ConfigBackendError
	if !errors.As(err, &cerr) || cerr.Backend != backendSQL {
		t.Fatalf("expected *ConfigBackendError for %s, got %#v", backendSQL, err)
	}
}

func TestCloneDocumentIsDeep(t *testing.T) {
	doc := sampleDocument()
	cp := cloneDocument(doc)
	cp["providers"].(map[string]any)["openai"].(map[string]any)["base_url"] = "changed"
	cp["tags"].([]any)[0] = "changed"
	if !reflect.DeepEqual(doc, sampleDocument()) {
		t.Fatal("clone shares nested values with the original")
	}
}
