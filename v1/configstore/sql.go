package configstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

const backendSQL = "shared-store"

// systemConfig is one top-level configuration key.
type systemConfig struct {
	Key       string    `gorm:"primaryKey;column:key;size:255"`
	Value     string    `gorm:"column:value;type:text;not null"`
	Category  string    `gorm:"column:category;size:64;not null;default:app;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (systemConfig) TableName() string { return "system_configs" }

// globalMetadata is one metadata document.
type globalMetadata struct {
	Key       string    `gorm:"primaryKey;column:key;size:255"`
	Content   string    `gorm:"column:content;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (globalMetadata) TableName() string { return "global_metadata" }

// SQLStore keeps configuration and metadata in a relational database shared
// by every replica. Concurrent writers are last-writer-wins per key.
type SQLStore struct {
	db      *gorm.DB
	ownDB   bool
	timeout time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
}

// OpenDB opens a database for dialect ("sqlite" or "postgres").
func OpenDB(dialect, dsn string) (*gorm.DB, error) {
	var d gorm.Dialector
	switch dialect {
	case "sqlite", "sqlite3":
		d = sqlite.Open(dsn)
	case "postgres", "postgresql":
		d = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	return gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// NewSQLStore opens (or reuses opts.DB), checks connectivity and migrates
// the two tables.
func NewSQLStore(opts Options) (*SQLStore, error) {
	opts.defaults()
	db := opts.DB
	own := false
	if db == nil {
		var err error
		db, err = OpenDB(opts.Dialect, opts.DSN)
		if err != nil {
			return nil, backendError("open", backendSQL, "", err)
		}
		own = true
	}
	s := &SQLStore{db: db, ownDB: own, timeout: opts.Timeout, clock: opts.Clock, logger: opts.Logger}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := s.ping(ctx); err != nil {
		_ = s.Close()
		return nil, backendError("open", backendSQL, "", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&systemConfig{}, &globalMetadata{}); err != nil {
		_ = s.Close()
		return nil, backendError("migrate", backendSQL, "", err)
	}
	return s, nil
}

func (s *SQLStore) ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) fail(op, key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", fleeterrors.ErrTimeout, err)
	}
	return backendError(op, backendSQL, key, err)
}

func (s *SQLStore) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx), cancel
}

func decodeValue(raw string) (any, error) {
	var v any
	if err := json.UnmarshalFromString(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadConfig implements Store.LoadConfig.
func (s *SQLStore) LoadConfig(ctx context.Context) (Document, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var rows []systemConfig
	if err := db.Order("key").Find(&rows).Error; err != nil {
		return nil, s.fail("load_config", "", err)
	}
	doc := make(Document, len(rows))
	for _, r := range rows {
		v, err := decodeValue(r.Value)
		if err != nil {
			return nil, s.fail("load_config", r.Key, fmt.Errorf("corrupt value: %w", err))
		}
		doc[r.Key] = v
	}
	observe("load_config", backendSQL)
	return doc, nil
}

func (s *SQLStore) encodeEntries(entries []Entry, now time.Time) ([]systemConfig, error) {
	rows := make([]systemConfig, 0, len(entries))
	for _, e := range entries {
		if e.Key == "" {
			return nil, errors.New("entry with empty key")
		}
		raw, err := json.MarshalToString(e.Value)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", e.Key, err)
		}
		cat := e.Category
		if cat == "" {
			cat = DefaultCategory
		}
		rows = append(rows, systemConfig{Key: e.Key, Value: raw, Category: cat, UpdatedAt: now})
	}
	return rows, nil
}

// SaveConfig implements Store.SaveConfig inside one transaction. Existing
// keys keep their category.
func (s *SQLStore) SaveConfig(ctx context.Context, doc Document) error {
	now := s.clock.Now().UTC()
	entries := make([]Entry, 0, len(doc))
	for _, k := range sortedKeys(doc) {
		entries = append(entries, Entry{Key: k, Value: doc[k]})
	}
	rows, err := s.encodeEntries(entries, now)
	if err != nil {
		return s.fail("save_config", "", err)
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}

	db, cancel := s.conn(ctx)
	defer cancel()
	err = db.Transaction(func(tx *gorm.DB) error {
		del := tx.Where("1 = 1")
		if len(keys) > 0 {
			del = tx.Where("key NOT IN ?", keys)
		}
		if err := del.Delete(&systemConfig{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return s.fail("save_config", "", err)
	}
	observe("save_config", backendSQL)
	return nil
}

// SaveEntries implements Store.SaveEntries.
func (s *SQLStore) SaveEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows, err := s.encodeEntries(entries, s.clock.Now().UTC())
	if err != nil {
		return s.fail("save_entries", "", err)
	}
	db, cancel := s.conn(ctx)
	defer cancel()
	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "category", "updated_at"}),
		}).CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return s.fail("save_entries", "", err)
	}
	observe("save_entries", backendSQL)
	return nil
}

// Entries implements Store.Entries.
func (s *SQLStore) Entries(ctx context.Context) ([]Entry, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var rows []systemConfig
	if err := db.Order("key").Find(&rows).Error; err != nil {
		return nil, s.fail("entries", "", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		v, err := decodeValue(r.Value)
		if err != nil {
			return nil, s.fail("entries", r.Key, fmt.Errorf("corrupt value: %w", err))
		}
		out = append(out, Entry{Key: r.Key, Value: v, Category: r.Category, UpdatedAt: r.UpdatedAt})
	}
	observe("entries", backendSQL)
	return out, nil
}

// LoadMetadata implements Store.LoadMetadata.
func (s *SQLStore) LoadMetadata(ctx context.Context, key string) (Document, bool, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var row globalMetadata
	err := db.Where("key = ?", key).Limit(1).Find(&row).Error
	if err != nil {
		return nil, false, s.fail("load_metadata", key, err)
	}
	observe("load_metadata", backendSQL)
	if row.Key == "" {
		return nil, false, nil
	}
	doc := Document{}
	if err := json.UnmarshalFromString(row.Content, &doc); err != nil {
		return nil, false, s.fail("load_metadata", key, fmt.Errorf("corrupt content: %w", err))
	}
	return doc, true, nil
}

// SaveMetadata implements Store.SaveMetadata.
func (s *SQLStore) SaveMetadata(ctx context.Context, key string, doc Document) error {
	if key == "" {
		return s.fail("save_metadata", key, errors.New("empty metadata key"))
	}
	if doc == nil {
		doc = Document{}
	}
	raw, err := json.MarshalToString(doc)
	if err != nil {
		return s.fail("save_metadata", key, err)
	}
	row := globalMetadata{Key: key, Content: raw, UpdatedAt: s.clock.Now().UTC()}

	db, cancel := s.conn(ctx)
	defer cancel()
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return s.fail("save_metadata", key, err)
	}
	observe("save_metadata", backendSQL)
	return nil
}

// MetadataKeys implements Store.MetadataKeys.
func (s *SQLStore) MetadataKeys(ctx context.Context) ([]string, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var keys []string
	if err := db.Model(&globalMetadata{}).Order("key").Pluck("key", &keys).Error; err != nil {
		return nil, s.fail("metadata_keys", "", err)
	}
	observe("metadata_keys", backendSQL)
	return keys, nil
}

// Close closes the database when the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
