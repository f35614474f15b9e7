package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cdpledger/core/events"
	"cdpledger/core/types"
	"cdpledger/observability"
)

// Entry is one journaled ledger event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	Asset      string    `gorm:"index"`
	Owner      string    `gorm:"index"`
	Attributes string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name independent of the struct name.
func (Entry) TableName() string { return "cdp_audit_events" }

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Asset string
	Owner string
	Type  string
	After uint64
	Limit int
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Journal persists committed ledger events through gorm.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
	seq    chan uint64
}

// Open connects to the audit database. driver is "sqlite" or "postgres".
func Open(driver, dsn string, log *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	return New(db, log)
}

// New wraps an open gorm handle and migrates the journal table.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("audit: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	var last Entry
	var next uint64 = 1
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("audit: load sequence: %w", err)
	}
	if last.Sequence > 0 {
		next = last.Sequence + 1
	}
	j := &Journal{db: db, logger: log.With("component", "audit"), now: time.Now, seq: make(chan uint64, 1)}
	j.seq <- next
	return j, nil
}

// Publish journals evt. Failures are logged and counted; the ledger has
// already committed by the time sinks run.
func (j *Journal) Publish(evt types.Event) {
	if _, err := j.Record(context.Background(), evt); err != nil {
		observability.Events().RecordDropped(evt.Type)
		j.logger.Error("journal event", "type", evt.Type, "error", err)
	}
}

// Record stores evt and returns the journal entry.
func (j *Journal) Record(ctx context.Context, evt types.Event) (*Entry, error) {
	if j == nil {
		return nil, errors.New("audit: journal unavailable")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}
	seq := <-j.seq
	entry := &Entry{
		ID:         uuid.New(),
		Sequence:   seq,
		Type:       evt.Type,
		Asset:      evt.Attributes["asset"],
		Owner:      evt.Attributes["owner"],
		Attributes: string(attrs),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		j.seq <- seq
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	j.seq <- seq + 1
	return entry, nil
}

// List returns journal entries in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if j == nil {
		return nil, errors.New("audit: journal unavailable")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query := j.db.WithContext(ctx).Model(&Entry{}).Where("sequence > ?", filter.After)
	if asset := types.NormalizeAsset(filter.Asset); asset != "" {
		query = query.Where("asset = ?", asset)
	}
	if owner := strings.TrimSpace(filter.Owner); owner != "" {
		query = query.Where("owner = ?", owner)
	}
	if typ := strings.TrimSpace(filter.Type); typ != "" {
		query = query.Where("type = ?", typ)
	}
	var entries []Entry
	if err := query.Order("sequence asc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return entries, nil
}

// Decode returns the attributes of an entry.
func (e Entry) Decode() (map[string]string, error) {
	out := make(map[string]string)
	if err := json.Unmarshal([]byte(e.Attributes), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ events.Sink = (*Journal)(nil)
