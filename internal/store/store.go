// Package store persists IngestionRecords with GORM.
//
// Every status change is a single conditional UPDATE, so two workers (or a
// worker and a resubmission) racing on the same URL cannot both win.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bad33ndj3/webrag/internal/domain"
)

// DefaultStaleAfter is how long a record may sit in processing before
// another worker is allowed to reclaim it.
const DefaultStaleAfter = 10 * time.Minute

// Open connects to the records database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, nil
}

// Store is the GORM-backed ingestion record store.
type Store struct {
	db         *gorm.DB
	now        func() time.Time
	staleAfter time.Duration
	logger     *slog.Logger
}

// Options tunes a Store. Zero values pick defaults.
type Options struct {
	StaleAfter time.Duration
	Now        func() time.Time
}

// New creates a Store over db.
func New(db *gorm.DB, opts Options, logger *slog.Logger) *Store {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, now: opts.Now, staleAfter: opts.StaleAfter, logger: logger.With("component", "store")}
}

// Migrate creates or updates the records table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&domain.IngestionRecord{}); err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) timestamp() time.Time { return s.now().UTC() }

// GetByURL returns the record for url or domain.ErrNotFound.
func (s *Store) GetByURL(ctx context.Context, url string) (*domain.IngestionRecord, error) {
	var rec domain.IngestionRecord
	err := s.db.WithContext(ctx).Where("url = ?", url).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record by url: %w", err)
	}
	return &rec, nil
}

// GetByID returns the record with id or domain.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id uint) (*domain.IngestionRecord, error) {
	var rec domain.IngestionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record by id: %w", err)
	}
	return &rec, nil
}

// CreatePending inserts a pending record for url. If one already exists it
// is returned unchanged and created is false.
func (s *Store) CreatePending(ctx context.Context, url string) (rec *domain.IngestionRecord, created bool, err error) {
	now := s.timestamp()
	row := domain.IngestionRecord{
		URL:       url,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "url"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create record: %w", res.Error)
	}

	rec, err = s.GetByURL(ctx, url)
	if err != nil {
		return nil, false, err
	}
	return rec, res.RowsAffected == 1, nil
}

// transition applies fields to url's record if its status may move to `to`
// and cond holds. It reports whether a row changed.
func (s *Store) transition(ctx context.Context, url string, to domain.Status, fields map[string]any, cond string, args ...any) (bool, error) {
	fields["status"] = to
	fields["updated_at"] = s.timestamp()

	q := s.db.WithContext(ctx).
		Model(&domain.IngestionRecord{}).
		Where("url = ? AND status IN ?", url, domain.StatusesInto(to))
	if cond != "" {
		q = q.Where(cond, args...)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// staleCutoff is the updated_at before which a processing claim is abandoned.
func (s *Store) staleCutoff() time.Time {
	return s.timestamp().Add(-s.staleAfter)
}

// MarkPending moves a record back to pending, clearing its hash and error.
// A processing record is only reset once its claim has gone stale. It reports
// false when nothing changed.
func (s *Store) MarkPending(ctx context.Context, url string) (bool, error) {
	ok, err := s.transition(ctx, url, domain.StatusPending,
		map[string]any{"content_hash": nil, "error_message": nil},
		"(status <> ? OR updated_at < ?)", domain.StatusProcessing, s.staleCutoff())
	if err != nil {
		return false, fmt.Errorf("mark pending: %w", err)
	}
	return ok, nil
}

// Claim moves a pending record to processing. A record stuck in processing
// longer than the stale window is reclaimed as well. It reports false if
// another worker holds the record or it is not pending.
func (s *Store) Claim(ctx context.Context, url string) (bool, error) {
	ok, err := s.transition(ctx, url, domain.StatusProcessing,
		map[string]any{"error_message": nil},
		"(status <> ? OR updated_at < ?)", domain.StatusProcessing, s.staleCutoff())
	if err != nil {
		return false, fmt.Errorf("claim record: %w", err)
	}
	return ok, nil
}

// Release hands a processing record back to pending so the next delivery of
// its task can claim it at once.
func (s *Store) Release(ctx context.Context, url string) error {
	ok, err := s.transition(ctx, url, domain.StatusPending, map[string]any{}, "status = ?", domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("release record: %w", err)
	}
	if !ok {
		return fmt.Errorf("release record %s: not processing: %w", url, domain.ErrNotFound)
	}
	return nil
}

// Complete marks a processing record completed with the indexed content hash.
func (s *Store) Complete(ctx context.Context, url, contentHash string) error {
	ok, err := s.transition(ctx, url, domain.StatusCompleted,
		map[string]any{"content_hash": contentHash, "error_message": nil}, "")
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if !ok {
		return fmt.Errorf("complete record %s: not processing: %w", url, domain.ErrNotFound)
	}
	return nil
}

// Fail marks a pending or processing record failed with msg and clears its
// hash.
func (s *Store) Fail(ctx context.Context, url, msg string) error {
	ok, err := s.transition(ctx, url, domain.StatusFailed,
		map[string]any{"content_hash": nil, "error_message": msg}, "")
	if err != nil {
		return fmt.Errorf("fail record: %w", err)
	}
	if !ok {
		return fmt.Errorf("fail record %s: %w", url, domain.ErrNotFound)
	}
	return nil
}

// CountByStatus returns how many records are in each status. Every status
// is present in the map, zero when there are none.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&domain.IngestionRecord{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	counts := make(map[domain.Status]int64, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		if r.Status.Valid() {
			counts[r.Status] = r.Count
		} else {
			s.logger.Warn("record with unknown status", "status", r.Status, "count", r.Count)
		}
	}
	return counts, nil
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]domain.IngestionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var out []domain.IngestionRecord
	err := s.db.WithContext(ctx).
		Order("updated_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}
