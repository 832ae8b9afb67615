// Package journal persists settlement run reports for operators. Every run
// keeps its canonical JSON report next to a blake3 digest so later edits to
// the row are detectable.
package journal

import (
	"context"
	"encoding/hex"
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
	gormlogger "gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"dvpsettle/services/dvpd/settlement"
)

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("journal: run not found")
	// ErrExists is returned when a run id is recorded twice.
	ErrExists = errors.New("journal: run already recorded")
	// ErrTampered is returned when a stored report no longer matches its
	// digest.
	ErrTampered = errors.New("journal: report digest mismatch")
)

const defaultListLimit = 50

// Store is a gorm-backed run journal. It implements settlement.Journal.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to dsn and migrates the schema. postgres:// and
// postgresql:// DSNs, and key=value DSNs naming a host, go to PostgreSQL;
// anything else is a SQLite path or URI.
func Open(dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("journal: dsn required")
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	var dialector gorm.Dialector
	if isPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db, opts...)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("journal: db is required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Digest returns the hex blake3 digest of a report's canonical JSON.
func Digest(report *settlement.Report) (string, []byte, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return "", nil, fmt.Errorf("journal: encode report: %w", err)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}

// Record persists report and its legs in one transaction. Reports without a
// run id get a fresh one.
func (s *Store) Record(ctx context.Context, report *settlement.Report) error {
	if report == nil {
		return errors.New("journal: nil report")
	}
	if strings.TrimSpace(report.RunID) == "" {
		report.RunID = uuid.NewString()
	}
	digest, raw, err := Digest(report)
	if err != nil {
		return err
	}
	run := Run{
		ID:         report.RunID,
		Scenario:   report.Scenario,
		Outcome:    string(report.Outcome),
		Attention:  report.NeedsAttention(),
		Reasons:    strings.Join(report.Attention, ","),
		Error:      report.Error,
		StartedAt:  report.StartedAt.UTC(),
		FinishedAt: report.FinishedAt.UTC(),
		Digest:     digest,
		Report:     string(raw),
		Legs:       legRows(report),
		CreatedAt:  s.now().UTC(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Run{}).Where("id = ?", run.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrExists, run.ID)
		}
		return tx.Create(&run).Error
	})
	if err != nil {
		if errors.Is(err, ErrExists) {
			return err
		}
		return fmt.Errorf("journal: record %s: %w", run.ID, err)
	}
	s.logger.Debug("run recorded", slog.String("run", run.ID), slog.String("outcome", run.Outcome),
		slog.String("digest", digest))
	return nil
}

func legRows(report *settlement.Report) []Leg {
	var rows []Leg
	for b, bundleReport := range report.Bundles {
		for _, leg := range bundleReport.Legs {
			rows = append(rows, Leg{
				RunID:         report.RunID,
				Bundle:        b,
				Label:         bundleReport.Label,
				Commitment:    bundleReport.Commitment,
				BundleOutcome: string(bundleReport.Outcome),
				Index:         leg.Index,
				Participant:   leg.Participant,
				Ledger:        leg.Ledger,
				Kind:          leg.Kind,
				Asset:         leg.Asset,
				Recipient:     leg.Recipient,
				AssetClass:    leg.AssetClass,
				Amount:        leg.Amount,
				TxHash:        leg.TxHash,
				Status:        leg.StatusName,
				Scheduled:     leg.Scheduled,
				Duplicate:     leg.Duplicate,
				Attention:     leg.Attention,
				Error:         leg.Error,
			})
		}
	}
	return rows
}

// Filter narrows List.
type Filter struct {
	AttentionOnly bool
	Scenario      string
	Since         time.Time
	Limit         int
}

// List returns runs newest first, without their legs.
func (s *Store) List(ctx context.Context, filter Filter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).Model(&Run{}).Omit("report")
	if filter.AttentionOnly {
		query = query.Where("attention = ?", true)
	}
	if scenario := strings.TrimSpace(filter.Scenario); scenario != "" {
		query = query.Where("scenario = ?", scenario)
	}
	if !filter.Since.IsZero() {
		query = query.Where("started_at >= ?", filter.Since.UTC())
	}
	var runs []Run
	if err := query.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return runs, nil
}

// Get loads a run with its legs and decodes its report. A report that no
// longer matches its digest is returned together with ErrTampered.
func (s *Store) Get(ctx context.Context, id string) (*Run, *settlement.Report, error) {
	var run Run
	err := s.db.WithContext(ctx).Preload("Legs", func(db *gorm.DB) *gorm.DB {
		return db.Order("bundle ASC, \"index\" ASC")
	}).Where("id = ?", strings.TrimSpace(id)).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("journal: get %s: %w", id, err)
	}
	var report settlement.Report
	if err := json.Unmarshal([]byte(run.Report), &report); err != nil {
		return &run, nil, fmt.Errorf("journal: decode %s: %w", id, err)
	}
	sum := blake3.Sum256([]byte(run.Report))
	if hex.EncodeToString(sum[:]) != run.Digest {
		return &run, &report, fmt.Errorf("%w: %s", ErrTampered, id)
	}
	return &run, &report, nil
}

var _ settlement.Journal = (*Store)(nil)
